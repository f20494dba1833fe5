// Package normalize maps provider-native raw usage records onto the
// canonical cost row schema. Mapping is explicit per provider; a
// malformed record fails that record only, and the batch drains.
package normalize

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
	"github.com/santoshpalla27/costfeed/pkg/fxrate"
)

// costScale is the decimal precision of persisted amounts.
const costScale = 6

// RecordError ties a normalization failure to its record index.
type RecordError struct {
	Index int
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// Normalizer converts raw records into canonical rows. Currency
// conversion uses the injected pinned rate table, never a live rate.
type Normalizer struct {
	fx      *fxrate.Table
	version string
}

func New(fx *fxrate.Table, collectorVersion string) *Normalizer {
	return &Normalizer{fx: fx, version: collectorVersion}
}

// Batch normalizes one fetched day. It returns the rows that mapped
// cleanly plus one error per record that did not; it never aborts the
// batch. sourceFile is the raw-payload ref recorded for provenance.
func (n *Normalizer) Batch(
	p provider.Provider,
	day civil.Date,
	sourceFile string,
	collectedAt time.Time,
	records []provider.RawUsageRecord,
) ([]costrow.Row, []RecordError) {
	rows := make([]costrow.Row, 0, len(records))
	var errs []RecordError

	for i, rec := range records {
		row, err := n.one(p, day, rec, collectedAt)
		if err != nil {
			errs = append(errs, RecordError{
				Index: i,
				Err:   billingerr.NewNormalizationError(string(p), err.Error()),
			})
			continue
		}

		row.SourceFile = sourceFile
		row.CollectorVersion = n.version
		rows = append(rows, *row)
	}
	return rows, errs
}

func (n *Normalizer) one(p provider.Provider, day civil.Date, rec provider.RawUsageRecord, collectedAt time.Time) (*costrow.Row, error) {
	var (
		row *costrow.Row
		err error
	)
	switch p {
	case provider.GCP:
		row, err = n.buildGCP(rec, collectedAt)
	case provider.AWS:
		row, err = n.buildAWS(rec, collectedAt)
	case provider.Snowflake:
		row, err = n.buildSnowflake(rec, collectedAt)
	case provider.MongoDB:
		row, err = n.buildMongoDB(rec, collectedAt)
	default:
		return nil, billingerr.NewUnknownProviderError(string(p))
	}
	if err != nil {
		return nil, err
	}

	row.BillingDate = day
	row.Provider = p.Label()
	row.CollectedAt = collectedAt.UTC()
	// Attribution runs after normalization; the resolver overwrites
	// these from the tag set.
	row.Team = costrow.Unknown
	row.Environment = costrow.Unknown

	if err := row.Validate(); err != nil {
		return nil, err
	}
	return row, nil
}

// toUSD converts amount as of the collection time's month and rounds to
// storage precision.
func (n *Normalizer) toUSD(amount decimal.Decimal, currency string, asOf time.Time) (decimal.Decimal, error) {
	usd, err := n.fx.ToUSD(amount, currency, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return usd.Round(costScale), nil
}

// Field coercion helpers. RawUsageRecord values come from JSON decoding
// and driver scans, so amounts may arrive as decimals, floats, ints or
// strings.

func reqString(rec provider.RawUsageRecord, key string) (string, error) {
	s, ok := optString(rec, key)
	if !ok {
		return "", fmt.Errorf("required field %q is missing or empty", key)
	}
	return s, nil
}

func optString(rec provider.RawUsageRecord, key string) (string, bool) {
	v, ok := rec[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func reqDecimal(rec provider.RawUsageRecord, key string) (decimal.Decimal, error) {
	d, ok, err := optDecimal(rec, key)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("required field %q is missing", key)
	}
	return d, nil
}

func optDecimal(rec provider.RawUsageRecord, key string) (decimal.Decimal, bool, error) {
	v, ok := rec[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true, nil
	case float64:
		return decimal.NewFromFloat(t), true, nil
	case float32:
		return decimal.NewFromFloat32(t), true, nil
	case int:
		return decimal.NewFromInt(int64(t)), true, nil
	case int64:
		return decimal.NewFromInt(t), true, nil
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("field %q: %q is not a number", key, t)
		}
		return d, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("field %q has unsupported type %T", key, v)
	}
}

func recTags(rec provider.RawUsageRecord) map[string]string {
	v, ok := rec["tags"]
	if !ok || v == nil {
		return map[string]string{}
	}
	switch t := v.(type) {
	case map[string]string:
		return t
	case map[string]any:
		tags := make(map[string]string, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok {
				tags[k] = s
			}
		}
		return tags
	default:
		return map[string]string{}
	}
}
