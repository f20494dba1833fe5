// Package aws fetches one day of usage from Cost Explorer. The primary
// extract groups by SERVICE + LINKED_ACCOUNT; two follow-up calls
// enrich it with attribution tags per account and the dominant region
// per service. Cost Explorer allows two GroupBy dimensions per call,
// which is why enrichment cannot ride along on the primary fetch.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

// DefaultFallbackRegion is recorded for services Cost Explorer
// cannot place in a region.
const DefaultFallbackRegion = "us-east-1"

// CostExplorerAPI is the slice of the Cost Explorer client this
// adapter drives.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

type Config struct {
	// FallbackRegion is stamped on rows whose service has no dominant
	// region in Cost Explorer.
	FallbackRegion string

	// TagKeys are the cost-allocation tag keys fetched per account.
	TagKeys []string
}

type Adapter struct {
	ce  CostExplorerAPI
	cfg Config
	log *slog.Logger
}

func New(ce CostExplorerAPI, cfg Config, log *slog.Logger) *Adapter {
	if cfg.FallbackRegion == "" {
		cfg.FallbackRegion = DefaultFallbackRegion
	}
	if len(cfg.TagKeys) == 0 {
		cfg.TagKeys = []string{"team", "environment"}
	}
	return &Adapter{ce: ce, cfg: cfg, log: log}
}

func (a *Adapter) Provider() provider.Provider { return provider.AWS }

func (a *Adapter) Fetch(ctx context.Context, day civil.Date) (*provider.FetchResult, error) {
	pages, err := a.costAndUsage(ctx, day, []string{"UnblendedCost", "UsageQuantity"},
		dimensionGroup("SERVICE"), dimensionGroup("LINKED_ACCOUNT"))
	if err != nil {
		return nil, billingerr.NewUpstreamUnavailableError(provider.AWS.String(),
			fmt.Errorf("cost and usage fetch failed: %w", err))
	}

	records := primaryRecords(pages)
	if len(records) > 0 {
		// Enrichment degrades to warnings: accounts without
		// cost-allocation tags enabled still get their cost rows.
		tagMaps := make(map[string]map[string]string, len(a.cfg.TagKeys))
		for _, key := range a.cfg.TagKeys {
			tagMaps[key] = a.tagByAccount(ctx, day, key)
		}
		regions := a.regionByService(ctx, day)
		enrich(records, tagMaps, regions, a.cfg.FallbackRegion)
	}

	payload, err := json.Marshal(pages)
	if err != nil {
		return nil, billingerr.NewUpstreamDataError(provider.AWS.String(), err)
	}

	return &provider.FetchResult{
		Records:     records,
		RawPayload:  payload,
		Source:      "ce:GetCostAndUsage",
		CollectedAt: time.Now().UTC(),
	}, nil
}

// costAndUsage runs one grouped query for one day, following
// NextPageToken until the result set is exhausted.
func (a *Adapter) costAndUsage(ctx context.Context, day civil.Date, metrics []string, groups ...types.GroupDefinition) ([]types.ResultByTime, error) {
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: awssdk.String(day.String()),
			End:   awssdk.String(day.AddDays(1).String()),
		},
		Granularity: types.GranularityDaily,
		Metrics:     metrics,
		GroupBy:     groups,
	}

	var pages []types.ResultByTime
	for {
		out, err := a.ce.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, err
		}
		pages = append(pages, out.ResultsByTime...)
		if out.NextPageToken == nil || *out.NextPageToken == "" {
			return pages, nil
		}
		input.NextPageToken = out.NextPageToken
	}
}

func dimensionGroup(key string) types.GroupDefinition {
	return types.GroupDefinition{Type: types.GroupDefinitionTypeDimension, Key: awssdk.String(key)}
}

func tagGroup(key string) types.GroupDefinition {
	return types.GroupDefinition{Type: types.GroupDefinitionTypeTag, Key: awssdk.String(key)}
}

// primaryRecords flattens the SERVICE + LINKED_ACCOUNT groups into raw
// usage records, skipping zero-cost groups. Amounts stay strings so no
// precision is lost before normalization.
func primaryRecords(pages []types.ResultByTime) []provider.RawUsageRecord {
	var records []provider.RawUsageRecord
	for _, page := range pages {
		for _, group := range page.Groups {
			if len(group.Keys) < 2 {
				continue
			}
			cost, unit := metric(group, "UnblendedCost")
			if cost == "" || isZeroAmount(cost) {
				continue
			}
			if unit == "" {
				unit = "USD"
			}

			rec := provider.RawUsageRecord{
				"service_name": group.Keys[0],
				"account_id":   group.Keys[1],
				"cost":         cost,
				"currency":     unit,
			}
			if usage, usageUnit := metric(group, "UsageQuantity"); usage != "" {
				rec["usage_amount"] = usage
				if usageUnit != "" && usageUnit != "N/A" {
					rec["usage_unit"] = usageUnit
				}
			}
			records = append(records, rec)
		}
	}
	return records
}

// tagByAccount maps account id to the value of one cost-allocation tag
// key, keeping the value from the highest-cost group per account.
func (a *Adapter) tagByAccount(ctx context.Context, day civil.Date, tagKey string) map[string]string {
	pages, err := a.costAndUsage(ctx, day, []string{"UnblendedCost"},
		dimensionGroup("LINKED_ACCOUNT"), tagGroup(tagKey))
	if err != nil {
		a.log.Warn("tag fetch failed, attribution falls back to unknown",
			"tag_key", tagKey, "error", err)
		return nil
	}

	mapping := make(map[string]string)
	for _, page := range pages {
		for _, group := range page.Groups {
			if len(group.Keys) < 2 {
				continue
			}
			account := group.Keys[0]
			value := strings.TrimSpace(strings.ToLower(
				strings.TrimPrefix(group.Keys[1], tagKey+"$")))
			cost, _ := metric(group, "UnblendedCost")
			if value == "" {
				continue
			}
			if _, seen := mapping[account]; !seen || !isZeroAmount(cost) {
				mapping[account] = value
			}
		}
	}
	return mapping
}

// regionByService maps each service to its highest-cost region.
func (a *Adapter) regionByService(ctx context.Context, day civil.Date) map[string]string {
	pages, err := a.costAndUsage(ctx, day, []string{"UnblendedCost"},
		dimensionGroup("SERVICE"), dimensionGroup("REGION"))
	if err != nil {
		a.log.Warn("region fetch failed, rows fall back to the configured region", "error", err)
		return nil
	}

	type best struct {
		cost   float64
		region string
	}
	winners := make(map[string]best)
	for _, page := range pages {
		for _, group := range page.Groups {
			if len(group.Keys) < 2 || group.Keys[1] == "" {
				continue
			}
			service, region := group.Keys[0], group.Keys[1]
			amount, _ := metric(group, "UnblendedCost")
			cost := parseAmount(amount)
			if w, ok := winners[service]; !ok || cost > w.cost {
				winners[service] = best{cost: cost, region: region}
			}
		}
	}

	regions := make(map[string]string, len(winners))
	for service, w := range winners {
		regions[service] = w.region
	}
	return regions
}

func enrich(records []provider.RawUsageRecord, tagMaps map[string]map[string]string, regions map[string]string, fallbackRegion string) {
	for _, rec := range records {
		account, _ := rec["account_id"].(string)
		service, _ := rec["service_name"].(string)

		tags := make(map[string]string)
		for key, byAccount := range tagMaps {
			if value, ok := byAccount[account]; ok {
				tags[key] = value
			}
		}
		if len(tags) > 0 {
			rec["tags"] = tags
		}

		if region, ok := regions[service]; ok {
			rec["region"] = region
		} else {
			rec["region"] = fallbackRegion
		}
	}
}

func metric(group types.Group, name string) (amount, unit string) {
	m, ok := group.Metrics[name]
	if !ok {
		return "", ""
	}
	return awssdk.ToString(m.Amount), awssdk.ToString(m.Unit)
}

func isZeroAmount(amount string) bool {
	return parseAmount(amount) == 0
}

func parseAmount(amount string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return 0
	}
	return f
}
