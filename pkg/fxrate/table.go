// Package fxrate provides a pinned, versioned exchange-rate table for
// currency normalization. Rates are keyed per currency and per calendar
// month and resolved as of a row's collection time, so replaying a
// historical load always converts with the same rate. There is no live
// rate lookup anywhere in the pipeline.
package fxrate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const USD = "USD"

// Table maps currency code -> "YYYY-MM" -> USD rate (1 unit of the
// currency in USD).
type Table struct {
	version string
	rates   map[string]map[string]decimal.Decimal
}

type tableFile struct {
	Version string                       `json:"version"`
	Rates   map[string]map[string]string `json:"rates"`
}

// Load reads a rate table from a JSON file:
//
//	{"version": "ecb-2025-03", "rates": {"EUR": {"2025-02": "1.0412"}}}
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rate table: %w", err)
	}

	var f tableFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing rate table %s: %w", path, err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("rate table %s has no version", path)
	}

	t := &Table{version: f.Version, rates: make(map[string]map[string]decimal.Decimal)}
	for currency, months := range f.Rates {
		cc := strings.ToUpper(currency)
		t.rates[cc] = make(map[string]decimal.Decimal, len(months))
		for month, rate := range months {
			d, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("rate table %s: bad rate %s/%s: %w", path, cc, month, err)
			}
			t.rates[cc][month] = d
		}
	}
	return t, nil
}

// USDOnly returns a table that accepts USD amounts and rejects
// everything else. Used when all configured sources bill in USD.
func USDOnly() *Table {
	return &Table{version: "usd-only", rates: map[string]map[string]decimal.Decimal{}}
}

// Version identifies the pinned rate set used by a load, recorded for
// reproducibility.
func (t *Table) Version() string {
	return t.version
}

// ToUSD converts an amount as of the given time's calendar month (UTC).
func (t *Table) ToUSD(amount decimal.Decimal, currency string, asOf time.Time) (decimal.Decimal, error) {
	cc := strings.ToUpper(strings.TrimSpace(currency))
	if cc == USD || cc == "" {
		return amount, nil
	}

	months, ok := t.rates[cc]
	if !ok {
		return decimal.Zero, fmt.Errorf("no pinned rate for currency %s (table %s)", cc, t.version)
	}

	month := asOf.UTC().Format("2006-01")
	rate, ok := months[month]
	if !ok {
		return decimal.Zero, fmt.Errorf("no pinned rate for %s in %s (table %s)", cc, month, t.version)
	}
	return amount.Mul(rate), nil
}
