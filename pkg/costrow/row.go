// Package costrow defines the canonical cost row: one cost line for one
// resource/SKU/day/provider-account combination, the unit persisted to
// the fact table.
package costrow

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Unknown is the attribution fallback value. Team and Environment are
// never empty on a persisted row.
const Unknown = "unknown"

// Row is the unified representation of one cost line, independent of
// provider. Optional fields are nil, never empty-string placeholders.
type Row struct {
	// Identity (the natural dedup key, with Provider and AccountID)
	BillingDate civil.Date `json:"billing_date"`
	Provider    string     `json:"provider"`
	AccountID   string     `json:"account_id"`
	ResourceID  string     `json:"resource_id"`
	SKU         string     `json:"sku"`

	// Descriptive dimensions
	AccountName    *string `json:"account_name"`
	ProjectID      *string `json:"project_id"`
	ServiceName    string  `json:"service_name"`
	SKUDescription *string `json:"sku_description"`
	ResourceName   *string `json:"resource_name"`
	ResourceType   *string `json:"resource_type"`
	Region         *string `json:"region"`

	// Measures. Cost is normalized USD; it may be negative on
	// credit/refund lines (e.g. GCP credits exceeding gross cost).
	// OriginalCost and Currency preserve the pre-conversion value.
	Cost         decimal.Decimal  `json:"cost"`
	Currency     string           `json:"currency"`
	OriginalCost decimal.Decimal  `json:"original_cost"`
	UsageAmount  *decimal.Decimal `json:"usage_amount"`
	UsageUnit    *string          `json:"usage_unit"`

	// Attribution, always populated ("unknown" when unresolved)
	Team        string `json:"team"`
	Environment string `json:"environment"`

	// Raw tags kept as an opaque string mapping so attribution stays
	// agnostic to each provider's tag-key vocabulary.
	Tags map[string]string `json:"tags"`

	// Provenance
	CollectedAt      time.Time `json:"collected_at"`
	ProcessedAt      time.Time `json:"processed_at"`
	SourceFile       string    `json:"source_file"`
	CollectorVersion string    `json:"collector_version"`
}

// Key is the natural dedup key. It is unique within one load for one
// (provider, billing_date) pair.
type Key struct {
	BillingDate civil.Date
	Provider    string
	AccountID   string
	ResourceID  string
	SKU         string
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.BillingDate, k.Provider, k.AccountID, k.ResourceID, k.SKU)
}

func (r *Row) Key() Key {
	return Key{
		BillingDate: r.BillingDate,
		Provider:    r.Provider,
		AccountID:   r.AccountID,
		ResourceID:  r.ResourceID,
		SKU:         r.SKU,
	}
}

// Validate checks the invariants every persisted row must satisfy.
func (r *Row) Validate() error {
	if !r.BillingDate.IsValid() {
		return fmt.Errorf("billing_date is not a valid date")
	}
	if r.Provider == "" {
		return fmt.Errorf("provider is empty")
	}
	if r.AccountID == "" {
		return fmt.Errorf("account_id is empty")
	}
	if r.ServiceName == "" {
		return fmt.Errorf("service_name is empty")
	}
	if r.ResourceID == "" {
		return fmt.Errorf("resource_id is empty")
	}
	if r.Currency == "" {
		return fmt.Errorf("currency is empty")
	}
	if r.Team == "" || r.Environment == "" {
		return fmt.Errorf("attribution is incomplete (team=%q environment=%q)", r.Team, r.Environment)
	}
	if r.CollectedAt.IsZero() {
		return fmt.Errorf("collected_at is zero")
	}
	return nil
}

// StrPtr returns a pointer for a non-blank string and nil otherwise,
// keeping null handling uniform downstream.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DecPtr returns a pointer to d.
func DecPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
