// Package provider defines the billing source identifiers, the entry
// gate that validates them, and the adapter contract each source
// implements.
package provider

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

// Provider identifies one of the four billing sources.
type Provider string

const (
	GCP       Provider = "gcp"
	AWS       Provider = "aws"
	Snowflake Provider = "snowflake"
	MongoDB   Provider = "mongodb"
)

// All returns the allow-set in stable order.
func All() []Provider {
	return []Provider{GCP, AWS, Snowflake, MongoDB}
}

func (p Provider) String() string {
	return string(p)
}

// Label is the value written to the fact table's provider column,
// matching the names the warehouse has always used.
func (p Provider) Label() string {
	switch p {
	case GCP:
		return "GCP"
	case AWS:
		return "AWS"
	case Snowflake:
		return "Snowflake"
	case MongoDB:
		return "MongoDB"
	default:
		return string(p)
	}
}

// ParseProvider is the entry gate. It accepts exactly the four known
// identifiers and rejects everything else: no trimming, no case
// folding, no fuzzy matching. Rejection has no side effects.
func ParseProvider(requested string) (Provider, error) {
	switch Provider(requested) {
	case GCP, AWS, Snowflake, MongoDB:
		return Provider(requested), nil
	}
	return "", billingerr.NewUnknownProviderError(requested)
}

// RawUsageRecord is a provider-native record: an opaque mapping of
// provider-specific fields. It lives for one collection run and is
// discarded after normalization.
type RawUsageRecord map[string]any

// FetchResult is the output of one adapter fetch for one day.
type FetchResult struct {
	Records []RawUsageRecord

	// RawPayload is the serialized upstream response, persisted for
	// replay before normalization runs.
	RawPayload []byte

	// Source names the upstream extract (table path or API).
	Source string

	// CollectedAt is the adapter fetch time, stamped on every row.
	CollectedAt time.Time
}

// Adapter fetches one day of raw usage from one provider. Fetch is
// read-only against the upstream and never retries internally; the
// caller classifies and retries whole (provider, day) runs.
type Adapter interface {
	Provider() Provider
	Fetch(ctx context.Context, day civil.Date) (*FetchResult, error)
}

// Registry maps providers to their adapters. Lookup fails closed: an
// unregistered provider is an error, never a silent skip.
type Registry struct {
	adapters map[Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Provider]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

func (r *Registry) Lookup(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, billingerr.NewUnknownProviderError(string(p))
	}
	return a, nil
}
