// Package warehouse implements the fact-table write contract. Every
// statement it issues carries a billing_date predicate: the destination
// enforces partition-filtered access and unfiltered reads or writes
// must not exist anywhere in this package.
package warehouse

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

// DefaultTable is the fact table name shared by both store backends.
const DefaultTable = "fact_cloud_costs"

// RetentionYears bounds how far back partitions are kept, and therefore
// how far back a backfill may reach.
const RetentionYears = 3

// Store is the warehouse write interface the load engine drives.
// ReplacePartition must be atomic per (provider, day): on failure the
// previously committed partition state is intact.
type Store interface {
	DeletePartition(ctx context.Context, p provider.Provider, day civil.Date) error
	InsertRows(ctx context.Context, rows []costrow.Row) error
	ReplacePartition(ctx context.Context, p provider.Provider, day civil.Date, rows []costrow.Row) error
	CountPartition(ctx context.Context, p provider.Provider, day civil.Date) (int64, error)
}
