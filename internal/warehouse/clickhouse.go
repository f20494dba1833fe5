package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string
	Debug    bool
}

// DefaultClickHouseConfig returns default development configuration.
func DefaultClickHouseConfig() *ClickHouseConfig {
	return &ClickHouseConfig{
		Host:     "localhost",
		Port:     9000,
		Database: "billing",
		Username: "default",
		Password: "",
		Table:    DefaultTable,
		Debug:    false,
	}
}

// ClickHouseStore implements Store on a MergeTree fact table
// partitioned per (billing_date, provider). One part per provider-day
// is what makes REPLACE PARTITION an atomic per-day swap; the 3-year
// TTL bounds the part count.
type ClickHouseStore struct {
	conn  clickhouse.Conn
	cfg   *ClickHouseConfig
	table string
}

func NewClickHouseStore(cfg *ClickHouseConfig) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
			"mutations_sync":     1,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return &ClickHouseStore{conn: conn, cfg: cfg, table: table}, nil
}

// Ping checks database connectivity.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

// Migrate creates the fact table.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	if err := s.conn.Exec(ctx, chCreateTableSQL(s.table)); err != nil {
		return fmt.Errorf("failed to create fact table: %w", err)
	}
	return nil
}

func chCreateTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			billing_date      Date,
			provider          LowCardinality(String),
			account_id        String,
			account_name      Nullable(String),
			project_id        Nullable(String),
			service_name      String,
			sku               String,
			sku_description   Nullable(String),
			resource_id       String,
			resource_name     Nullable(String),
			resource_type     Nullable(String),
			cost              Decimal(18, 6),
			currency          LowCardinality(String),
			original_cost     Decimal(18, 6),
			usage_amount      Nullable(Decimal(18, 6)),
			usage_unit        Nullable(String),
			team              LowCardinality(String),
			environment       LowCardinality(String),
			region            Nullable(String),
			tags              String,
			collected_at      DateTime64(3, 'UTC'),
			processed_at      DateTime64(3, 'UTC'),
			source_file       String,
			collector_version LowCardinality(String)
		)
		ENGINE = MergeTree
		PARTITION BY (billing_date, provider)
		ORDER BY (billing_date, provider, account_id, resource_id, sku)
		TTL billing_date + INTERVAL %d YEAR
	`, table, RetentionYears)
}

func chDeleteSQL(table string) string {
	return fmt.Sprintf(`ALTER TABLE %s DELETE WHERE billing_date = ? AND provider = ?`, table)
}

func chCountSQL(table string) string {
	return fmt.Sprintf(`SELECT count() FROM %s WHERE billing_date = ? AND provider = ?`, table)
}

// DeletePartition clears one (provider, day) slice. mutations_sync is
// on, so the call returns after the mutation applied.
func (s *ClickHouseStore) DeletePartition(ctx context.Context, p provider.Provider, day civil.Date) error {
	if err := s.conn.Exec(ctx, chDeleteSQL(s.table), chDate(day), p.Label()); err != nil {
		return fmt.Errorf("failed to delete partition %s/%s: %w", p, day, err)
	}
	return nil
}

// InsertRows appends a batch to the fact table.
func (s *ClickHouseStore) InsertRows(ctx context.Context, rows []costrow.Row) error {
	return s.insertInto(ctx, s.table, rows)
}

// ReplacePartition swaps the (provider, day) slice for the given rows
// in one atomic step: rows land in a scratch table first, then
// REPLACE PARTITION moves them in. A failure before the swap leaves the
// fact table untouched.
func (s *ClickHouseStore) ReplacePartition(ctx context.Context, p provider.Provider, day civil.Date, rows []costrow.Row) error {
	scratch := fmt.Sprintf("%s_load_%s", s.table, strings.ReplaceAll(uuid.NewString(), "-", ""))

	if err := s.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s AS %s`, scratch, s.table)); err != nil {
		return fmt.Errorf("failed to create scratch table: %w", err)
	}
	defer s.conn.Exec(context.WithoutCancel(ctx), fmt.Sprintf(`DROP TABLE IF EXISTS %s`, scratch))

	if err := s.insertInto(ctx, scratch, rows); err != nil {
		return err
	}

	// Partition literal values are internal: the provider label comes
	// from the allow-set enum and the date is ISO-formatted.
	swap := fmt.Sprintf(`ALTER TABLE %s REPLACE PARTITION (toDate('%s'), '%s') FROM %s`,
		s.table, day.String(), p.Label(), scratch)
	if err := s.conn.Exec(ctx, swap); err != nil {
		return fmt.Errorf("failed to replace partition %s/%s: %w", p, day, err)
	}
	return nil
}

// CountPartition returns the committed row count for one (provider, day).
func (s *ClickHouseStore) CountPartition(ctx context.Context, p provider.Provider, day civil.Date) (int64, error) {
	var count uint64
	row := s.conn.QueryRow(ctx, chCountSQL(s.table), chDate(day), p.Label())
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count partition %s/%s: %w", p, day, err)
	}
	return int64(count), nil
}

func (s *ClickHouseStore) insertInto(ctx context.Context, table string, rows []costrow.Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s (
		billing_date, provider, account_id, account_name, project_id,
		service_name, sku, sku_description,
		resource_id, resource_name, resource_type,
		cost, currency, original_cost, usage_amount, usage_unit,
		team, environment, region, tags,
		collected_at, processed_at, source_file, collector_version
	)`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare insert batch: %w", err)
	}

	for i := range rows {
		r := &rows[i]
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags for %s: %w", r.Key(), err)
		}

		if err := batch.Append(
			chDate(r.BillingDate),
			r.Provider,
			r.AccountID,
			r.AccountName,
			r.ProjectID,
			r.ServiceName,
			r.SKU,
			r.SKUDescription,
			r.ResourceID,
			r.ResourceName,
			r.ResourceType,
			r.Cost,
			r.Currency,
			r.OriginalCost,
			r.UsageAmount,
			r.UsageUnit,
			r.Team,
			r.Environment,
			r.Region,
			string(tags),
			r.CollectedAt,
			r.ProcessedAt,
			r.SourceFile,
			r.CollectorVersion,
		); err != nil {
			return fmt.Errorf("failed to append row %s: %w", r.Key(), err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send insert batch: %w", err)
	}
	return nil
}

func chDate(d civil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}
