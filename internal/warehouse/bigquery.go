package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

// BigQueryConfig identifies the destination fact table.
type BigQueryConfig struct {
	Project string
	Dataset string
	Table   string
}

// BigQueryStore implements Store on the BigQuery fact table the
// dashboard reads. The table is date-partitioned with a required
// partition filter, so every statement here carries billing_date.
type BigQueryStore struct {
	client *bigquery.Client
	cfg    BigQueryConfig
}

func NewBigQueryStore(client *bigquery.Client, cfg BigQueryConfig) *BigQueryStore {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	return &BigQueryStore{client: client, cfg: cfg}
}

// Ping verifies the destination dataset is reachable with the ambient
// credentials.
func (s *BigQueryStore) Ping(ctx context.Context) error {
	if _, err := s.client.Dataset(s.cfg.Dataset).Metadata(ctx); err != nil {
		return fmt.Errorf("dataset %s.%s is unreachable: %w", s.cfg.Project, s.cfg.Dataset, err)
	}
	return nil
}

func (s *BigQueryStore) Close() error {
	return s.client.Close()
}

// Migrate creates the fact table if it does not exist:
// day-partitioned on billing_date with a required partition filter, and
// partitions expiring at the retention horizon.
func (s *BigQueryStore) Migrate(ctx context.Context) error {
	tbl := s.client.Dataset(s.cfg.Dataset).Table(s.cfg.Table)
	if _, err := tbl.Metadata(ctx); err == nil {
		return nil
	}

	err := tbl.Create(ctx, &bigquery.TableMetadata{
		Schema: factSchema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:       bigquery.DayPartitioningType,
			Field:      "billing_date",
			Expiration: RetentionYears * 365 * 24 * time.Hour,
		},
		RequirePartitionFilter: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create fact table %s: %w", s.qualified(s.cfg.Table), err)
	}
	return nil
}

func (s *BigQueryStore) qualified(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.cfg.Project, s.cfg.Dataset, table)
}

func bqDeleteSQL(target string) string {
	return fmt.Sprintf(`
		DELETE FROM %s
		WHERE billing_date = @billing_date
		  AND provider = @provider
	`, target)
}

func bqCountSQL(target string) string {
	return fmt.Sprintf(`
		SELECT COUNT(*) AS n FROM %s
		WHERE billing_date = @billing_date
		  AND provider = @provider
	`, target)
}

// bqReplaceScript runs the per-day delete+insert as one transaction so
// a mid-insert failure cannot leave a half-loaded day.
func bqReplaceScript(target, staging string) string {
	return fmt.Sprintf(`
		BEGIN TRANSACTION;

		DELETE FROM %s
		WHERE billing_date = @billing_date
		  AND provider = @provider;

		INSERT INTO %s
		SELECT * FROM %s
		WHERE billing_date = @billing_date;

		COMMIT TRANSACTION;
	`, target, target, staging)
}

func partitionParams(p provider.Provider, day civil.Date) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "billing_date", Value: day},
		{Name: "provider", Value: p.Label()},
	}
}

func (s *BigQueryStore) run(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

func (s *BigQueryStore) DeletePartition(ctx context.Context, p provider.Provider, day civil.Date) error {
	if err := s.run(ctx, bqDeleteSQL(s.qualified(s.cfg.Table)), partitionParams(p, day)); err != nil {
		return fmt.Errorf("failed to delete partition %s/%s: %w", p, day, err)
	}
	return nil
}

func (s *BigQueryStore) InsertRows(ctx context.Context, rows []costrow.Row) error {
	return s.insertInto(ctx, s.cfg.Table, rows)
}

// ReplacePartition streams the batch into an expiring staging table,
// then swaps it in with a single transactional delete+insert job.
func (s *BigQueryStore) ReplacePartition(ctx context.Context, p provider.Provider, day civil.Date, rows []costrow.Row) error {
	staging := fmt.Sprintf("%s_load_%s", s.cfg.Table, uuid.NewString()[:8])
	stagingRef := s.client.Dataset(s.cfg.Dataset).Table(staging)

	if err := stagingRef.Create(ctx, &bigquery.TableMetadata{
		Schema:         factSchema,
		ExpirationTime: time.Now().Add(6 * time.Hour),
	}); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	defer stagingRef.Delete(context.WithoutCancel(ctx))

	if err := s.insertInto(ctx, staging, rows); err != nil {
		return err
	}

	script := bqReplaceScript(s.qualified(s.cfg.Table), s.qualified(staging))
	if err := s.run(ctx, script, partitionParams(p, day)); err != nil {
		return fmt.Errorf("failed to replace partition %s/%s: %w", p, day, err)
	}
	return nil
}

func (s *BigQueryStore) CountPartition(ctx context.Context, p provider.Provider, day civil.Date) (int64, error) {
	q := s.client.Query(bqCountSQL(s.qualified(s.cfg.Table)))
	q.Parameters = partitionParams(p, day)

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count partition %s/%s: %w", p, day, err)
	}

	var vals []bigquery.Value
	if err := it.Next(&vals); err != nil && err != iterator.Done {
		return 0, fmt.Errorf("failed to read partition count: %w", err)
	}
	if len(vals) == 0 {
		return 0, nil
	}
	n, ok := vals[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count type %T", vals[0])
	}
	return n, nil
}

func (s *BigQueryStore) insertInto(ctx context.Context, table string, rows []costrow.Row) error {
	if len(rows) == 0 {
		return nil
	}

	savers := make([]*rowSaver, 0, len(rows))
	for i := range rows {
		savers = append(savers, &rowSaver{row: &rows[i]})
	}

	inserter := s.client.Dataset(s.cfg.Dataset).Table(table).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("failed to insert %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

var factSchema = bigquery.Schema{
	{Name: "billing_date", Type: bigquery.DateFieldType, Required: true},
	{Name: "provider", Type: bigquery.StringFieldType, Required: true},
	{Name: "account_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "account_name", Type: bigquery.StringFieldType},
	{Name: "project_id", Type: bigquery.StringFieldType},
	{Name: "service_name", Type: bigquery.StringFieldType, Required: true},
	{Name: "sku", Type: bigquery.StringFieldType},
	{Name: "sku_description", Type: bigquery.StringFieldType},
	{Name: "resource_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "resource_name", Type: bigquery.StringFieldType},
	{Name: "resource_type", Type: bigquery.StringFieldType},
	{Name: "cost", Type: bigquery.NumericFieldType, Required: true},
	{Name: "currency", Type: bigquery.StringFieldType, Required: true},
	{Name: "original_cost", Type: bigquery.NumericFieldType},
	{Name: "usage_amount", Type: bigquery.NumericFieldType},
	{Name: "usage_unit", Type: bigquery.StringFieldType},
	{Name: "team", Type: bigquery.StringFieldType, Required: true},
	{Name: "environment", Type: bigquery.StringFieldType, Required: true},
	{Name: "region", Type: bigquery.StringFieldType},
	{Name: "tags", Type: bigquery.StringFieldType},
	{Name: "collected_at", Type: bigquery.TimestampFieldType, Required: true},
	{Name: "processed_at", Type: bigquery.TimestampFieldType, Required: true},
	{Name: "source_file", Type: bigquery.StringFieldType},
	{Name: "collector_version", Type: bigquery.StringFieldType},
}

// rowSaver adapts a canonical row to the streaming insert API.
type rowSaver struct {
	row *costrow.Row
}

func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	r := s.row
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return nil, "", err
	}

	vals := map[string]bigquery.Value{
		"billing_date":      r.BillingDate,
		"provider":          r.Provider,
		"account_id":        r.AccountID,
		"service_name":      r.ServiceName,
		"sku":               r.SKU,
		"resource_id":       r.ResourceID,
		"cost":              r.Cost.String(),
		"currency":          r.Currency,
		"original_cost":     r.OriginalCost.String(),
		"team":              r.Team,
		"environment":       r.Environment,
		"tags":              string(tags),
		"collected_at":      r.CollectedAt,
		"processed_at":      r.ProcessedAt,
		"source_file":       r.SourceFile,
		"collector_version": r.CollectorVersion,
	}

	putStr := func(name string, v *string) {
		if v != nil {
			vals[name] = *v
		}
	}
	putStr("account_name", r.AccountName)
	putStr("project_id", r.ProjectID)
	putStr("sku_description", r.SKUDescription)
	putStr("resource_name", r.ResourceName)
	putStr("resource_type", r.ResourceType)
	putStr("usage_unit", r.UsageUnit)
	putStr("region", r.Region)
	if r.UsageAmount != nil {
		vals["usage_amount"] = r.UsageAmount.String()
	}

	// Dedup-key insert ID keeps accidental double-streams from
	// duplicating rows inside one load.
	return vals, r.Key().String(), nil
}
