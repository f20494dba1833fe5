// Package gcp fetches one day of usage from the native BigQuery billing
// export. The extract is read-only and always date-filtered; credits
// stay separate from gross cost so netting happens downstream.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

// Config locates the billing export table.
type Config struct {
	SourceProject string
	SourceDataset string
	SourceTable   string
}

func (c Config) tablePath() string {
	return fmt.Sprintf("%s.%s.%s", c.SourceProject, c.SourceDataset, c.SourceTable)
}

type Adapter struct {
	client *bigquery.Client
	cfg    Config
	log    *slog.Logger
}

func New(client *bigquery.Client, cfg Config, log *slog.Logger) (*Adapter, error) {
	if cfg.SourceProject == "" || cfg.SourceDataset == "" || cfg.SourceTable == "" {
		return nil, fmt.Errorf("billing export source project, dataset and table are all required")
	}
	return &Adapter{client: client, cfg: cfg, log: log}, nil
}

func (a *Adapter) Provider() provider.Provider { return provider.GCP }

// exportSQL aggregates the raw export to one row per dedup key.
// Resource-less SKUs collapse into a single sku-level row instead of
// colliding later; credits are summed alongside cost for downstream
// netting. Queries against the export stay partition-filtered too.
func exportSQL(table string) string {
	return fmt.Sprintf(`
		SELECT
		  project.id                                                    AS project_id,
		  ANY_VALUE(project.name)                                       AS project_name,
		  service.description                                           AS service_description,
		  sku.id                                                        AS sku_id,
		  ANY_VALUE(sku.description)                                    AS sku_description,
		  IFNULL(resource.name, '')                                     AS resource_name,
		  ANY_VALUE(resource.global_name)                               AS resource_global_name,
		  ANY_VALUE(location.region)                                    AS region,
		  currency,
		  ROUND(SUM(cost), 6)                                           AS cost,
		  ROUND(SUM(IFNULL(
		    (SELECT SUM(c.amount) FROM UNNEST(credits) AS c), 0)), 6)   AS credits,
		  SUM(usage.amount)                                             AS usage_amount,
		  ANY_VALUE(usage.unit)                                         AS usage_unit,
		  ANY_VALUE(TO_JSON_STRING(
		    ARRAY_CONCAT(IFNULL(project.labels, []), IFNULL(labels, []))
		  ))                                                            AS labels
		FROM `+"`%s`"+`
		WHERE DATE(usage_start_time) = @billing_date
		  AND cost != 0
		GROUP BY project_id, service_description, sku_id, resource_name, currency
	`, table)
}

type exportRow struct {
	ProjectID          string               `bigquery:"project_id"`
	ProjectName        bigquery.NullString  `bigquery:"project_name"`
	ServiceDescription string               `bigquery:"service_description"`
	SKUID              bigquery.NullString  `bigquery:"sku_id"`
	SKUDescription     bigquery.NullString  `bigquery:"sku_description"`
	ResourceName       string               `bigquery:"resource_name"`
	ResourceGlobalName bigquery.NullString  `bigquery:"resource_global_name"`
	Region             bigquery.NullString  `bigquery:"region"`
	Currency           string               `bigquery:"currency"`
	Cost               float64              `bigquery:"cost"`
	Credits            float64              `bigquery:"credits"`
	UsageAmount        bigquery.NullFloat64 `bigquery:"usage_amount"`
	UsageUnit          bigquery.NullString  `bigquery:"usage_unit"`
	Labels             bigquery.NullString  `bigquery:"labels"`
}

func (a *Adapter) Fetch(ctx context.Context, day civil.Date) (*provider.FetchResult, error) {
	q := a.client.Query(exportSQL(a.cfg.tablePath()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "billing_date", Value: day},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, billingerr.NewUpstreamUnavailableError(provider.GCP.String(),
			fmt.Errorf("billing export query failed: %w", err))
	}

	var records []provider.RawUsageRecord
	for {
		var row exportRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, billingerr.NewUpstreamDataError(provider.GCP.String(),
				fmt.Errorf("billing export row did not scan: %w", err))
		}
		records = append(records, a.toRecord(row))
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, billingerr.NewUpstreamDataError(provider.GCP.String(), err)
	}

	return &provider.FetchResult{
		Records:     records,
		RawPayload:  payload,
		Source:      a.cfg.tablePath(),
		CollectedAt: time.Now().UTC(),
	}, nil
}

func (a *Adapter) toRecord(row exportRow) provider.RawUsageRecord {
	rec := provider.RawUsageRecord{
		"project_id":          row.ProjectID,
		"service_description": row.ServiceDescription,
		"cost":                row.Cost,
		"credits":             row.Credits,
		"currency":            row.Currency,
	}
	putNull := func(key string, v bigquery.NullString) {
		if v.Valid && v.StringVal != "" {
			rec[key] = v.StringVal
		}
	}
	putNull("project_name", row.ProjectName)
	putNull("sku_id", row.SKUID)
	putNull("sku_description", row.SKUDescription)
	putNull("resource_global_name", row.ResourceGlobalName)
	putNull("region", row.Region)
	putNull("usage_unit", row.UsageUnit)
	if row.ResourceName != "" {
		rec["resource_name"] = row.ResourceName
	}
	if row.UsageAmount.Valid {
		rec["usage_amount"] = row.UsageAmount.Float64
	}
	if tags := a.parseLabels(row.Labels); len(tags) > 0 {
		rec["tags"] = tags
	}
	return rec
}

// parseLabels decodes the TO_JSON_STRING([{key,value}...]) shape.
// Resource labels come after project labels in the array, so they win
// on key collisions. A malformed blob costs this row its tags only.
func (a *Adapter) parseLabels(labels bigquery.NullString) map[string]string {
	if !labels.Valid || labels.StringVal == "" || labels.StringVal == "[]" {
		return nil
	}

	var pairs []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(labels.StringVal), &pairs); err != nil {
		a.log.Warn("unparseable label blob on export row", "error", err)
		return nil
	}

	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if p.Key != "" {
			tags[p.Key] = p.Value
		}
	}
	return tags
}
