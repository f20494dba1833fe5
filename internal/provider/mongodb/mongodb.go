// Package mongodb fetches one day of usage from the Atlas invoices
// API. Charges for a day can sit on the pending invoice or on a closed
// invoice whose period covers it, so both are collected and line items
// deduplicated. A line spanning several days is split evenly per day,
// with the remainder cent landing on the first day, and only the share
// for the requested day is emitted.
package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mongodb-forks/digest"
	"go.mongodb.org/atlas/mongodbatlas"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

const invoicesSource = "mongodb-atlas-invoices-api"

// InvoicesAPI is the slice of the Atlas client this adapter drives.
type InvoicesAPI interface {
	List(ctx context.Context, orgID string, opts *mongodbatlas.ListOptions) (*mongodbatlas.Invoices, *mongodbatlas.Response, error)
	Get(ctx context.Context, orgID, invoiceID string) (*mongodbatlas.Invoice, *mongodbatlas.Response, error)
}

type Config struct {
	OrgID string

	// Environment and Region are static deploy config: Atlas line
	// items carry neither.
	Environment string
	Region      string
}

// NewClient builds the digest-authenticated Atlas client.
func NewClient(publicKey, privateKey string) (*mongodbatlas.Client, error) {
	transport := digest.NewTransport(publicKey, privateKey)
	httpClient, err := transport.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to build atlas digest client: %w", err)
	}
	httpClient.Timeout = 30 * time.Second
	return mongodbatlas.New(httpClient)
}

type Adapter struct {
	invoices InvoicesAPI
	cfg      Config
	log      *slog.Logger
}

func New(invoices InvoicesAPI, cfg Config, log *slog.Logger) *Adapter {
	return &Adapter{invoices: invoices, cfg: cfg, log: log}
}

func (a *Adapter) Provider() provider.Provider { return provider.MongoDB }

func (a *Adapter) Fetch(ctx context.Context, day civil.Date) (*provider.FetchResult, error) {
	invoices, err := a.invoicesForDay(ctx, day)
	if err != nil {
		return nil, billingerr.NewUpstreamUnavailableError(provider.MongoDB.String(),
			fmt.Errorf("invoice list failed: %w", err))
	}

	items := extractLineItems(invoices, day, a.log)
	records := a.toRecords(items, day)

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, billingerr.NewUpstreamDataError(provider.MongoDB.String(), err)
	}

	return &provider.FetchResult{
		Records:     records,
		RawPayload:  payload,
		Source:      invoicesSource,
		CollectedAt: time.Now().UTC(),
	}, nil
}

// invoicesForDay lists the org's invoices and details every one that
// may carry charges for day: the pending invoice plus closed invoices
// whose period covers it. A single invoice failing to detail is logged
// and skipped; losing the whole list is fatal.
func (a *Adapter) invoicesForDay(ctx context.Context, day civil.Date) ([]*mongodbatlas.Invoice, error) {
	var candidates []*mongodbatlas.Invoice
	opts := &mongodbatlas.ListOptions{}
	for {
		page, resp, err := a.invoices.List(ctx, a.cfg.OrgID, opts)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, page.Results...)
		if resp == nil || resp.IsLastPage() {
			break
		}
		current, err := resp.CurrentPage()
		if err != nil {
			break
		}
		opts.PageNum = current + 1
	}

	var detailed []*mongodbatlas.Invoice
	for _, inv := range candidates {
		if !invoiceCovers(inv, day) {
			continue
		}
		full, _, err := a.invoices.Get(ctx, a.cfg.OrgID, inv.ID)
		if err != nil {
			a.log.Warn("invoice detail fetch failed, charges may be incomplete",
				"invoice_id", inv.ID, "error", err)
			continue
		}
		detailed = append(detailed, full)
	}
	return detailed, nil
}

func invoiceCovers(inv *mongodbatlas.Invoice, day civil.Date) bool {
	if inv.StatusName == "PENDING" {
		return true
	}
	start, okStart := parseAtlasDate(inv.StartDate)
	end, okEnd := parseAtlasDate(inv.EndDate)
	if !okStart || !okEnd {
		return false
	}
	return !day.Before(start) && !end.Before(day)
}

// extractLineItems pulls the lines touching day across all invoices,
// dropping duplicates: the pending invoice and a just-closed invoice
// can both carry the same line.
func extractLineItems(invoices []*mongodbatlas.Invoice, day civil.Date, log *slog.Logger) []*mongodbatlas.LineItem {
	type lineKey struct {
		cluster string
		sku     string
		start   string
	}
	seen := make(map[lineKey]bool)

	var items []*mongodbatlas.LineItem
	for _, inv := range invoices {
		for _, item := range inv.LineItems {
			start, ok := parseAtlasDate(item.StartDate)
			if !ok {
				log.Warn("line item with unparseable start date skipped",
					"sku", item.SKU, "start_date", item.StartDate)
				continue
			}
			end, ok := parseAtlasDate(item.EndDate)
			if !ok || end.Before(start.AddDays(1)) {
				// single-day line, endDate absent or degenerate
				end = start.AddDays(1)
			}
			// [start, end) must cover the requested day
			if day.Before(start) || !day.Before(end) {
				continue
			}

			key := lineKey{cluster: item.ClusterName, sku: item.SKU, start: item.StartDate}
			if seen[key] {
				continue
			}
			seen[key] = true
			items = append(items, item)
		}
	}
	return items
}

func (a *Adapter) toRecords(items []*mongodbatlas.LineItem, day civil.Date) []provider.RawUsageRecord {
	var records []provider.RawUsageRecord
	for _, item := range items {
		cents, quantity := dayShare(item, day)
		if cents == 0 {
			continue
		}

		rec := provider.RawUsageRecord{
			"orgId":           a.cfg.OrgID,
			"sku":             item.SKU,
			"totalPriceCents": cents,
		}
		putIf := func(key, value string) {
			if value != "" {
				rec[key] = value
			}
		}
		putIf("groupId", item.GroupID)
		putIf("groupName", item.GroupName)
		putIf("clusterName", item.ClusterName)
		putIf("note", item.Note)
		putIf("unit", item.Unit)
		putIf("region", a.cfg.Region)
		if quantity != 0 {
			rec["quantity"] = quantity
		}
		if a.cfg.Environment != "" {
			rec["tags"] = map[string]string{"environment": a.cfg.Environment}
		}
		records = append(records, rec)
	}
	return records
}

// dayShare splits a line item's cents evenly across the days of its
// [startDate, endDate) period and returns the requested day's share.
// Integer division leaves a remainder of up to span-1 cents; it lands
// on the first day so the split still totals the invoiced amount.
func dayShare(item *mongodbatlas.LineItem, day civil.Date) (cents int64, quantity float64) {
	start, ok := parseAtlasDate(item.StartDate)
	if !ok {
		return 0, 0
	}
	end, ok := parseAtlasDate(item.EndDate)
	span := int64(1)
	if ok {
		if d := end.DaysSince(start); d > 1 {
			span = int64(d)
		}
	}

	cents = item.TotalPriceCents / span
	if day == start {
		cents += item.TotalPriceCents % span
	}
	return cents, item.Quantity / float64(span)
}

func parseAtlasDate(s string) (civil.Date, bool) {
	if len(s) < 10 {
		return civil.Date{}, false
	}
	d, err := civil.ParseDate(s[:10])
	if err != nil {
		return civil.Date{}, false
	}
	return d, true
}
