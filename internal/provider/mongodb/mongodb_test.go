package mongodb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/atlas/mongodbatlas"

	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

var day = civil.Date{Year: 2025, Month: 3, Day: 8}

type fakeInvoices struct {
	list    []*mongodbatlas.Invoice
	details map[string]*mongodbatlas.Invoice
	listErr error
	getErr  map[string]error
	gets    []string
}

func (f *fakeInvoices) List(_ context.Context, _ string, _ *mongodbatlas.ListOptions) (*mongodbatlas.Invoices, *mongodbatlas.Response, error) {
	if f.listErr != nil {
		return nil, nil, f.listErr
	}
	return &mongodbatlas.Invoices{Results: f.list}, nil, nil
}

func (f *fakeInvoices) Get(_ context.Context, _ string, invoiceID string) (*mongodbatlas.Invoice, *mongodbatlas.Response, error) {
	f.gets = append(f.gets, invoiceID)
	if err := f.getErr[invoiceID]; err != nil {
		return nil, nil, err
	}
	return f.details[invoiceID], nil, nil
}

func line(cluster, sku, start, end string, cents int64) *mongodbatlas.LineItem {
	return &mongodbatlas.LineItem{
		ClusterName:     cluster,
		SKU:             sku,
		StartDate:       start,
		EndDate:         end,
		TotalPriceCents: cents,
		GroupID:         "64abc",
		GroupName:       "payments-prod",
		Unit:            "server hours",
		Quantity:        24,
	}
}

func testAdapter(invoices InvoicesAPI, cfg Config) *Adapter {
	if cfg.OrgID == "" {
		cfg.OrgID = "5f1f2e3d4c"
	}
	return New(invoices, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchCollectsPendingAndOverlappingInvoices(t *testing.T) {
	pending := &mongodbatlas.Invoice{ID: "inv-pending", StatusName: "PENDING",
		StartDate: "2025-03-01T00:00:00Z", EndDate: "2025-04-01T00:00:00Z"}
	closed := &mongodbatlas.Invoice{ID: "inv-feb", StatusName: "PAID",
		StartDate: "2025-02-01T00:00:00Z", EndDate: "2025-03-10T00:00:00Z"}
	older := &mongodbatlas.Invoice{ID: "inv-jan", StatusName: "PAID",
		StartDate: "2025-01-01T00:00:00Z", EndDate: "2025-02-01T00:00:00Z"}

	f := &fakeInvoices{
		list: []*mongodbatlas.Invoice{pending, closed, older},
		details: map[string]*mongodbatlas.Invoice{
			"inv-pending": {ID: "inv-pending", LineItems: []*mongodbatlas.LineItem{
				line("prod-cluster", "NDS_AWS_INSTANCE_M30", "2025-03-08T00:00:00Z", "2025-03-09T00:00:00Z", 4800),
			}},
			"inv-feb": {ID: "inv-feb", LineItems: []*mongodbatlas.LineItem{
				// duplicate of the pending invoice's line
				line("prod-cluster", "NDS_AWS_INSTANCE_M30", "2025-03-08T00:00:00Z", "2025-03-09T00:00:00Z", 4800),
				line("", "NDS_BACKUP_SNAPSHOT_STORAGE", "2025-03-08T00:00:00Z", "2025-03-09T00:00:00Z", 120),
			}},
		},
	}
	a := testAdapter(f, Config{Environment: "production", Region: "eu-west-1"})

	res, err := a.Fetch(context.Background(), day)
	require.NoError(t, err)
	assert.NotContains(t, f.gets, "inv-jan", "non-overlapping invoice is never detailed")
	require.Len(t, res.Records, 2, "duplicate line across invoices collapses")

	rec := res.Records[0]
	assert.Equal(t, "5f1f2e3d4c", rec["orgId"])
	assert.Equal(t, "NDS_AWS_INSTANCE_M30", rec["sku"])
	assert.Equal(t, int64(4800), rec["totalPriceCents"])
	assert.Equal(t, "prod-cluster", rec["clusterName"])
	assert.Equal(t, "64abc", rec["groupId"])
	assert.Equal(t, "eu-west-1", rec["region"])
	assert.Equal(t, map[string]string{"environment": "production"}, rec["tags"])

	_, hasCluster := res.Records[1]["clusterName"]
	assert.False(t, hasCluster, "storage lines carry no cluster")
}

func TestFetchUnavailableWhenListFails(t *testing.T) {
	f := &fakeInvoices{listErr: errors.New("401 digest auth rejected")}
	a := testAdapter(f, Config{})

	_, err := a.Fetch(context.Background(), day)
	require.Error(t, err)
	assert.True(t, billingerr.IsUnavailable(err))
}

func TestFailedInvoiceDetailIsSkipped(t *testing.T) {
	inv := &mongodbatlas.Invoice{ID: "inv-1", StatusName: "PENDING"}
	f := &fakeInvoices{
		list:   []*mongodbatlas.Invoice{inv},
		getErr: map[string]error{"inv-1": errors.New("503")},
	}
	a := testAdapter(f, Config{})

	res, err := a.Fetch(context.Background(), day)
	require.NoError(t, err, "one lost invoice does not fail the fetch")
	assert.Empty(t, res.Records)
}

func TestDayShareSplitsMultiDayLines(t *testing.T) {
	// 10 days, 1001 cents: 100 per day plus the remainder cent on day one
	item := line("prod-cluster", "NDS_AWS_DATA_TRANSFER", "2025-03-01T00:00:00Z", "2025-03-11T00:00:00Z", 1001)
	item.Quantity = 50

	first, _ := dayShare(item, civil.Date{Year: 2025, Month: 3, Day: 1})
	assert.Equal(t, int64(101), first)

	mid, quantity := dayShare(item, day)
	assert.Equal(t, int64(100), mid)
	assert.Equal(t, 5.0, quantity)

	var total int64
	for d := item2Date("2025-03-01"); d.Before(item2Date("2025-03-11")); d = d.AddDays(1) {
		cents, _ := dayShare(item, d)
		total += cents
	}
	assert.Equal(t, int64(1001), total, "per-day shares sum back to the invoiced amount")
}

func item2Date(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestExtractLineItemsFiltersByDayWindow(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	invoices := []*mongodbatlas.Invoice{{
		ID: "inv-1",
		LineItems: []*mongodbatlas.LineItem{
			line("c1", "SKU_A", "2025-03-08T00:00:00Z", "2025-03-09T00:00:00Z", 100),
			line("c1", "SKU_B", "2025-03-09T00:00:00Z", "2025-03-10T00:00:00Z", 100), // after
			line("c1", "SKU_C", "2025-03-01T00:00:00Z", "2025-03-08T00:00:00Z", 100), // [start,end) excludes day
			line("c1", "SKU_D", "2025-03-05T00:00:00Z", "2025-03-12T00:00:00Z", 700), // spans day
			line("c1", "SKU_E", "garbage", "", 100),
		},
	}}

	items := extractLineItems(invoices, day, log)
	skus := make([]string, 0, len(items))
	for _, it := range items {
		skus = append(skus, it.SKU)
	}
	assert.ElementsMatch(t, []string{"SKU_A", "SKU_D"}, skus)
}

func TestZeroCostLinesAreDropped(t *testing.T) {
	a := testAdapter(&fakeInvoices{}, Config{})
	records := a.toRecords([]*mongodbatlas.LineItem{
		line("c1", "SKU_FREE", "2025-03-08T00:00:00Z", "2025-03-09T00:00:00Z", 0),
	}, day)
	assert.Empty(t, records)
}
