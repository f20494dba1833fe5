package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santoshpalla27/costfeed/internal/attribution"
	"github.com/santoshpalla27/costfeed/internal/loader"
	"github.com/santoshpalla27/costfeed/internal/normalize"
	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/internal/rawstore"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
	"github.com/santoshpalla27/costfeed/pkg/fxrate"
)

var (
	today = civil.Date{Year: 2025, Month: 3, Day: 10}
	dayA  = civil.Date{Year: 2025, Month: 3, Day: 8}
	dayB  = civil.Date{Year: 2025, Month: 3, Day: 9}
)

// fakeAdapter returns canned records per day and records call order.
type fakeAdapter struct {
	p        provider.Provider
	records  map[civil.Date][]provider.RawUsageRecord
	fetchErr map[civil.Date]error
	calls    []civil.Date
}

func (a *fakeAdapter) Provider() provider.Provider { return a.p }

func (a *fakeAdapter) Fetch(_ context.Context, day civil.Date) (*provider.FetchResult, error) {
	a.calls = append(a.calls, day)
	if err := a.fetchErr[day]; err != nil {
		return nil, err
	}
	return &provider.FetchResult{
		Records:     a.records[day],
		RawPayload:  []byte(`{"day":"` + day.String() + `"}`),
		Source:      "ce:GetCostAndUsage",
		CollectedAt: time.Date(2025, 3, 10, 4, 0, 0, 0, time.UTC),
	}, nil
}

type fakeWarehouse struct {
	partitions map[string][]costrow.Row
	replaceErr error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{partitions: make(map[string][]costrow.Row)}
}

func (s *fakeWarehouse) DeletePartition(_ context.Context, p provider.Provider, day civil.Date) error {
	delete(s.partitions, p.String()+"|"+day.String())
	return nil
}

func (s *fakeWarehouse) InsertRows(context.Context, []costrow.Row) error { return nil }

func (s *fakeWarehouse) ReplacePartition(_ context.Context, p provider.Provider, day civil.Date, rows []costrow.Row) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.partitions[p.String()+"|"+day.String()] = rows
	return nil
}

func (s *fakeWarehouse) CountPartition(_ context.Context, p provider.Provider, day civil.Date) (int64, error) {
	return int64(len(s.partitions[p.String()+"|"+day.String()])), nil
}

func awsRecord(service string, cost float64, tags map[string]string) provider.RawUsageRecord {
	rec := provider.RawUsageRecord{
		"account_id":   "123456789012",
		"service_name": service,
		"cost":         cost,
		"currency":     "USD",
	}
	if tags != nil {
		rec["tags"] = tags
	}
	return rec
}

func newTestRunner(t *testing.T, adapter provider.Adapter, store *fakeWarehouse) *Runner {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(adapter)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRunner(RunnerConfig{
		Registry:   registry,
		Normalizer: normalize.New(fxrate.USDOnly(), "test"),
		Resolver:   attribution.NewResolver(attribution.DefaultConfig()),
		RawStore:   rawstore.Discard{},
		Engine:     loader.NewEngine(store, nil, log),
		Logger:     log,
	})
	r.now = func() time.Time { return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC) }
	return r
}

func TestRunLoadsEveryDayNewestFirst(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
			dayB: {awsRecord("Amazon S3", 2.50, nil), awsRecord("Amazon EC2", 10, nil)},
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	result, err := runner.Run(context.Background(), provider.AWS, DateRange{Start: dayA, End: dayB})
	require.NoError(t, err)
	require.True(t, result.OK(), "unexpected failures: %v", result.Failures)

	assert.Equal(t, 3, result.RowsWritten)
	assert.Equal(t, []civil.Date{dayB, dayA}, adapter.calls, "backfill runs newest first")
	assert.Len(t, store.partitions["aws|"+dayA.String()], 1)
	assert.Len(t, store.partitions["aws|"+dayB.String()], 2)
}

func TestRunRejectsUnknownProvider(t *testing.T) {
	store := newFakeWarehouse()
	runner := newTestRunner(t, &fakeAdapter{p: provider.AWS}, store)

	_, err := runner.Run(context.Background(), provider.GCP, SingleDay(dayA))
	require.Error(t, err)
	assert.True(t, billingerr.IsUnknownProvider(err))
}

func TestRunRejectsBadRanges(t *testing.T) {
	store := newFakeWarehouse()
	runner := newTestRunner(t, &fakeAdapter{p: provider.AWS}, store)

	cases := map[string]DateRange{
		"inverted":       {Start: dayB, End: dayA},
		"future end":     {Start: dayA, End: today.AddDays(5)},
		"past retention": {Start: today.AddDays(-365*3 - 10), End: dayA},
	}
	for name, rng := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := runner.Run(context.Background(), provider.AWS, rng)
			assert.Error(t, err)
		})
	}
}

func TestFetchFailureIsolatesDay(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
		},
		fetchErr: map[civil.Date]error{
			dayB: billingerr.NewUpstreamUnavailableError("aws", errors.New("throttled")),
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	result, err := runner.Run(context.Background(), provider.AWS, DateRange{Start: dayA, End: dayB})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowsWritten, "healthy day still loads")
	require.Len(t, result.Failures, 1)
	assert.True(t, billingerr.IsUnavailable(result.Failures[0]))
	assert.False(t, result.OK())
	assert.False(t, result.Conflicted())
}

func TestEmptyFetchLeavesCommittedDataIntact(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	_, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)
	require.Len(t, store.partitions["aws|"+dayA.String()], 1)

	// Second run for the same day fetches nothing; the committed
	// partition must survive untouched.
	adapter.records = map[civil.Date][]provider.RawUsageRecord{}
	result, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)
	require.True(t, result.OK(), "unexpected failures: %v", result.Failures)

	assert.Equal(t, 0, result.RowsWritten)
	assert.Len(t, store.partitions["aws|"+dayA.String()], 1,
		"empty fetch preserves the prior committed partition")
}

func TestNormalizationFailuresDrainBatch(t *testing.T) {
	bad := provider.RawUsageRecord{"service_name": "Amazon S3"} // no account_id, no cost
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil), bad, awsRecord("Amazon EC2", 3, nil)},
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	result, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowsWritten)
	assert.Equal(t, 1, result.RecordsFailed)
	require.Len(t, result.Days, 1)
	require.Len(t, result.Days[0].NormalizationErrors, 1)
	assert.True(t, billingerr.IsNormalization(result.Days[0].NormalizationErrors[0].Err))
	assert.Empty(t, result.Failures, "record errors are not day failures")
}

func TestRunResolvesAttribution(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {
				awsRecord("Amazon S3", 1.25, map[string]string{"team": "Data", "env": "PRD"}),
				awsRecord("Amazon EC2", 2.00, nil),
			},
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	_, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)

	rows := store.partitions["aws|"+dayA.String()]
	require.Len(t, rows, 2)
	byService := map[string]costrow.Row{}
	for _, r := range rows {
		byService[r.ServiceName] = r
	}
	assert.Equal(t, "data", byService["Amazon S3"].Team)
	assert.Equal(t, "production", byService["Amazon S3"].Environment)
	assert.Equal(t, costrow.Unknown, byService["Amazon EC2"].Team)
	assert.Equal(t, costrow.Unknown, byService["Amazon EC2"].Environment)
}

func TestRunArchivesRawPayload(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
		},
	}
	store := newFakeWarehouse()
	raw, err := rawstore.NewFS(t.TempDir())
	require.NoError(t, err)

	registry := provider.NewRegistry()
	registry.Register(adapter)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(RunnerConfig{
		Registry:   registry,
		Normalizer: normalize.New(fxrate.USDOnly(), "test"),
		RawStore:   raw,
		Engine:     loader.NewEngine(store, nil, log),
		Logger:     log,
	})
	runner.now = func() time.Time { return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC) }

	_, err = runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)

	rows := store.partitions["aws|"+dayA.String()]
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].SourceFile, "aws")
	assert.Contains(t, rows[0].SourceFile, dayA.String())
	assert.Contains(t, rows[0].SourceFile, ".json")
}

func TestLockConflictSurfacesInResult(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
		},
	}
	store := newFakeWarehouse()
	locker := loader.NewMemoryLocker()
	_, err := locker.Acquire(context.Background(), provider.AWS, dayA)
	require.NoError(t, err)

	registry := provider.NewRegistry()
	registry.Register(adapter)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := NewRunner(RunnerConfig{
		Registry:   registry,
		Normalizer: normalize.New(fxrate.USDOnly(), "test"),
		Engine:     loader.NewEngine(store, locker, log),
		Logger:     log,
	})
	runner.now = func() time.Time { return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC) }

	result, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)
	assert.True(t, result.Conflicted())
	assert.Equal(t, 0, result.RowsWritten)
}

func TestBackfillRangeCoversEndingYesterday(t *testing.T) {
	rng := BackfillRange(3, today)
	assert.Equal(t, today.AddDays(-3), rng.Start)
	assert.Equal(t, today.AddDays(-1), rng.End)
	assert.Equal(t, []civil.Date{
		today.AddDays(-1), today.AddDays(-2), today.AddDays(-3),
	}, rng.Days())
	assert.NoError(t, rng.Validate(today))
}

func TestRunSummaryString(t *testing.T) {
	adapter := &fakeAdapter{
		p: provider.AWS,
		records: map[civil.Date][]provider.RawUsageRecord{
			dayA: {awsRecord("Amazon S3", 1.25, nil)},
		},
	}
	store := newFakeWarehouse()
	runner := newTestRunner(t, adapter, store)

	result, err := runner.Run(context.Background(), provider.AWS, SingleDay(dayA))
	require.NoError(t, err)

	s := result.String()
	assert.Contains(t, s, "aws")
	assert.Contains(t, s, "1 day(s)")
	assert.Contains(t, s, "1 rows written")
}
