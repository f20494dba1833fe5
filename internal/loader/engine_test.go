package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
	"github.com/santoshpalla27/costfeed/pkg/costrow"
)

var (
	day1 = civil.Date{Year: 2025, Month: 3, Day: 1}
	day2 = civil.Date{Year: 2025, Month: 3, Day: 2}
)

// fakeStore keeps partitions in memory and can fail a chosen day's
// replace to exercise failure atomicity.
type fakeStore struct {
	partitions map[string][]costrow.Row
	failDay    map[civil.Date]error
	replaces   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		partitions: make(map[string][]costrow.Row),
		failDay:    make(map[civil.Date]error),
	}
}

func pkey(p provider.Provider, day civil.Date) string {
	return p.String() + "|" + day.String()
}

func (s *fakeStore) DeletePartition(_ context.Context, p provider.Provider, day civil.Date) error {
	delete(s.partitions, pkey(p, day))
	return nil
}

func (s *fakeStore) InsertRows(_ context.Context, rows []costrow.Row) error {
	for _, r := range rows {
		k := pkey(provider.Provider(r.Provider), r.BillingDate)
		s.partitions[k] = append(s.partitions[k], r)
	}
	return nil
}

func (s *fakeStore) ReplacePartition(_ context.Context, p provider.Provider, day civil.Date, rows []costrow.Row) error {
	s.replaces++
	if err := s.failDay[day]; err != nil {
		return err // prior partition state untouched
	}
	s.partitions[pkey(p, day)] = append([]costrow.Row(nil), rows...)
	return nil
}

func (s *fakeStore) CountPartition(_ context.Context, p provider.Provider, day civil.Date) (int64, error) {
	return int64(len(s.partitions[pkey(p, day)])), nil
}

func testRow(day civil.Date, resource string) costrow.Row {
	return costrow.Row{
		BillingDate:  day,
		Provider:     "AWS",
		AccountID:    "123456789012",
		ResourceID:   resource,
		SKU:          "sku-1",
		ServiceName:  "Amazon S3",
		Cost:         decimal.RequireFromString("1.50"),
		Currency:     "USD",
		OriginalCost: decimal.RequireFromString("1.50"),
		Team:         "analytics",
		Environment:  "production",
		CollectedAt:  time.Date(2025, 3, 2, 4, 0, 0, 0, time.UTC),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *fakeStore) *Engine {
	return NewEngine(store, NewMemoryLocker(), discardLogger())
}

func TestLoadIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	rows := []costrow.Row{testRow(day1, "svc-a"), testRow(day1, "svc-b")}

	first, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)
	require.Empty(t, first.Errors)
	assert.Equal(t, 2, first.RowsWritten)
	assert.Equal(t, 0, first.RowsSkippedDuplicate)

	second, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)
	require.Empty(t, second.Errors)
	assert.Equal(t, first.RowsWritten, second.RowsWritten, "re-run writes the same count")
	assert.Equal(t, 2, second.RowsSkippedDuplicate, "re-run replaces the prior rows")

	count, err := store.CountPartition(context.Background(), provider.AWS, day1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "partition row count does not drift across re-runs")
}

func TestEmptyDayPreservesPriorPartition(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	rows := []costrow.Row{testRow(day1, "svc-a"), testRow(day1, "svc-b")}

	_, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)
	store.replaces = 0

	// An upstream outage or a genuinely empty billing day returns no
	// rows; that must not wipe what an earlier run committed.
	result, err := engine.Load(context.Background(), nil, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.Equal(t, 0, result.RowsWritten)
	assert.Equal(t, 0, result.RowsSkippedDuplicate)
	assert.Equal(t, 0, store.replaces, "no replace may run for an empty day")

	count, err := store.CountPartition(context.Background(), provider.AWS, day1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count, "prior committed rows survive an empty fetch")
}

func TestLoadDropsInBatchDuplicateKeys(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	dup := testRow(day1, "svc-a")
	dup.Cost = decimal.RequireFromString("9.99")
	rows := []costrow.Row{testRow(day1, "svc-a"), dup, testRow(day1, "svc-b")}

	result, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsWritten)
	assert.Equal(t, 1, result.RowsSkippedDuplicate)

	// first occurrence wins
	loaded := store.partitions[pkey(provider.AWS, day1)]
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Cost.Equal(decimal.RequireFromString("1.50")))
}

func TestLoadConflictLeavesStoreUntouched(t *testing.T) {
	store := newFakeStore()
	locker := NewMemoryLocker()
	engine := NewEngine(store, locker, discardLogger())

	_, err := locker.Acquire(context.Background(), provider.AWS, day1)
	require.NoError(t, err)

	result, err := engine.Load(context.Background(),
		[]costrow.Row{testRow(day1, "svc-a")}, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.True(t, billingerr.IsLoadConflict(result.Errors[0]))
	assert.Equal(t, 0, result.RowsWritten)
	assert.Equal(t, 0, store.replaces, "no write may be attempted under a held lock")
}

func TestFailedDayDoesNotAffectOtherDays(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	// day2 already has committed state from an earlier run
	prior := testRow(day2, "svc-old")
	require.NoError(t, store.ReplacePartition(context.Background(), provider.AWS, day2, []costrow.Row{prior}))
	store.replaces = 0
	store.failDay[day2] = errors.New("insert rejected")

	rows := []costrow.Row{testRow(day1, "svc-a"), testRow(day2, "svc-b")}
	result, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1, day2})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.True(t, billingerr.IsLoadFailed(result.Errors[0]))
	assert.Equal(t, 1, result.RowsWritten, "day1 commits despite day2 failing")

	kept := store.partitions[pkey(provider.AWS, day2)]
	require.Len(t, kept, 1)
	assert.Equal(t, "svc-old", kept[0].ResourceID, "failed day preserves prior committed state")
}

func TestLoadStampsProcessedAt(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)
	fixed := time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	_, err := engine.Load(context.Background(),
		[]costrow.Row{testRow(day1, "svc-a")}, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)

	loaded := store.partitions[pkey(provider.AWS, day1)]
	require.Len(t, loaded, 1)
	assert.Equal(t, fixed, loaded[0].ProcessedAt)
}

func TestRowsOutsideRequestedRangeAreRejected(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	rows := []costrow.Row{testRow(day1, "svc-a"), testRow(day2, "svc-stray")}
	result, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowsWritten)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "outside the requested date range")
}

func TestCancellationStopsBetweenDays(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Load(ctx,
		[]costrow.Row{testRow(day1, "svc-a")}, provider.AWS, []civil.Date{day1, day2})
	require.NoError(t, err)

	assert.Equal(t, 0, result.RowsWritten)
	assert.Equal(t, 0, store.replaces)
	require.NotEmpty(t, result.Errors)
	assert.ErrorIs(t, result.Errors[0], context.Canceled)
}

func TestMemoryLockerReleasesKey(t *testing.T) {
	locker := NewMemoryLocker()

	release, err := locker.Acquire(context.Background(), provider.GCP, day1)
	require.NoError(t, err)

	_, err = locker.Acquire(context.Background(), provider.GCP, day1)
	require.Error(t, err)
	assert.True(t, billingerr.IsLoadConflict(err))

	// a different key is independent
	_, err = locker.Acquire(context.Background(), provider.AWS, day1)
	require.NoError(t, err)

	release()
	release2, err := locker.Acquire(context.Background(), provider.GCP, day1)
	require.NoError(t, err)
	release2()
}

func TestDedupKeyUniquenessAcrossLoadedPartition(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store)

	rows := make([]costrow.Row, 0, 6)
	for i := 0; i < 6; i++ {
		rows = append(rows, testRow(day1, fmt.Sprintf("svc-%d", i%4)))
	}

	_, err := engine.Load(context.Background(), rows, provider.AWS, []civil.Date{day1})
	require.NoError(t, err)

	seen := make(map[costrow.Key]bool)
	for _, r := range store.partitions[pkey(provider.AWS, day1)] {
		key := r.Key()
		assert.False(t, seen[key], "duplicate key %s committed", key)
		seen[key] = true
	}
}
