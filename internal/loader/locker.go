package loader

import (
	"context"
	"sync"

	"cloud.google.com/go/civil"

	"github.com/santoshpalla27/costfeed/internal/provider"
	"github.com/santoshpalla27/costfeed/pkg/billingerr"
)

// Locker serializes loads per (provider, billing_date). Two concurrent
// runs for the same key (a manual backfill overlapping the scheduled
// run) would race the delete+insert step, so the engine takes this lock
// before touching a partition. Lock storage is the orchestrator's
// concern; this is only the acquisition point.
type Locker interface {
	// Acquire returns a release func, or a LOAD_CONFLICT error if the
	// key is held. It never blocks waiting for the holder.
	Acquire(ctx context.Context, p provider.Provider, day civil.Date) (release func(), err error)
}

// MemoryLocker serializes within one process. Deployments with more
// than one collector instance inject a shared lock instead.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(_ context.Context, p provider.Provider, day civil.Date) (func(), error) {
	key := p.String() + "|" + day.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, billingerr.NewLoadConflictError(p.String(), day.String())
	}
	l.held[key] = true

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
