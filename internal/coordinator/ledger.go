package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jcmexdev/ringsaga/internal/pkg/cache"
)

// Ledger remembers which compensations of a saga already succeeded, so a
// resumed rollback does not undo an effect twice. Keys name one forward run
// of one step; a new run of the step never matches an old mark.
type Ledger interface {
	Compensated(ctx context.Context, sagaID, key string) (bool, error)
	MarkCompensated(ctx context.Context, sagaID, key string) error
}

const ledgerOperation = "compensated"

// CacheLedger stores compensation marks in a cache.Cache.
type CacheLedger struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheLedger returns a Ledger whose marks expire after ttl; zero keeps
// them forever.
func NewCacheLedger(c cache.Cache, ttl time.Duration) *CacheLedger {
	return &CacheLedger{cache: c, ttl: ttl}
}

func (l *CacheLedger) key(sagaID, key string) string {
	return l.cache.GenerateKey(ledgerOperation, sagaID+":"+key)
}

func (l *CacheLedger) Compensated(ctx context.Context, sagaID, key string) (bool, error) {
	v, err := l.cache.Get(ctx, l.key(sagaID, key))
	if err != nil {
		return false, fmt.Errorf("ledger: lookup %s/%s: %w", sagaID, key, err)
	}
	return v != "", nil
}

func (l *CacheLedger) MarkCompensated(ctx context.Context, sagaID, key string) error {
	if err := l.cache.Set(ctx, l.key(sagaID, key), time.Now().UTC().Format(time.RFC3339), l.ttl); err != nil {
		return fmt.Errorf("ledger: mark %s/%s: %w", sagaID, key, err)
	}
	return nil
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{done: make(map[string]struct{})}
}

func (l *MemoryLedger) Compensated(_ context.Context, sagaID, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[sagaID+":"+key]
	return ok, nil
}

func (l *MemoryLedger) MarkCompensated(_ context.Context, sagaID, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[sagaID+":"+key] = struct{}{}
	return nil
}
