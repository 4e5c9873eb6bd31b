package spend

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/micro"
)

// MemoryTier is the in-process fallback for isolated or prototype runs.
// It is non-durable and never correct across multiple instances; it
// exists so the counter keeps bounding spend when both real tiers are
// unreachable.
type MemoryTier struct {
	mu     sync.Mutex
	counts map[string]micro.Amount
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{counts: make(map[string]micro.Amount)}
}

func (t *MemoryTier) Name() string { return "memory" }

func (t *MemoryTier) Incr(_ context.Context, account snowflake.ID, date string, delta micro.Amount) (micro.Amount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := account.String() + ":" + date
	t.counts[key] += delta
	return t.counts[key], nil
}

func (t *MemoryTier) Get(_ context.Context, account snowflake.ID, date string) (micro.Amount, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.counts[account.String()+":"+date]
	return v, ok, nil
}
