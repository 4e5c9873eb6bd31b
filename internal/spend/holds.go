package spend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	"go.uber.org/zap"
)

const (
	keyReserved  = "budget:reserved:%s"
	keyCommitted = "budget:committed:%s"
)

// HoldStore tracks the cache-tier view of per-account budget state:
// reserved_micro (outstanding holds) and committed_micro (finalized
// cost). Both are advisory; the durable usage_events sum wins any
// disagreement.
type HoldStore interface {
	AddReserved(ctx context.Context, account snowflake.ID, delta micro.Amount) (micro.Amount, error)
	ReleaseReserved(ctx context.Context, account snowflake.ID, delta micro.Amount) error
	ReservedTotal(ctx context.Context, account snowflake.ID) (micro.Amount, error)

	AddCommitted(ctx context.Context, account snowflake.ID, delta micro.Amount) (micro.Amount, error)
	CommittedTotal(ctx context.Context, account snowflake.ID) (micro.Amount, bool, error)
	// SetCommitted snaps the cache view to an authoritative total,
	// used by reconciliation resync.
	SetCommitted(ctx context.Context, account snowflake.ID, total micro.Amount) error
}

type holdStore struct {
	client      *redis.Client
	log         *zap.Logger
	reservedTTL time.Duration

	mu        sync.Mutex
	reserved  map[snowflake.ID]micro.Amount
	committed map[snowflake.ID]micro.Amount
}

func NewHoldStore(client *redis.Client, reservedTTL time.Duration, log *zap.Logger) HoldStore {
	if reservedTTL <= 0 {
		reservedTTL = 15 * time.Minute
	}
	return &holdStore{
		client:      client,
		log:         log.Named("spend.holds"),
		reservedTTL: reservedTTL,
		reserved:    make(map[snowflake.ID]micro.Amount),
		committed:   make(map[snowflake.ID]micro.Amount),
	}
}

func (h *holdStore) AddReserved(ctx context.Context, account snowflake.ID, delta micro.Amount) (micro.Amount, error) {
	if h.client != nil {
		key := fmt.Sprintf(keyReserved, account.String())
		pipe := h.client.TxPipeline()
		incr := pipe.IncrBy(ctx, key, delta.Int64())
		pipe.Expire(ctx, key, h.reservedTTL)
		if _, err := pipe.Exec(ctx); err == nil {
			return micro.Amount(incr.Val()), nil
		} else {
			h.log.Warn("reserved hold write degraded to memory", zap.Error(err))
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved[account] += delta
	return h.reserved[account], nil
}

func (h *holdStore) ReleaseReserved(ctx context.Context, account snowflake.ID, delta micro.Amount) error {
	if delta <= 0 {
		return nil
	}
	if h.client != nil {
		key := fmt.Sprintf(keyReserved, account.String())
		if err := h.client.DecrBy(ctx, key, delta.Int64()).Err(); err == nil {
			return nil
		} else {
			h.log.Warn("reserved hold release degraded to memory", zap.Error(err))
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reserved[account] -= delta
	if h.reserved[account] < 0 {
		h.reserved[account] = 0
	}
	return nil
}

func (h *holdStore) ReservedTotal(ctx context.Context, account snowflake.ID) (micro.Amount, error) {
	if h.client != nil {
		v, err := h.client.Get(ctx, fmt.Sprintf(keyReserved, account.String())).Int64()
		if err == nil {
			if v < 0 {
				v = 0
			}
			return micro.Amount(v), nil
		}
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		h.log.Warn("reserved hold read degraded to memory", zap.Error(err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reserved[account], nil
}

func (h *holdStore) AddCommitted(ctx context.Context, account snowflake.ID, delta micro.Amount) (micro.Amount, error) {
	if h.client != nil {
		v, err := h.client.IncrBy(ctx, fmt.Sprintf(keyCommitted, account.String()), delta.Int64()).Result()
		if err == nil {
			return micro.Amount(v), nil
		}
		h.log.Warn("committed counter write degraded to memory", zap.Error(err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed[account] += delta
	return h.committed[account], nil
}

func (h *holdStore) CommittedTotal(ctx context.Context, account snowflake.ID) (micro.Amount, bool, error) {
	if h.client != nil {
		v, err := h.client.Get(ctx, fmt.Sprintf(keyCommitted, account.String())).Int64()
		if err == nil {
			return micro.Amount(v), true, nil
		}
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		h.log.Warn("committed counter read degraded to memory", zap.Error(err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.committed[account]
	return v, ok, nil
}

func (h *holdStore) SetCommitted(ctx context.Context, account snowflake.ID, total micro.Amount) error {
	if h.client != nil {
		err := h.client.Set(ctx, fmt.Sprintf(keyCommitted, account.String()), total.Int64(), 0).Err()
		if err == nil {
			return nil
		}
		h.log.Warn("committed counter set degraded to memory", zap.Error(err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed[account] = total
	return nil
}
