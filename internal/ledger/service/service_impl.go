package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ledgerguard/internal/clock"
	ledgerdomain "github.com/smallbiznis/ledgerguard/internal/ledger/domain"
	"github.com/smallbiznis/ledgerguard/internal/micro"
	obsmetrics "github.com/smallbiznis/ledgerguard/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) MintLot(ctx context.Context, req ledgerdomain.MintLotRequest) (*ledgerdomain.CreditLot, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.AmountMicro <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	switch req.Source {
	case ledgerdomain.LotSourceSeed, ledgerdomain.LotSourcePurchase, ledgerdomain.LotSourceGrant:
	default:
		return nil, ledgerdomain.ErrInvalidSource
	}
	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ledgerdomain.ErrInvalidAmount)
	}

	lot := ledgerdomain.CreditLot{
		ID:          s.genID.Generate(),
		AccountID:   req.AccountID,
		Source:      req.Source,
		AmountMicro: req.AmountMicro,
		ExpiresAt:   req.ExpiresAt,
		Status:      ledgerdomain.LotStatusActive,
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Exec(
		`INSERT INTO credit_lots (id, account_id, source, amount_micro, expires_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.AccountID, string(lot.Source), lot.AmountMicro, lot.ExpiresAt, string(lot.Status), lot.CreatedAt,
	).Error; err != nil {
		return nil, err
	}

	s.log.Info("credit lot minted",
		zap.String("lot_id", lot.ID.String()),
		zap.String("account_id", lot.AccountID.String()),
		zap.String("source", string(lot.Source)),
		zap.Int64("amount_micro", lot.AmountMicro.Int64()),
	)
	return &lot, nil
}

func (s *Service) DebitLots(ctx context.Context, account snowflake.ID, amount micro.Amount, referenceID string) ([]ledgerdomain.LotEntry, error) {
	var entries []ledgerdomain.LotEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entries, txErr = s.DebitLotsTx(ctx, tx, account, amount, referenceID)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type lotBalanceRow struct {
	ID             snowflake.ID
	ExpiresAt      *time.Time
	RemainingMicro int64
}

// DebitLotsTx consumes credit earliest-expiry-first, splitting across
// lots when a single lot cannot cover the amount. A reference id that
// already has debit entries is a replay and returns the existing rows.
func (s *Service) DebitLotsTx(ctx context.Context, tx *gorm.DB, account snowflake.ID, amount micro.Amount, referenceID string) ([]ledgerdomain.LotEntry, error) {
	if account == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}

	var existing []ledgerdomain.LotEntry
	if err := tx.WithContext(ctx).Raw(
		`SELECT e.id, e.lot_id, e.entry_type, e.amount_micro, e.reference_id, e.created_at
		 FROM lot_entries e
		 JOIN credit_lots l ON l.id = e.lot_id
		 WHERE l.account_id = ? AND e.reference_id = ? AND e.entry_type = ?
		 ORDER BY e.id`,
		account, referenceID, string(ledgerdomain.EntryTypeDebit),
	).Scan(&existing).Error; err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	now := s.clock.Now()
	lots, err := s.availableLots(ctx, tx, account, now)
	if err != nil {
		return nil, err
	}

	remaining := amount
	entries := make([]ledgerdomain.LotEntry, 0, 2)
	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		take := micro.Min(remaining, micro.Amount(lot.RemainingMicro))
		entry := ledgerdomain.LotEntry{
			ID:          s.genID.Generate(),
			LotID:       lot.ID,
			EntryType:   ledgerdomain.EntryTypeDebit,
			AmountMicro: -take,
			ReferenceID: referenceID,
			CreatedAt:   now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: short %s for account %s", ledgerdomain.ErrInsufficientCredit, remaining, account)
	}
	return entries, nil
}

func (s *Service) GetBalance(ctx context.Context, account snowflake.ID) (micro.Amount, error) {
	if account == 0 {
		return 0, ledgerdomain.ErrInvalidAccount
	}
	lots, err := s.availableLots(ctx, s.db, account, s.clock.Now())
	if err != nil {
		return 0, err
	}
	var total micro.Amount
	for _, lot := range lots {
		total += micro.Amount(lot.RemainingMicro)
	}
	return total, nil
}

func (s *Service) ListLots(ctx context.Context, account snowflake.ID) ([]ledgerdomain.CreditLot, error) {
	if account == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	var lots []ledgerdomain.CreditLot
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, account_id, source, amount_micro, expires_at, status, created_at
		 FROM credit_lots
		 WHERE account_id = ?
		 ORDER BY created_at, id`,
		account,
	).Scan(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Service) ListExpirable(ctx context.Context, now time.Time, limit int) ([]ledgerdomain.CreditLot, error) {
	if limit <= 0 {
		limit = 50
	}
	var lots []ledgerdomain.CreditLot
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, account_id, source, amount_micro, expires_at, status, created_at
		 FROM credit_lots
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at, id
		 LIMIT ?`,
		string(ledgerdomain.LotStatusActive), now.UTC(), limit,
	).Scan(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

// ExpireLot runs in its own transaction for fault isolation: one bad
// lot never aborts the rest of a sweep. The synthetic reference id is
// derived from the lot id, so replays collide on the unique index and
// become no-ops.
func (s *Service) ExpireLot(ctx context.Context, lotID snowflake.ID) (*ledgerdomain.LotEntry, error) {
	var out *ledgerdomain.LotEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lot ledgerdomain.CreditLot
		result := tx.WithContext(ctx).Raw(
			`SELECT id, account_id, source, amount_micro, expires_at, status, created_at
			 FROM credit_lots WHERE id = ?`,
			lotID,
		).Scan(&lot)
		if result.Error != nil {
			return result.Error
		}
		if lot.ID == 0 {
			return ledgerdomain.ErrLotNotFound
		}
		if lot.Status == ledgerdomain.LotStatusExpired {
			return nil
		}

		var remaining int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT l.amount_micro + COALESCE(SUM(e.amount_micro), 0)
			 FROM credit_lots l
			 LEFT JOIN lot_entries e ON e.lot_id = l.id
			 WHERE l.id = ?
			 GROUP BY l.amount_micro`,
			lotID,
		).Scan(&remaining).Error; err != nil {
			return err
		}

		now := s.clock.Now()
		if remaining > 0 {
			entry := ledgerdomain.LotEntry{
				ID:          s.genID.Generate(),
				LotID:       lotID,
				EntryType:   ledgerdomain.EntryTypeExpiry,
				AmountMicro: micro.Amount(-remaining),
				ReferenceID: ExpiryReference(lotID),
				CreatedAt:   now,
			}
			inserted := tx.WithContext(ctx).Exec(
				`INSERT INTO lot_entries (id, lot_id, entry_type, amount_micro, reference_id, created_at)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (lot_id, reference_id, entry_type) DO NOTHING`,
				entry.ID, entry.LotID, string(entry.EntryType), entry.AmountMicro, entry.ReferenceID, entry.CreatedAt,
			)
			if inserted.Error != nil {
				return inserted.Error
			}
			// RowsAffected == 0 means a concurrent sweep got here first.
			if inserted.RowsAffected > 0 {
				out = &entry
			}
		}

		return tx.WithContext(ctx).Exec(
			`UPDATE credit_lots SET status = ? WHERE id = ? AND status = ?`,
			string(ledgerdomain.LotStatusExpired), lotID, string(ledgerdomain.LotStatusActive),
		).Error
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		s.obsMetrics.RecordLotExpired(ctx)
		s.log.Info("credit lot expired",
			zap.String("lot_id", lotID.String()),
			zap.Int64("expired_micro", out.AmountMicro.Abs().Int64()),
		)
	}
	return out, nil
}

// ExpiryReference is the deterministic idempotency key for a lot's
// expiry entry.
func ExpiryReference(lotID snowflake.ID) string {
	return "lot_expiry:" + lotID.String()
}

func (s *Service) availableLots(ctx context.Context, tx *gorm.DB, account snowflake.ID, now time.Time) ([]lotBalanceRow, error) {
	var lots []lotBalanceRow
	err := tx.WithContext(ctx).Raw(
		`SELECT l.id, l.expires_at, l.amount_micro + COALESCE(SUM(e.amount_micro), 0) AS remaining_micro
		 FROM credit_lots l
		 LEFT JOIN lot_entries e ON e.lot_id = l.id
		 WHERE l.account_id = ? AND l.status = ? AND (l.expires_at IS NULL OR l.expires_at > ?)
		 GROUP BY l.id, l.amount_micro, l.expires_at
		 HAVING l.amount_micro + COALESCE(SUM(e.amount_micro), 0) > 0
		 ORDER BY CASE WHEN l.expires_at IS NULL THEN 1 ELSE 0 END, l.expires_at, l.id`,
		account, string(ledgerdomain.LotStatusActive), now.UTC(),
	).Scan(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func insertEntry(ctx context.Context, tx *gorm.DB, entry ledgerdomain.LotEntry) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO lot_entries (id, lot_id, entry_type, amount_micro, reference_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.LotID, string(entry.EntryType), entry.AmountMicro, entry.ReferenceID, entry.CreatedAt,
	).Error
}
