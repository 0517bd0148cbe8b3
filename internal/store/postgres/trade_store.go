package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	q querier
}

const tradeSelectCols = `id, sender_id, recipient_id,
	offered_instance_ids, requested_instance_ids,
	offered_packs, requested_packs, status, reason, created_at, resolved_at`

func scanTradeRow(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var status string
	err := row.Scan(
		&t.ID, &t.SenderID, &t.RecipientID,
		&t.OfferedInstanceIDs, &t.RequestedInstanceIDs,
		&t.OfferedPacks, &t.RequestedPacks,
		&status, &t.Reason, &t.CreatedAt, &t.ResolvedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Status = domain.TradeStatus(status)
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Create inserts a new trade.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, sender_id, recipient_id,
			offered_instance_ids, requested_instance_ids,
			offered_packs, requested_packs, status, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.q.Exec(ctx, query,
		t.ID, t.SenderID, t.RecipientID,
		t.OfferedInstanceIDs, t.RequestedInstanceIDs,
		t.OfferedPacks, t.RequestedPacks,
		string(t.Status), t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create trade: %w", err)
	}
	return nil
}

// GetByID loads a trade by id.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE id = $1`
	t, err := scanTradeRow(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade: %w", mapNotFound(err))
	}
	return t, nil
}

// SetStatus transitions a trade out of pending. The status guard in the
// WHERE clause makes terminal states immutable under concurrency.
func (s *TradeStore) SetStatus(ctx context.Context, id string, status domain.TradeStatus, reason string) error {
	const query = `
		UPDATE trades SET status = $2, reason = $3, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := s.q.Exec(ctx, query, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("postgres: set trade status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check trade: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidState
	}
	return nil
}

// ListPendingByInstances returns pending trades referencing any of the given
// instance ids on either side.
func (s *TradeStore) ListPendingByInstances(ctx context.Context, instanceIDs []string) ([]domain.Trade, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status = 'pending'
		  AND (offered_instance_ids && $1::text[] OR requested_instance_ids && $1::text[])
		ORDER BY created_at`
	rows, err := s.q.Query(ctx, query, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending trades: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// ListByAccount returns trades the account participates in, newest first.
func (s *TradeStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Trade, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.q.Query(ctx, query, accountID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// ListTerminalBefore returns terminal trades resolved before the cutoff, for
// the cold-storage archiver.
func (s *TradeStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status <> 'pending' AND resolved_at < $1
		ORDER BY resolved_at`
	rows, err := s.q.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal trades: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteBatch removes the given trades after archival.
func (s *TradeStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.q.Exec(ctx, "DELETE FROM trades WHERE id = ANY($1::text[])", ids); err != nil {
		return fmt.Errorf("postgres: delete trades: %w", err)
	}
	return nil
}
