package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// querier is the subset of pgx satisfied by both a pool and a transaction,
// so every store method works inside and outside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store on PostgreSQL. The zero querier runs against
// the pool; InTx rebinds every sub-store to one pgx transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// NewStore creates a Store backed by the given client.
func NewStore(client *Client) *Store {
	return &Store{pool: client.Pool(), q: client.Pool()}
}

func (s *Store) Cards() domain.CardStore       { return &CardStore{q: s.q} }
func (s *Store) Accounts() domain.AccountStore { return &AccountStore{q: s.q} }
func (s *Store) Trades() domain.TradeStore     { return &TradeStore{q: s.q} }
func (s *Store) Listings() domain.ListingStore { return &ListingStore{q: s.q} }
func (s *Store) Audit() domain.AuditStore      { return &AuditStore{q: s.q} }

// InTx runs fn inside one database transaction. Settlements read and write
// several tables; serializable isolation turns write skew between concurrent
// settlements into a retryable error instead of inconsistent ownership.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&Store{pool: s.pool, q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// mapNotFound converts pgx's no-rows error to the domain sentinel.
func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

// Compile-time interface check.
var _ domain.Store = (*Store)(nil)
