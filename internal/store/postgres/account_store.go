package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	q querier
}

const instanceSelectCols = `id, definition, rarity, serial, owner_id, status, acquired_at`

func scanInstanceRow(row pgx.Row) (domain.CardInstance, error) {
	var inst domain.CardInstance
	var rarity, status string
	err := row.Scan(&inst.ID, &inst.Definition, &rarity, &inst.Serial,
		&inst.OwnerID, &status, &inst.AcquiredAt)
	if err != nil {
		return domain.CardInstance{}, err
	}
	inst.Rarity = domain.Rarity(rarity)
	inst.Status = domain.InstanceStatus(status)
	return inst, nil
}

// Get loads an account by id.
func (s *AccountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	const query = `SELECT id, display_name, packs, xp, created_at FROM accounts WHERE id = $1`
	var a domain.Account
	err := s.q.QueryRow(ctx, query, id).Scan(&a.ID, &a.DisplayName, &a.Packs, &a.XP, &a.CreatedAt)
	if err != nil {
		return domain.Account{}, fmt.Errorf("postgres: get account: %w", mapNotFound(err))
	}
	return a, nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, a domain.Account) error {
	const query = `
		INSERT INTO accounts (id, display_name, packs, xp, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.q.Exec(ctx, query, a.ID, a.DisplayName, a.Packs, a.XP, a.CreatedAt); err != nil {
		return fmt.Errorf("postgres: create account: %w", err)
	}
	return nil
}

// AdjustPacks applies a signed delta to the pack balance, guarded so the
// balance never goes negative.
func (s *AccountStore) AdjustPacks(ctx context.Context, id string, delta int64) error {
	const query = `UPDATE accounts SET packs = packs + $2 WHERE id = $1 AND packs + $2 >= 0`
	tag, err := s.q.Exec(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("postgres: adjust packs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check account: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientPacks
	}
	return nil
}

// AddXP adds experience to an account.
func (s *AccountStore) AddXP(ctx context.Context, id string, amount int64) error {
	const query = `UPDATE accounts SET xp = xp + $2 WHERE id = $1`
	tag, err := s.q.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("postgres: add xp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkAchievement records an achievement idempotently and reports whether
// this call was the first to record it.
func (s *AccountStore) MarkAchievement(ctx context.Context, id, name string) (bool, error) {
	const query = `
		INSERT INTO account_achievements (account_id, name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	tag, err := s.q.Exec(ctx, query, id, name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("postgres: mark achievement: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetInstance loads a card instance by id.
func (s *AccountStore) GetInstance(ctx context.Context, id string) (domain.CardInstance, error) {
	query := `SELECT ` + instanceSelectCols + ` FROM card_instances WHERE id = $1`
	inst, err := scanInstanceRow(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.CardInstance{}, fmt.Errorf("postgres: get instance: %w", mapNotFound(err))
	}
	return inst, nil
}

// InsertInstance creates a card instance. The unique tuple index is the
// final word on global uniqueness; a duplicate maps to ErrSerialClaimed.
func (s *AccountStore) InsertInstance(ctx context.Context, inst domain.CardInstance) error {
	const query = `
		INSERT INTO card_instances (id, definition, rarity, serial, owner_id, status, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.q.Exec(ctx, query,
		inst.ID, inst.Definition, string(inst.Rarity), inst.Serial,
		inst.OwnerID, string(inst.Status), inst.AcquiredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrSerialClaimed
		}
		return fmt.Errorf("postgres: insert instance: %w", err)
	}
	return nil
}

// DeleteInstance removes a card instance.
func (s *AccountStore) DeleteInstance(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM card_instances WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetInstanceStatus updates an instance's commitment tag.
func (s *AccountStore) SetInstanceStatus(ctx context.Context, id string, status domain.InstanceStatus) error {
	tag, err := s.q.Exec(ctx,
		"UPDATE card_instances SET status = $2 WHERE id = $1", id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: set instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TransferInstance moves an instance to a new owner and resets its status.
func (s *AccountStore) TransferInstance(ctx context.Context, id, newOwnerID string, status domain.InstanceStatus) error {
	tag, err := s.q.Exec(ctx,
		"UPDATE card_instances SET owner_id = $2, status = $3 WHERE id = $1",
		id, newOwnerID, string(status))
	if err != nil {
		return fmt.Errorf("postgres: transfer instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TupleExists reports whether any account holds the exact tuple.
func (s *AccountStore) TupleExists(ctx context.Context, t domain.CardTuple) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM card_instances
			WHERE definition = $1 AND rarity = $2 AND serial = $3
		)`
	var exists bool
	err := s.q.QueryRow(ctx, query, t.Definition, string(t.Rarity), t.Serial).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: tuple exists: %w", err)
	}
	return exists, nil
}

// ListInstances returns every instance the account owns.
func (s *AccountStore) ListInstances(ctx context.Context, ownerID string) ([]domain.CardInstance, error) {
	query := `SELECT ` + instanceSelectCols + ` FROM card_instances WHERE owner_id = $1 ORDER BY acquired_at, id`
	rows, err := s.q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instances: %w", err)
	}
	defer rows.Close()

	var out []domain.CardInstance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
