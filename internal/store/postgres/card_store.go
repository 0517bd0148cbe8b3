package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// CardStore implements domain.CardStore using PostgreSQL.
type CardStore struct {
	q querier
}

// GetDefinition loads a definition with all of its serial pools.
func (s *CardStore) GetDefinition(ctx context.Context, name string) (domain.CardDefinition, error) {
	defs, err := s.loadDefinitions(ctx, `WHERE d.name = $1`, name)
	if err != nil {
		return domain.CardDefinition{}, err
	}
	if len(defs) == 0 {
		return domain.CardDefinition{}, domain.ErrNotFound
	}
	return defs[0], nil
}

// ListDefinitions returns catalog definitions ordered by name.
func (s *CardStore) ListDefinitions(ctx context.Context, opts domain.ListOpts) ([]domain.CardDefinition, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.loadDefinitions(ctx,
		`WHERE d.name IN (SELECT name FROM card_definitions ORDER BY name LIMIT $1 OFFSET $2)`,
		limit, opts.Offset)
}

// ListMintable returns definitions with remaining inventory in the given
// tier, inside their availability window, optionally restricted to scope.
func (s *CardStore) ListMintable(ctx context.Context, rarity domain.Rarity, scope []string, now time.Time) ([]domain.CardDefinition, error) {
	return s.loadDefinitions(ctx, `
		WHERE d.name IN (
			SELECT p.definition FROM card_pools p
			JOIN card_definitions cd ON cd.name = p.definition
			WHERE p.rarity = $1
			  AND cardinality(p.serials) > 0
			  AND (cd.release_at IS NULL OR cd.release_at <= $2)
			  AND (cd.retire_at IS NULL OR cd.retire_at >= $2)
			  AND (cardinality($3::text[]) = 0 OR p.definition = ANY($3))
		)`,
		string(rarity), now, scopeArg(scope))
}

// AnyMintable reports whether any tier of any in-scope definition has
// inventory left.
func (s *CardStore) AnyMintable(ctx context.Context, scope []string, now time.Time) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM card_pools p
			JOIN card_definitions cd ON cd.name = p.definition
			WHERE cardinality(p.serials) > 0
			  AND (cd.release_at IS NULL OR cd.release_at <= $1)
			  AND (cd.retire_at IS NULL OR cd.retire_at >= $1)
			  AND (cardinality($2::text[]) = 0 OR p.definition = ANY($2))
		)`
	var exists bool
	if err := s.q.QueryRow(ctx, query, now, scopeArg(scope)).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: any mintable: %w", err)
	}
	return exists, nil
}

// ClaimSerial removes one serial from a pool, conditioned on the pool still
// containing it. Zero rows affected means another claimant won the race.
func (s *CardStore) ClaimSerial(ctx context.Context, definition string, rarity domain.Rarity, serial int) error {
	const query = `
		UPDATE card_pools
		SET serials = array_remove(serials, $3)
		WHERE definition = $1 AND rarity = $2 AND $3 = ANY(serials)`
	tag, err := s.q.Exec(ctx, query, definition, string(rarity), serial)
	if err != nil {
		return fmt.Errorf("postgres: claim serial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSerialClaimed
	}
	return nil
}

// ReturnSerial puts a serial back into its pool. Idempotent: returning a
// serial the pool already holds is a no-op.
func (s *CardStore) ReturnSerial(ctx context.Context, definition string, rarity domain.Rarity, serial int) error {
	const query = `
		UPDATE card_pools
		SET serials = array_append(serials, $3)
		WHERE definition = $1 AND rarity = $2 AND NOT ($3 = ANY(serials))`
	tag, err := s.q.Exec(ctx, query, definition, string(rarity), serial)
	if err != nil {
		return fmt.Errorf("postgres: return serial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM card_pools WHERE definition = $1 AND rarity = $2)",
			definition, string(rarity),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check pool: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

// GetPackTemplate loads a pack template by name.
func (s *CardStore) GetPackTemplate(ctx context.Context, name string) (domain.PackTemplate, error) {
	const query = `SELECT name, size, definitions FROM pack_templates WHERE name = $1`
	var t domain.PackTemplate
	err := s.q.QueryRow(ctx, query, name).Scan(&t.Name, &t.Size, &t.Definitions)
	if err != nil {
		return domain.PackTemplate{}, fmt.Errorf("postgres: get pack template: %w", mapNotFound(err))
	}
	return t, nil
}

// loadDefinitions loads definitions matching the given WHERE clause, with
// their pools aggregated in Go. Rows arrive ordered by name then rarity so
// each definition's pools group together.
func (s *CardStore) loadDefinitions(ctx context.Context, where string, args ...any) ([]domain.CardDefinition, error) {
	query := `
		SELECT d.name, d.description, d.image_url, d.release_at, d.retire_at,
		       p.rarity, p.total, p.serials
		FROM card_definitions d
		LEFT JOIN card_pools p ON p.definition = d.name
		` + where + `
		ORDER BY d.name, p.rarity`
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: load definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.CardDefinition
	for rows.Next() {
		var (
			def     domain.CardDefinition
			rarity  *string
			total   *int
			serials []int
		)
		if err := rows.Scan(
			&def.Name, &def.Description, &def.ImageURL, &def.ReleaseAt, &def.RetireAt,
			&rarity, &total, &serials,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan definition: %w", err)
		}

		if len(defs) == 0 || defs[len(defs)-1].Name != def.Name {
			defs = append(defs, def)
		}
		if rarity != nil {
			last := &defs[len(defs)-1]
			last.Pools = append(last.Pools, domain.Pool{
				Rarity:    domain.Rarity(*rarity),
				Total:     derefInt(total),
				Remaining: len(serials),
				Serials:   serials,
			})
		}
	}
	return defs, rows.Err()
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// scopeArg normalizes a nil scope to an empty array so the SQL scope guard
// can treat them uniformly.
func scopeArg(scope []string) []string {
	if scope == nil {
		return []string{}
	}
	return scope
}
