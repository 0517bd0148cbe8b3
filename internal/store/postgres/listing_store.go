package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL. The listed
// card's tuple is denormalized into columns so cascade queries stay on
// indexes, while the full snapshot rides along as JSONB.
type ListingStore struct {
	q querier
}

const listingSelectCols = `id, owner_id, instance_id, snapshot, status, reason, created_at`

func scanListingRow(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var status string
	var snapshotJSON []byte
	err := row.Scan(&l.ID, &l.OwnerID, &l.InstanceID, &snapshotJSON, &status, &l.Reason, &l.CreatedAt)
	if err != nil {
		return domain.Listing{}, err
	}
	if err := json.Unmarshal(snapshotJSON, &l.Snapshot); err != nil {
		return domain.Listing{}, fmt.Errorf("decode snapshot: %w", err)
	}
	l.Status = domain.ListingStatus(status)
	return l, nil
}

func scanListingRows(rows pgx.Rows) ([]domain.Listing, error) {
	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListingRow(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// Create inserts a new listing.
func (s *ListingStore) Create(ctx context.Context, l domain.Listing) error {
	snapshotJSON, err := json.Marshal(l.Snapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	const query = `
		INSERT INTO listings (
			id, owner_id, instance_id, definition, rarity, serial,
			snapshot, status, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.q.Exec(ctx, query,
		l.ID, l.OwnerID, l.InstanceID,
		l.Snapshot.Definition, string(l.Snapshot.Rarity), l.Snapshot.Serial,
		snapshotJSON, string(l.Status), l.Reason, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create listing: %w", err)
	}
	return nil
}

// GetByID loads a listing by id.
func (s *ListingStore) GetByID(ctx context.Context, id string) (domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings WHERE id = $1`
	l, err := scanListingRow(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: get listing: %w", mapNotFound(err))
	}
	return l, nil
}

// Delete removes a listing; its offers go with it via the FK cascade.
func (s *ListingStore) Delete(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM listings WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetStatus cancels an active listing. The status guard keeps terminal
// listings immutable.
func (s *ListingStore) SetStatus(ctx context.Context, id string, status domain.ListingStatus, reason string) error {
	const query = `
		UPDATE listings SET status = $2, reason = $3
		WHERE id = $1 AND status = 'active'`
	tag, err := s.q.Exec(ctx, query, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("postgres: set listing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check listing: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidState
	}
	return nil
}

// ListActiveByTuple returns active listings of the given card tuple.
func (s *ListingStore) ListActiveByTuple(ctx context.Context, t domain.CardTuple) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings
		WHERE status = 'active' AND definition = $1 AND rarity = $2 AND serial = $3
		ORDER BY created_at`
	rows, err := s.q.Query(ctx, query, t.Definition, string(t.Rarity), t.Serial)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings by tuple: %w", err)
	}
	defer rows.Close()
	return scanListingRows(rows)
}

// ActiveListingExists reports whether the owner already lists the tuple.
func (s *ListingStore) ActiveListingExists(ctx context.Context, ownerID string, t domain.CardTuple) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM listings
			WHERE status = 'active' AND owner_id = $1
			  AND definition = $2 AND rarity = $3 AND serial = $4
		)`
	var exists bool
	err := s.q.QueryRow(ctx, query, ownerID, t.Definition, string(t.Rarity), t.Serial).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: active listing exists: %w", err)
	}
	return exists, nil
}

// ListActiveBefore returns active listings created before the cutoff, for
// the expiry sweep.
func (s *ListingStore) ListActiveBefore(ctx context.Context, before time.Time) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings
		WHERE status = 'active' AND created_at < $1
		ORDER BY created_at`
	rows, err := s.q.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired listings: %w", err)
	}
	defer rows.Close()
	return scanListingRows(rows)
}

// ListActive returns active listings, newest first.
func (s *ListingStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + listingSelectCols + ` FROM listings
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`
	rows, err := s.q.Query(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active listings: %w", err)
	}
	defer rows.Close()
	return scanListingRows(rows)
}

// AddOffer inserts an offer against a listing.
func (s *ListingStore) AddOffer(ctx context.Context, o domain.Offer) error {
	const query = `
		INSERT INTO offers (id, listing_id, offerer_id, instance_ids, packs, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.q.Exec(ctx, query,
		o.ID, o.ListingID, o.OffererID, o.InstanceIDs, o.Packs, o.Message, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add offer: %w", err)
	}
	return nil
}

// GetOffer loads an offer scoped to its listing.
func (s *ListingStore) GetOffer(ctx context.Context, listingID, offerID string) (domain.Offer, error) {
	const query = `
		SELECT id, listing_id, offerer_id, instance_ids, packs, message, created_at
		FROM offers WHERE id = $1 AND listing_id = $2`
	var o domain.Offer
	err := s.q.QueryRow(ctx, query, offerID, listingID).Scan(
		&o.ID, &o.ListingID, &o.OffererID, &o.InstanceIDs, &o.Packs, &o.Message, &o.CreatedAt)
	if err != nil {
		return domain.Offer{}, fmt.Errorf("postgres: get offer: %w", mapNotFound(err))
	}
	return o, nil
}

// RemoveOffer deletes an offer.
func (s *ListingStore) RemoveOffer(ctx context.Context, offerID string) error {
	tag, err := s.q.Exec(ctx, "DELETE FROM offers WHERE id = $1", offerID)
	if err != nil {
		return fmt.Errorf("postgres: remove offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListOffers returns a listing's offers, oldest first.
func (s *ListingStore) ListOffers(ctx context.Context, listingID string) ([]domain.Offer, error) {
	const query = `
		SELECT id, listing_id, offerer_id, instance_ids, packs, message, created_at
		FROM offers WHERE listing_id = $1 ORDER BY created_at`
	rows, err := s.q.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list offers: %w", err)
	}
	defer rows.Close()

	var offers []domain.Offer
	for rows.Next() {
		var o domain.Offer
		if err := rows.Scan(&o.ID, &o.ListingID, &o.OffererID, &o.InstanceIDs,
			&o.Packs, &o.Message, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// HasActiveOffer reports whether the offerer already bid on the listing.
func (s *ListingStore) HasActiveOffer(ctx context.Context, listingID, offererID string) (bool, error) {
	const query = `
		SELECT EXISTS(SELECT 1 FROM offers WHERE listing_id = $1 AND offerer_id = $2)`
	var exists bool
	if err := s.q.QueryRow(ctx, query, listingID, offererID).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: has active offer: %w", err)
	}
	return exists, nil
}
