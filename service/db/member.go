package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Member is a marketplace participant. StakedAmount drives the royalty fee
// tier on token trades.
type Member struct {
	ID             string
	DepositAddress *string
	StakedAmount   uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GetMember retrieves a member.
func (q *Queries) GetMember(ctx context.Context, id string) (*Member, error) {
	var (
		member  Member
		deposit pgtype.Text
		staked  int64
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, deposit_address, staked_amount, created_at, updated_at
		FROM members WHERE id = $1`,
		id).Scan(&member.ID, &deposit, &staked, &member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		return nil, err
	}
	member.DepositAddress = stringPtrFromPgtext(deposit)
	member.StakedAmount = uint64(staked)
	return &member, nil
}

// SetMemberDepositAddress records the address a member verified ownership
// of, creating the member on first verification.
func (q *Queries) SetMemberDepositAddress(ctx context.Context, id, address string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO members (id, deposit_address)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET deposit_address = EXCLUDED.deposit_address, updated_at = NOW()`,
		id, address)
	if err != nil {
		return fmt.Errorf("failed to set deposit address for member %s: %w", id, err)
	}
	return nil
}

// Space groups collections and tokens; its royalty address receives the
// royalty leg of sales.
type Space struct {
	ID             string
	RoyaltyAddress *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GetSpace retrieves a space.
func (q *Queries) GetSpace(ctx context.Context, id string) (*Space, error) {
	var (
		space   Space
		royalty pgtype.Text
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, royalty_address, created_at, updated_at FROM spaces WHERE id = $1`,
		id).Scan(&space.ID, &royalty, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		return nil, err
	}
	space.RoyaltyAddress = stringPtrFromPgtext(royalty)
	return &space, nil
}

// Collection is a set of NFTs with shared royalty configuration and a
// designated placeholder NFT that represents unsold inventory.
type Collection struct {
	ID             string
	SpaceID        *string
	RoyaltyAddress *string
	RoyaltyFee     float64
	Total          int32
	Sold           int32
	PlaceholderNft *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GetCollectionForUpdate retrieves a collection with a row lock, so the
// sold counter and placeholder promotion serialize.
func (q *Queries) GetCollectionForUpdate(ctx context.Context, id string) (*Collection, error) {
	var (
		col         Collection
		spaceID     pgtype.Text
		royalty     pgtype.Text
		placeholder pgtype.Text
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, space_id, royalty_address, royalty_fee, total, sold, placeholder_nft,
		       created_at, updated_at
		FROM collections WHERE id = $1 FOR UPDATE`,
		id).Scan(&col.ID, &spaceID, &royalty, &col.RoyaltyFee, &col.Total, &col.Sold,
		&placeholder, &col.CreatedAt, &col.UpdatedAt)
	if err != nil {
		return nil, err
	}
	col.SpaceID = stringPtrFromPgtext(spaceID)
	col.RoyaltyAddress = stringPtrFromPgtext(royalty)
	col.PlaceholderNft = stringPtrFromPgtext(placeholder)
	return &col, nil
}

// IncrementCollectionSold bumps the sold counter and returns the new value.
func (q *Queries) IncrementCollectionSold(ctx context.Context, id string) (int32, error) {
	var sold int32
	err := q.db.QueryRow(ctx, `
		UPDATE collections SET sold = sold + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING sold`,
		id).Scan(&sold)
	if err != nil {
		return 0, fmt.Errorf("failed to increment sold counter on %s: %w", id, err)
	}
	return sold, nil
}
