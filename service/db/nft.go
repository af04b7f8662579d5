package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// NftAvailability describes how an NFT can currently be acquired.
type NftAvailability string

const (
	NftUnavailable NftAvailability = "none"
	NftForSale     NftAvailability = "sale"
	NftForAuction  NftAvailability = "auction"
)

// Nft is a marketplace NFT. The auction fields form a unit: they are
// updated together on an accepted bid and cleared together when an auction
// ends without one.
type Nft struct {
	ID           string
	CollectionID string
	Owner        *string
	Availability NftAvailability
	Price        uint64
	Locked       bool
	LockedBy     *string
	Sold         bool
	Placeholder  bool

	AuctionFrom               *time.Time
	AuctionTo                 *time.Time
	AuctionFloorPrice         *uint64
	AuctionHighestBid         *uint64
	AuctionHighestBidder      *string
	AuctionHighestTransaction *string

	MintingData json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NftMintingData is the JSON body of nfts.minting_data, written when the
// NFT is minted on chain and updated as its output moves.
type NftMintingData struct {
	Address  string `json:"address,omitempty"`
	NftID    string `json:"nft_id,omitempty"`
	OutputID string `json:"output_id,omitempty"`
	BlockID  string `json:"block_id,omitempty"`
}

// DecodeMintingData parses the NFT's minting data; nil when unminted.
func (n *Nft) DecodeMintingData() (*NftMintingData, error) {
	if len(n.MintingData) == 0 {
		return nil, nil
	}
	var data NftMintingData
	if err := json.Unmarshal(n.MintingData, &data); err != nil {
		return nil, fmt.Errorf("nft %s minting data: %w", n.ID, err)
	}
	return &data, nil
}

// SetNftMintingData persists updated minting data.
func (q *Queries) SetNftMintingData(ctx context.Context, id string, data json.RawMessage) error {
	_, err := q.db.Exec(ctx, `
		UPDATE nfts SET minting_data = $2, updated_at = NOW() WHERE id = $1`,
		id, data)
	if err != nil {
		return fmt.Errorf("failed to set minting data on nft %s: %w", id, err)
	}
	return nil
}

const nftColumns = `id, collection_id, owner, availability, price, locked, locked_by,
	sold, placeholder, auction_from, auction_to, auction_floor_price,
	auction_highest_bid, auction_highest_bidder, auction_highest_transaction,
	minting_data, created_at, updated_at`

// GetNft retrieves an NFT.
func (q *Queries) GetNft(ctx context.Context, id string) (*Nft, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+nftColumns+` FROM nfts WHERE id = $1`, id)
	return scanNft(row)
}

// GetNftForUpdate retrieves an NFT with a row lock.
func (q *Queries) GetNftForUpdate(ctx context.Context, id string) (*Nft, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+nftColumns+` FROM nfts WHERE id = $1 FOR UPDATE`, id)
	return scanNft(row)
}

// CreateNft inserts an NFT record.
func (q *Queries) CreateNft(ctx context.Context, nft *Nft) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO nfts (id, collection_id, owner, availability, price, locked,
			placeholder, auction_from, auction_to, auction_floor_price, minting_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		nft.ID, nft.CollectionID, pgtextFromStringPtr(nft.Owner), string(nft.Availability),
		int64(nft.Price), nft.Locked, nft.Placeholder,
		pgTimestamptzFromPtr(nft.AuctionFrom), pgTimestamptzFromPtr(nft.AuctionTo),
		uint64PtrToInt64(nft.AuctionFloorPrice), nft.MintingData)
	if err != nil {
		return fmt.Errorf("failed to insert nft %s: %w", nft.ID, err)
	}
	return nil
}

// ListUnmintedNftsByCollection retrieves a collection's NFTs that have no
// minting data yet, excluding placeholders. Used when the collection is
// minted on chain.
func (q *Queries) ListUnmintedNftsByCollection(ctx context.Context, collectionID string, limit int32) ([]*Nft, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+nftColumns+` FROM nfts
		WHERE collection_id = $1 AND minting_data IS NULL AND placeholder = FALSE
		ORDER BY id
		LIMIT $2`,
		collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unminted nfts of %s: %w", collectionID, err)
	}
	defer rows.Close()
	var result []*Nft
	for rows.Next() {
		nft, err := scanNft(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, nft)
	}
	return result, rows.Err()
}

// TransferNftOwnership records a completed sale: new owner, sale and
// auction state cleared as one write.
func (q *Queries) TransferNftOwnership(ctx context.Context, id, newOwner string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE nfts
		SET owner = $2, sold = TRUE, availability = 'none', locked = FALSE,
		    locked_by = NULL,
		    auction_from = NULL, auction_to = NULL, auction_floor_price = NULL,
		    auction_highest_bid = NULL, auction_highest_bidder = NULL,
		    auction_highest_transaction = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		id, newOwner)
	if err != nil {
		return fmt.Errorf("failed to transfer nft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nft %s not found", id)
	}
	return nil
}

// SetNftHighestBid updates the auction fields as a unit for an accepted
// bid.
func (q *Queries) SetNftHighestBid(ctx context.Context, id string, amount uint64, bidder, transactionID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE nfts
		SET auction_highest_bid = $2, auction_highest_bidder = $3,
		    auction_highest_transaction = $4, updated_at = NOW()
		WHERE id = $1`,
		id, int64(amount), bidder, transactionID)
	if err != nil {
		return fmt.Errorf("failed to set highest bid on nft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nft %s not found", id)
	}
	return nil
}

// ClearNftAuction clears all auction fields together, for an auction that
// ended without bids.
func (q *Queries) ClearNftAuction(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE nfts
		SET availability = 'none',
		    auction_from = NULL, auction_to = NULL, auction_floor_price = NULL,
		    auction_highest_bid = NULL, auction_highest_bidder = NULL,
		    auction_highest_transaction = NULL,
		    updated_at = NOW()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to clear auction on nft %s: %w", id, err)
	}
	return nil
}

// LockNft marks an NFT as locked by a transaction while settlement runs.
func (q *Queries) LockNft(ctx context.Context, id, lockedBy string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE nfts SET locked = TRUE, locked_by = $2, updated_at = NOW()
		WHERE id = $1 AND locked = FALSE`,
		id, lockedBy)
	if err != nil {
		return fmt.Errorf("failed to lock nft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("nft %s already locked", id)
	}
	return nil
}

// UnlockNft clears the lock held by the given transaction.
func (q *Queries) UnlockNft(ctx context.Context, id, lockedBy string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE nfts SET locked = FALSE, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2`,
		id, lockedBy)
	if err != nil {
		return fmt.Errorf("failed to unlock nft %s: %w", id, err)
	}
	return nil
}

// MarkPlaceholderSold flips a collection's placeholder NFT to sold. Used
// when the last pending slot in the collection sells.
func (q *Queries) MarkPlaceholderSold(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE nfts SET sold = TRUE, availability = 'none', updated_at = NOW()
		WHERE id = $1 AND placeholder = TRUE`,
		id)
	if err != nil {
		return fmt.Errorf("failed to mark placeholder %s sold: %w", id, err)
	}
	return nil
}

func scanNft(row pgx.Row) (*Nft, error) {
	var (
		nft          Nft
		owner        pgtype.Text
		availability string
		price        int64
		lockedBy     pgtype.Text
		auctionFrom  pgtype.Timestamptz
		auctionTo    pgtype.Timestamptz
		floor        pgtype.Int8
		highestBid   pgtype.Int8
		bidder       pgtype.Text
		bidTran      pgtype.Text
	)
	err := row.Scan(
		&nft.ID, &nft.CollectionID, &owner, &availability, &price, &nft.Locked, &lockedBy,
		&nft.Sold, &nft.Placeholder, &auctionFrom, &auctionTo, &floor,
		&highestBid, &bidder, &bidTran, &nft.MintingData, &nft.CreatedAt, &nft.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	nft.Owner = stringPtrFromPgtext(owner)
	nft.Availability = NftAvailability(availability)
	nft.Price = uint64(price)
	nft.LockedBy = stringPtrFromPgtext(lockedBy)
	nft.AuctionFrom = timePtrFromPgTimestamptz(auctionFrom)
	nft.AuctionTo = timePtrFromPgTimestamptz(auctionTo)
	nft.AuctionFloorPrice = int8ToUint64Ptr(floor)
	nft.AuctionHighestBid = int8ToUint64Ptr(highestBid)
	nft.AuctionHighestBidder = stringPtrFromPgtext(bidder)
	nft.AuctionHighestTransaction = stringPtrFromPgtext(bidTran)
	return &nft, nil
}

func uint64PtrToInt64(v *uint64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*v), Valid: true}
}

func int8ToUint64Ptr(v pgtype.Int8) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
