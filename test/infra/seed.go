package infra

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserSeed describes a user row; zero values take the column defaults.
type UserSeed struct {
	Name             string
	Verification     string
	AvgRating        float64
	CompletedDeals   int
	CancellationRate float64
}

// SeedUser inserts a user and returns its id.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, u UserSeed) (string, error) {
	id := uuid.NewString()
	if u.Verification == "" {
		u.Verification = "UNVERIFIED"
	}
	if u.Name == "" {
		u.Name = "user-" + id[:8]
	}
	_, err := pool.Exec(ctx, `
INSERT INTO users (id, name, email, verification_status, avg_rating, completed_deals, cancellation_rate)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, u.Name, id+"@example.com", u.Verification, u.AvgRating, u.CompletedDeals, u.CancellationRate)
	if err != nil {
		return "", fmt.Errorf("seed user: %w", err)
	}
	return id, nil
}

// SeedItem inserts an AVAILABLE item owned by sellerID.
func SeedItem(ctx context.Context, pool *pgxpool.Pool, sellerID, name, price string) (string, error) {
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO items (id, seller_id, name, price) VALUES ($1, $2, $3, $4::numeric)`,
		id, sellerID, name, price); err != nil {
		return "", fmt.Errorf("seed item: %w", err)
	}
	return id, nil
}

// SeedTransaction inserts a transaction in the given status. PAID rows get a
// payment id and a 24h countdown so they look like the online payment path.
func SeedTransaction(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID, itemID, status, amount string) (string, error) {
	id := uuid.NewString()
	var err error
	if status == "PAID" {
		_, err = pool.Exec(ctx, `
INSERT INTO transactions (id, buyer_id, seller_id, item_id, status, escrow_amount, payment_id, countdown_start, countdown_end)
VALUES ($1, $2, $3, $4, $5, $6::numeric, 'seed_payment', now(), now() + INTERVAL '24 hours')`,
			id, buyerID, sellerID, itemID, status, amount)
	} else {
		_, err = pool.Exec(ctx, `
INSERT INTO transactions (id, buyer_id, seller_id, item_id, status, escrow_amount)
VALUES ($1, $2, $3, $4, $5, $6::numeric)`,
			id, buyerID, sellerID, itemID, status, amount)
	}
	if err != nil {
		return "", fmt.Errorf("seed transaction: %w", err)
	}
	return id, nil
}
