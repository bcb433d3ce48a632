package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eshantharjun9-hub/qiuckgrab/escrow"
)

// Deal is one seeded transaction the actors fight over.
type Deal struct {
	ID       string
	BuyerID  string
	SellerID string
}

// expected reports errors the lifecycle produces under contention or chaos:
// losing a race, acting on a finished deal, or a connection cut by the chaos
// monkey.
func expected(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, escrow.ErrInvalidState) || errors.Is(err, escrow.ErrForbidden) {
		return true
	}
	// Connection resets and tx aborts from pg_terminate_backend.
	return !errors.Is(err, escrow.ErrValidation) && !errors.Is(err, escrow.ErrNotFound)
}

func pick(deals []Deal) Deal {
	return deals[rand.Intn(len(deals))]
}

func pause(lo, spread int) {
	time.Sleep(time.Duration(lo+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// Seller answers requests and confirms handovers on random deals.
func Seller(ctx context.Context, svc *escrow.Service, deals []Deal, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := pick(deals)
		var err error
		switch rand.Intn(4) {
		case 0:
			_, err = svc.AcceptOrReject(ctx, d.SellerID, d.ID, rand.Intn(10) > 0)
		case 1:
			_, err = svc.SetMeetup(ctx, d.SellerID, d.ID, "Station square")
		default:
			_, err = svc.ConfirmDelivery(ctx, d.SellerID, d.ID)
		}
		if !expected(err) {
			return fmt.Errorf("seller %s on %s: %w", d.SellerID, d.ID, err)
		}
		pause(5, 20)
	}
}

// Buyer pays, pays cash and completes random deals, racing other buyers.
func Buyer(ctx context.Context, svc *escrow.Service, deals []Deal, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := pick(deals)
		var err error
		switch rand.Intn(4) {
		case 0:
			_, err = svc.Pay(ctx, d.BuyerID, d.ID, fmt.Sprintf("pay_%d", rand.Int63()))
		case 1:
			_, err = svc.MarkPaid(ctx, d.BuyerID, d.ID)
		default:
			_, err = svc.MarkReceived(ctx, d.BuyerID, d.ID)
		}
		if !expected(err) {
			return fmt.Errorf("buyer %s on %s: %w", d.BuyerID, d.ID, err)
		}
		pause(5, 20)
	}
}

// Intruder acts as the wrong party; every attempt must be refused.
func Intruder(ctx context.Context, svc *escrow.Service, deals []Deal, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := pick(deals)
		_, err := svc.MarkReceived(ctx, d.SellerID, d.ID)
		if err == nil {
			return fmt.Errorf("intruder: seller completed %s as buyer", d.ID)
		}
		_, err = svc.AcceptOrReject(ctx, d.BuyerID, d.ID, true)
		if err == nil {
			return fmt.Errorf("intruder: buyer accepted %s as seller", d.ID)
		}
		pause(20, 40)
	}
}

// Chatter posts messages and reads them back with the after cursor.
func Chatter(ctx context.Context, svc *escrow.Service, deals []Deal, stop <-chan struct{}) error {
	cursor := make(map[string]time.Time)
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		d := pick(deals)
		sender := d.BuyerID
		if rand.Intn(2) == 0 {
			sender = d.SellerID
		}
		if _, err := svc.PostMessage(ctx, sender, d.ID, fmt.Sprintf("ping %d", rand.Int63())); !expected(err) {
			return fmt.Errorf("chatter post on %s: %w", d.ID, err)
		}
		msgs, err := svc.NewMessages(ctx, d.BuyerID, d.ID, cursor[d.ID])
		if !expected(err) {
			return fmt.Errorf("chatter read on %s: %w", d.ID, err)
		}
		for _, m := range msgs {
			if !m.CreatedAt.After(cursor[d.ID]) {
				return fmt.Errorf("chatter: message %s not after cursor %s", m.ID, cursor[d.ID])
			}
			cursor[d.ID] = m.CreatedAt
		}
		pause(10, 30)
	}
}

// OutboxWorker marks outbox rows as published, the way a relay would.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = pool.Exec(ctx, `
UPDATE outbox SET published_at = now()
WHERE id IN (
    SELECT id FROM outbox WHERE published_at IS NULL ORDER BY id LIMIT 20 FOR UPDATE SKIP LOCKED
)`)
		pause(50, 50)
	}
}
