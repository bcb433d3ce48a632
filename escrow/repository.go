package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TransitionEvent is appended to the timeline and outbox for every applied action.
type TransitionEvent struct {
	TransactionID string
	ActorID       string
	Action        Action
	Previous      Status
	Next          Status
	OccurredAt    time.Time
}

// Repository defines the data access the service needs. Methods taking a
// pgx.Tx run inside the caller's transaction.
type Repository interface {
	GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	UpdateTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error
	MarkItemSold(ctx context.Context, tx pgx.Tx, itemID string) error
	GetUserForUpdate(ctx context.Context, tx pgx.Tx, id string) (User, error)
	UpdateUserStats(ctx context.Context, tx pgx.Tx, u User) error
	RecordTransition(ctx context.Context, tx pgx.Tx, ev TransitionEvent) error

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	ListForUser(ctx context.Context, userID string) ([]Summary, error)
	GetDetail(ctx context.Context, id string, recentMessages int) (Detail, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	InsertMessage(ctx context.Context, m Message) (Message, error)
}

const (
	OutboxTopicStatusChanged = "transaction.status_changed"
	OutboxTopicCompleted     = "transaction.completed"
)

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	db Querier
}

// NewRepository builds a repository whose non-transactional reads go through db.
func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

const transactionColumns = `
t.id::text, t.buyer_id::text, t.seller_id::text, t.item_id::text, t.status,
t.escrow_amount::text, t.payment_id, t.meetup_location, t.countdown_start, t.countdown_end,
t.created_at, t.updated_at`

const userColumns = `
%[1]s.id::text, %[1]s.name, %[1]s.verification_status, %[1]s.avg_rating, %[1]s.completed_deals,
%[1]s.cancellation_rate, %[1]s.trust_score, %[1]s.badges`

const itemColumns = `i.id::text, i.seller_id::text, i.name, i.price::text, i.availability_status`

func (r *PGRepository) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = $1 FOR UPDATE`
	t, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Transaction{}, notFoundOr(err, "escrow: lock transaction")
	}
	return t, nil
}

func (r *PGRepository) UpdateTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	const updateSQL = `
UPDATE transactions
SET status = $2,
    payment_id = $3,
    meetup_location = $4,
    countdown_start = $5,
    countdown_end = $6,
    updated_at = $7
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, t.ID, t.Status, t.PaymentID, t.MeetupLocation, t.CountdownStart, t.CountdownEnd, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkItemSold(ctx context.Context, tx pgx.Tx, itemID string) error {
	const updateSQL = `
UPDATE items
SET availability_status = 'SOLD',
    updated_at = now()
WHERE id = $1 AND availability_status <> 'SOLD'
`
	tag, err := tx.Exec(ctx, updateSQL, itemID)
	if err != nil {
		return fmt.Errorf("escrow: mark item sold: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: check item: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: item %s already sold", ErrInvalidState, itemID)
}

func (r *PGRepository) GetUserForUpdate(ctx context.Context, tx pgx.Tx, id string) (User, error) {
	query := `SELECT ` + fmt.Sprintf(userColumns, "u") + ` FROM users u WHERE u.id = $1 FOR UPDATE`
	u, err := scanUser(tx.QueryRow(ctx, query, id))
	if err != nil {
		return User{}, notFoundOr(err, "escrow: lock user")
	}
	return u, nil
}

func (r *PGRepository) UpdateUserStats(ctx context.Context, tx pgx.Tx, u User) error {
	const updateSQL = `
UPDATE users
SET completed_deals = $2,
    cancellation_rate = $3,
    trust_score = $4,
    badges = $5,
    updated_at = now()
WHERE id = $1
`
	badges := u.Badges
	if badges == nil {
		badges = []string{}
	}
	tag, err := tx.Exec(ctx, updateSQL, u.ID, u.CompletedDeals, u.CancellationRate, u.TrustScore, badges)
	if err != nil {
		return fmt.Errorf("escrow: update user stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) RecordTransition(ctx context.Context, tx pgx.Tx, ev TransitionEvent) error {
	payload := map[string]any{
		"transaction_id":  ev.TransactionID,
		"action":          ev.Action,
		"previous_status": ev.Previous,
		"next_status":     ev.Next,
		"occurred_at":     ev.OccurredAt.UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}

	var actor any
	if ev.ActorID != "" {
		actor = ev.ActorID
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO transaction_events (transaction_id, type, payload, actor_id)
VALUES ($1, 'TRANSACTION_STATUS_CHANGED', $2::jsonb, $3::uuid)
`, ev.TransactionID, body, actor); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}

	topic := OutboxTopicStatusChanged
	if ev.Next == StatusCompleted {
		topic = OutboxTopicCompleted
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

func (r *PGRepository) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = $1`
	t, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return Transaction{}, notFoundOr(err, "escrow: get transaction")
	}
	return t, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	query := `
SELECT ` + transactionColumns + `,
       ` + fmt.Sprintf(userColumns, "b") + `,
       ` + fmt.Sprintf(userColumns, "s") + `,
       ` + itemColumns + `,
       lm.id, lm.sender_id::text, lm.content, lm.is_ai, lm.created_at
FROM transactions t
JOIN users b ON b.id = t.buyer_id
JOIN users s ON s.id = t.seller_id
JOIN items i ON i.id = t.item_id
LEFT JOIN LATERAL (
    SELECT m.id, m.sender_id, m.content, m.is_ai, m.created_at
    FROM messages m
    WHERE m.transaction_id = t.id
    ORDER BY m.created_at DESC, m.id DESC
    LIMIT 1
) lm ON true
WHERE t.buyer_id = $1 OR t.seller_id = $1
ORDER BY t.updated_at DESC
`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, 8)
	for rows.Next() {
		var (
			sum          Summary
			tr           transactionRow
			buyer        userRow
			seller       userRow
			item         itemRow
			msgID        *string
			msgSender    *string
			msgContent   *string
			msgIsAI      *bool
			msgCreatedAt *time.Time
		)
		dest := append(tr.dest(), buyer.dest()...)
		dest = append(dest, seller.dest()...)
		dest = append(dest, item.dest()...)
		dest = append(dest, &msgID, &msgSender, &msgContent, &msgIsAI, &msgCreatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("escrow: scan transaction summary: %w", err)
		}
		if sum.Transaction, err = tr.value(); err != nil {
			return nil, err
		}
		sum.Buyer = buyer.value()
		sum.Seller = seller.value()
		if sum.Item, err = item.value(); err != nil {
			return nil, err
		}
		if msgID != nil {
			sum.LatestMessage = &Message{
				ID:            *msgID,
				TransactionID: sum.Transaction.ID,
				SenderID:      deref(msgSender),
				Content:       deref(msgContent),
				IsAI:          msgIsAI != nil && *msgIsAI,
				CreatedAt:     derefTime(msgCreatedAt),
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate transactions: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetDetail(ctx context.Context, id string, recentMessages int) (Detail, error) {
	query := `
SELECT ` + transactionColumns + `,
       ` + fmt.Sprintf(userColumns, "b") + `,
       ` + fmt.Sprintf(userColumns, "s") + `,
       ` + itemColumns + `
FROM transactions t
JOIN users b ON b.id = t.buyer_id
JOIN users s ON s.id = t.seller_id
JOIN items i ON i.id = t.item_id
WHERE t.id = $1
`
	var (
		tr     transactionRow
		buyer  userRow
		seller userRow
		item   itemRow
	)
	dest := append(tr.dest(), buyer.dest()...)
	dest = append(dest, seller.dest()...)
	dest = append(dest, item.dest()...)
	if err := r.db.QueryRow(ctx, query, id).Scan(dest...); err != nil {
		return Detail{}, notFoundOr(err, "escrow: get detail")
	}

	var (
		d   Detail
		err error
	)
	if d.Transaction, err = tr.value(); err != nil {
		return Detail{}, err
	}
	d.Buyer = buyer.value()
	d.Seller = seller.value()
	if d.Item, err = item.value(); err != nil {
		return Detail{}, err
	}

	// Latest first from the store, replayed oldest first to the caller.
	latest, err := r.ListMessages(ctx, MessageQuery{TransactionID: id, Order: OrderDescending, Limit: recentMessages})
	if err != nil {
		return Detail{}, err
	}
	d.Messages = make([]Message, 0, len(latest))
	for i := len(latest) - 1; i >= 0; i-- {
		d.Messages = append(d.Messages, latest[i])
	}
	return d, nil
}

func (r *PGRepository) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	query := `
SELECT id, transaction_id::text, sender_id::text, content, is_ai, created_at
FROM messages
WHERE transaction_id = $1
  AND ($2::timestamptz IS NULL
       OR created_at > $2::timestamptz
       OR ($4::text <> '' AND created_at = $2::timestamptz AND id > $4::text))
`
	if q.Order == OrderDescending {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	query += ` LIMIT $3`

	rows, err := r.db.Query(ctx, query, q.TransactionID, q.After, q.Limit, q.AfterID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 16)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.SenderID, &m.Content, &m.IsAI, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate messages: %w", err)
	}
	return out, nil
}

func (r *PGRepository) InsertMessage(ctx context.Context, m Message) (Message, error) {
	const insertSQL = `
INSERT INTO messages (id, transaction_id, sender_id, content, is_ai)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, transaction_id::text, sender_id::text, content, is_ai, created_at
`
	var out Message
	err := r.db.QueryRow(ctx, insertSQL, m.ID, m.TransactionID, m.SenderID, m.Content, m.IsAI).
		Scan(&out.ID, &out.TransactionID, &out.SenderID, &out.Content, &out.IsAI, &out.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("escrow: insert message: %w", err)
	}
	return out, nil
}

type transactionRow struct {
	t      Transaction
	amount string
}

func (r *transactionRow) dest() []any {
	return []any{
		&r.t.ID, &r.t.BuyerID, &r.t.SellerID, &r.t.ItemID, &r.t.Status,
		&r.amount, &r.t.PaymentID, &r.t.MeetupLocation, &r.t.CountdownStart, &r.t.CountdownEnd,
		&r.t.CreatedAt, &r.t.UpdatedAt,
	}
}

func (r *transactionRow) value() (Transaction, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: parse escrow amount: %w", err)
	}
	r.t.EscrowAmount = amount
	return r.t, nil
}

type userRow struct {
	u            User
	verification string
}

func (r *userRow) dest() []any {
	return []any{
		&r.u.ID, &r.u.Name, &r.verification, &r.u.AvgRating, &r.u.CompletedDeals,
		&r.u.CancellationRate, &r.u.TrustScore, &r.u.Badges,
	}
}

func (r *userRow) value() User {
	r.u.VerificationStatus = trust.Verification(r.verification)
	if r.u.Badges == nil {
		r.u.Badges = []string{}
	}
	return r.u
}

type itemRow struct {
	i     Item
	price string
}

func (r *itemRow) dest() []any {
	return []any{&r.i.ID, &r.i.SellerID, &r.i.Name, &r.price, &r.i.AvailabilityStatus}
}

func (r *itemRow) value() (Item, error) {
	price, err := decimal.NewFromString(r.price)
	if err != nil {
		return Item{}, fmt.Errorf("escrow: parse item price: %w", err)
	}
	r.i.Price = price
	return r.i, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var tr transactionRow
	if err := row.Scan(tr.dest()...); err != nil {
		return Transaction{}, err
	}
	return tr.value()
}

func scanUser(row pgx.Row) (User, error) {
	var ur userRow
	if err := row.Scan(ur.dest()...); err != nil {
		return User{}, err
	}
	return ur.value(), nil
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	// invalid_text_representation: a malformed uuid can never match a row.
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
