package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

// memStore is an in-memory Repository. Writes made through a fakeTx are
// staged and only become visible on Commit; a single lock taken by
// GetTransactionForUpdate stands in for the row lock.
type memStore struct {
	mu           sync.Mutex
	rowLock      sync.Mutex
	transactions map[string]Transaction
	items        map[string]Item
	users        map[string]User
	messages     []Message
	events       []TransitionEvent

	failOn  string
	clockMu sync.Mutex
	clock   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		transactions: make(map[string]Transaction),
		items:        make(map[string]Item),
		users:        make(map[string]User),
		clock:        time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{store: m}, nil
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return fmt.Errorf("injected failure in %s", op)
	}
	return nil
}

func (m *memStore) seed(t Transaction, item Item, users ...User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[t.ID] = t
	m.items[item.ID] = item
	for _, u := range users {
		m.users[u.ID] = u
	}
}

func (m *memStore) snapshot() (map[string]Transaction, map[string]Item, map[string]User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := make(map[string]Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txs[k] = v
	}
	items := make(map[string]Item, len(m.items))
	for k, v := range m.items {
		items[k] = v
	}
	users := make(map[string]User, len(m.users))
	for k, v := range m.users {
		users[k] = v
	}
	return txs, items, users
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func asFake(tx pgx.Tx) *fakeTx {
	f, ok := tx.(*fakeTx)
	if !ok {
		panic("memStore used with a foreign pgx.Tx")
	}
	return f
}

func (m *memStore) GetTransactionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	f := asFake(tx)
	if !f.locked {
		m.rowLock.Lock()
		f.locked = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) UpdateTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	if err := m.fail("UpdateTransaction"); err != nil {
		return err
	}
	asFake(tx).stage(func() { m.transactions[t.ID] = t })
	return nil
}

func (m *memStore) MarkItemSold(ctx context.Context, tx pgx.Tx, itemID string) error {
	if err := m.fail("MarkItemSold"); err != nil {
		return err
	}
	m.mu.Lock()
	item, ok := m.items[itemID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if item.AvailabilityStatus == AvailabilitySold {
		return fmt.Errorf("%w: item %s already sold", ErrInvalidState, itemID)
	}
	item.AvailabilityStatus = AvailabilitySold
	asFake(tx).stage(func() { m.items[itemID] = item })
	return nil
}

func (m *memStore) GetUserForUpdate(ctx context.Context, tx pgx.Tx, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memStore) UpdateUserStats(ctx context.Context, tx pgx.Tx, u User) error {
	if err := m.fail("UpdateUserStats"); err != nil {
		return err
	}
	asFake(tx).stage(func() { m.users[u.ID] = u })
	return nil
}

func (m *memStore) RecordTransition(ctx context.Context, tx pgx.Tx, ev TransitionEvent) error {
	if err := m.fail("RecordTransition"); err != nil {
		return err
	}
	asFake(tx).stage(func() { m.events = append(m.events, ev) })
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Summary{}
	for _, t := range m.transactions {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		sum := Summary{Transaction: t, Buyer: m.users[t.BuyerID], Seller: m.users[t.SellerID], Item: m.items[t.ItemID]}
		for i := len(m.messages) - 1; i >= 0; i-- {
			if m.messages[i].TransactionID == t.ID {
				msg := m.messages[i]
				sum.LatestMessage = &msg
				break
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Transaction.ID < out[j].Transaction.ID })
	return out, nil
}

func (m *memStore) GetDetail(ctx context.Context, id string, recent int) (Detail, error) {
	m.mu.Lock()
	t, ok := m.transactions[id]
	m.mu.Unlock()
	if !ok {
		return Detail{}, ErrNotFound
	}
	latest, err := m.ListMessages(ctx, MessageQuery{TransactionID: id, Order: OrderDescending, Limit: recent})
	if err != nil {
		return Detail{}, err
	}
	msgs := make([]Message, 0, len(latest))
	for i := len(latest) - 1; i >= 0; i-- {
		msgs = append(msgs, latest[i])
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Detail{Transaction: t, Buyer: m.users[t.BuyerID], Seller: m.users[t.SellerID], Item: m.items[t.ItemID], Messages: msgs}, nil
}

func (m *memStore) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Message{}
	for _, msg := range m.messages {
		if msg.TransactionID != q.TransactionID {
			continue
		}
		if q.After != nil && !msg.CreatedAt.After(*q.After) {
			if q.AfterID == "" || !msg.CreatedAt.Equal(*q.After) || msg.ID <= q.AfterID {
				continue
			}
		}
		out = append(out, msg)
	}
	if q.Order == OrderDescending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	m.clockMu.Lock()
	m.clock = m.clock.Add(time.Second)
	msg.CreatedAt = m.clock
	m.clockMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[msg.TransactionID]; !ok {
		return Message{}, ErrNotFound
	}
	m.messages = append(m.messages, msg)
	return msg, nil
}

type fakeTx struct {
	store     *memStore
	pending   []func()
	locked    bool
	done      bool
	committed bool
	rolled    bool
}

func (f *fakeTx) stage(fn func()) {
	f.pending = append(f.pending, fn)
}

func (f *fakeTx) release() {
	if f.locked {
		f.locked = false
		f.store.rowLock.Unlock()
	}
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.done = true
	f.committed = true
	f.store.mu.Lock()
	for _, fn := range f.pending {
		fn()
	}
	f.store.mu.Unlock()
	f.release()
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.done = true
	f.rolled = true
	f.pending = nil
	f.release()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

const (
	buyerID    = "buyer-a"
	sellerID   = "seller-b"
	strangerID = "stranger-c"
	itemID     = "item-i"
	txID       = "tx-t"
)

func fixture(status Status) (Transaction, Item, User, User) {
	created := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	t := Transaction{
		ID:           txID,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		ItemID:       itemID,
		Status:       status,
		EscrowAmount: decimal.RequireFromString("120.50"),
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	item := Item{ID: itemID, SellerID: sellerID, Name: "Desk lamp", Price: decimal.RequireFromString("120.50"), AvailabilityStatus: AvailabilityAvailable}
	buyer := User{ID: buyerID, Name: "Alice", VerificationStatus: trust.VerificationVerified, AvgRating: 4.2, CompletedDeals: 2, Badges: []string{}}
	seller := User{ID: sellerID, Name: "Bob", VerificationStatus: trust.VerificationVerified, AvgRating: 4.9, CompletedDeals: 4, CancellationRate: 0.25, TrustScore: 10, Badges: []string{"stale_badge"}}
	return t, item, buyer, seller
}
