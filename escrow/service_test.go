package escrow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

type recordingPool struct {
	*memStore
	txMu sync.Mutex
	txs  []*fakeTx
}

func (p *recordingPool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, _ := p.memStore.Begin(ctx)
	p.txMu.Lock()
	p.txs = append(p.txs, tx.(*fakeTx))
	p.txMu.Unlock()
	return tx, nil
}

func (p *recordingPool) last() *fakeTx {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	if len(p.txs) == 0 {
		return nil
	}
	return p.txs[len(p.txs)-1]
}

var serviceNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, status Status) (*Service, *recordingPool) {
	t.Helper()
	store := newMemStore()
	tx, item, buyer, seller := fixture(status)
	store.seed(tx, item, buyer, seller)
	store.users[strangerID] = User{ID: strangerID, Name: "Carol"}

	pool := &recordingPool{memStore: store}
	ids := 0
	svc := NewService(pool, store, nil).
		WithClock(func() time.Time { return serviceNow }).
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("msg-%03d", ids)
		}).
		WithLogger(zaptest.NewLogger(t))
	return svc, pool
}

func mustStatus(t *testing.T, got Transaction, err error, want Status) Transaction {
	t.Helper()
	if err != nil {
		t.Fatalf("expected %s, got error %v", want, err)
	}
	if got.Status != want {
		t.Fatalf("expected %s, got %s", want, got.Status)
	}
	return got
}

func TestService_OnlinePaymentFlowCompletesDeal(t *testing.T) {
	ctx := context.Background()
	svc, pool := newTestService(t, StatusRequested)

	got, err := svc.AcceptOrReject(ctx, sellerID, txID, true)
	mustStatus(t, got, err, StatusAccepted)

	got, err = svc.Pay(ctx, buyerID, txID, "pay_abc")
	got = mustStatus(t, got, err, StatusPaid)
	if got.CountdownEnd == nil || !got.CountdownEnd.Equal(serviceNow.Add(CountdownWindow)) {
		t.Fatalf("countdown end = %v, want now+24h", got.CountdownEnd)
	}

	got, err = svc.ConfirmDelivery(ctx, sellerID, txID)
	mustStatus(t, got, err, StatusMeeting)

	if _, err := svc.MarkReceived(ctx, buyerID, txID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MEETING must go through mark paid first, got %v", err)
	}

	// Mark paid overwrites the online payment id with the cash marker.
	got, err = svc.MarkPaid(ctx, buyerID, txID)
	got = mustStatus(t, got, err, StatusPaid)
	if got.PaymentID == nil || *got.PaymentID != PhysicalPaymentID {
		t.Fatalf("payment id = %v, want %s", got.PaymentID, PhysicalPaymentID)
	}

	got, err = svc.MarkReceived(ctx, buyerID, txID)
	mustStatus(t, got, err, StatusCompleted)

	txs, items, users := pool.snapshot()
	if txs[txID].Status != StatusCompleted {
		t.Errorf("stored status = %s", txs[txID].Status)
	}
	if items[itemID].AvailabilityStatus != AvailabilitySold {
		t.Errorf("item availability = %s, want SOLD", items[itemID].AvailabilityStatus)
	}

	_, _, buyer, seller := fixture(StatusRequested)
	wantScore, wantBadges := trust.DefaultEngine().Evaluate(seller.Stats().AfterCompletion())

	gotSeller := users[sellerID]
	if gotSeller.CompletedDeals != 5 {
		t.Errorf("seller deals = %d, want 5", gotSeller.CompletedDeals)
	}
	if diff := gotSeller.CancellationRate - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("seller cancellation rate = %v, want 0.2", gotSeller.CancellationRate)
	}
	if gotSeller.TrustScore != wantScore || gotSeller.TrustScore != 83 {
		t.Errorf("seller score = %d, want %d (83)", gotSeller.TrustScore, wantScore)
	}
	if !reflect.DeepEqual(gotSeller.Badges, wantBadges) ||
		!reflect.DeepEqual(gotSeller.Badges, []string{trust.BadgeFirstDeal, trust.BadgeTopRated}) {
		t.Errorf("seller badges = %v, want %v", gotSeller.Badges, wantBadges)
	}
	if users[buyerID].CompletedDeals != buyer.CompletedDeals+1 {
		t.Errorf("buyer deals = %d, want %d", users[buyerID].CompletedDeals, buyer.CompletedDeals+1)
	}
	if users[buyerID].TrustScore != buyer.TrustScore {
		t.Errorf("buyer score must not be rescored")
	}
	if n := pool.eventCount(); n != 5 {
		t.Errorf("events = %d, want one per applied transition (5)", n)
	}
}

func TestService_RejectCancelsAndFreezes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, StatusRequested)

	got, err := svc.AcceptOrReject(ctx, sellerID, txID, false)
	mustStatus(t, got, err, StatusCancelled)

	_, err = svc.Pay(ctx, buyerID, txID, "pay_late")
	var ise *InvalidStateError
	if !errors.As(err, &ise) || ise.Current != StatusCancelled {
		t.Fatalf("expected InvalidStateError naming CANCELLED, got %v", err)
	}
	if _, err := svc.AcceptOrReject(ctx, sellerID, txID, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestService_CashFlowViaMeetup(t *testing.T) {
	ctx := context.Background()
	svc, pool := newTestService(t, StatusAccepted)

	got, err := svc.SetMeetup(ctx, buyerID, txID, "North gate")
	got = mustStatus(t, got, err, StatusMeeting)
	if got.MeetupLocation == nil || *got.MeetupLocation != "North gate" {
		t.Fatalf("meetup location = %v", got.MeetupLocation)
	}

	if _, err := svc.MarkPaid(ctx, buyerID, txID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if _, err := svc.MarkReceived(ctx, buyerID, txID); err != nil {
		t.Fatalf("mark received: %v", err)
	}

	txs, items, _ := pool.snapshot()
	if txs[txID].Status != StatusCompleted {
		t.Errorf("stored status = %s", txs[txID].Status)
	}
	if txs[txID].CountdownStart != nil {
		t.Errorf("cash flow must not start a countdown")
	}
	if items[itemID].AvailabilityStatus != AvailabilitySold {
		t.Errorf("item availability = %s, want SOLD", items[itemID].AvailabilityStatus)
	}
}

func TestService_RepeatConfirmDeliveryWritesNothing(t *testing.T) {
	ctx := context.Background()
	svc, pool := newTestService(t, StatusMeeting)

	before, _, _ := pool.snapshot()
	got, err := svc.ConfirmDelivery(ctx, sellerID, txID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !reflect.DeepEqual(before[txID], got) {
		t.Errorf("repeat confirm changed the transaction: %+v", got)
	}
	if n := pool.eventCount(); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}

	tx := pool.last()
	if tx == nil {
		t.Fatal("expected a database transaction")
	}
	if tx.committed || !tx.rolled {
		t.Errorf("expected rollback without commit, committed=%v rolled=%v", tx.committed, tx.rolled)
	}
}

func TestService_ForbiddenCallersWriteNothing(t *testing.T) {
	ctx := context.Background()
	svc, pool := newTestService(t, StatusPaid)

	if _, err := svc.MarkReceived(ctx, sellerID, txID); !errors.Is(err, ErrForbidden) {
		t.Errorf("seller mark received: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.AcceptOrReject(ctx, buyerID, txID, true); !errors.Is(err, ErrForbidden) {
		t.Errorf("buyer accept: expected ErrForbidden, got %v", err)
	}

	txs, _, _ := pool.snapshot()
	if txs[txID].Status != StatusPaid {
		t.Errorf("stored status = %s, want PAID", txs[txID].Status)
	}
	if n := pool.eventCount(); n != 0 {
		t.Errorf("events = %d, want 0", n)
	}
}

func applyAs(ctx context.Context, svc *Service, caller string, action Action) error {
	var err error
	switch action {
	case ActionAccept:
		_, err = svc.AcceptOrReject(ctx, caller, txID, true)
	case ActionReject:
		_, err = svc.AcceptOrReject(ctx, caller, txID, false)
	case ActionPay:
		_, err = svc.Pay(ctx, caller, txID, "pay_x")
	case ActionSetMeetup:
		_, err = svc.SetMeetup(ctx, caller, txID, "Main hall")
	case ActionConfirmDelivery:
		_, err = svc.ConfirmDelivery(ctx, caller, txID)
	case ActionMarkPaid:
		_, err = svc.MarkPaid(ctx, caller, txID)
	case ActionMarkReceived:
		_, err = svc.MarkReceived(ctx, caller, txID)
	default:
		err = fmt.Errorf("no service method for %s", action)
	}
	return err
}

func TestService_NonPartyForbiddenInEveryStatus(t *testing.T) {
	for _, status := range AllStatuses() {
		for _, action := range AllActions() {
			t.Run(fmt.Sprintf("%s/%s", status, action), func(t *testing.T) {
				svc, pool := newTestService(t, status)
				before, beforeItems, beforeUsers := pool.snapshot()

				err := applyAs(context.Background(), svc, strangerID, action)
				if !errors.Is(err, ErrForbidden) {
					t.Fatalf("expected ErrForbidden, got %v", err)
				}

				after, afterItems, afterUsers := pool.snapshot()
				if !reflect.DeepEqual(before, after) || !reflect.DeepEqual(beforeItems, afterItems) || !reflect.DeepEqual(beforeUsers, afterUsers) {
					t.Errorf("forbidden call changed stored state")
				}
				if n := pool.eventCount(); n != 0 {
					t.Errorf("events = %d, want 0", n)
				}
			})
		}
	}
}

func TestService_UnknownTransaction(t *testing.T) {
	svc, _ := newTestService(t, StatusRequested)
	if _, err := svc.AcceptOrReject(context.Background(), sellerID, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.AcceptOrReject(context.Background(), sellerID, "  ", true); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestService_CascadeFailureRollsBackEverything(t *testing.T) {
	for _, op := range []string{"MarkItemSold", "UpdateUserStats", "RecordTransition"} {
		t.Run(op, func(t *testing.T) {
			svc, pool := newTestService(t, StatusPaid)
			pool.failOn = op
			before, beforeItems, beforeUsers := pool.snapshot()

			if _, err := svc.MarkReceived(context.Background(), buyerID, txID); err == nil {
				t.Fatal("expected the cascade to fail")
			}

			after, afterItems, afterUsers := pool.snapshot()
			if !reflect.DeepEqual(before, after) {
				t.Errorf("transactions changed: %+v", after)
			}
			if !reflect.DeepEqual(beforeItems, afterItems) {
				t.Errorf("items changed: %+v", afterItems)
			}
			if !reflect.DeepEqual(beforeUsers, afterUsers) {
				t.Errorf("users changed: %+v", afterUsers)
			}
			if n := pool.eventCount(); n != 0 {
				t.Errorf("events = %d, want 0", n)
			}
			if !pool.last().rolled {
				t.Errorf("expected rollback")
			}
		})
	}
}

func TestService_ItemAlreadySoldBlocksCompletion(t *testing.T) {
	svc, pool := newTestService(t, StatusPaid)
	pool.mu.Lock()
	item := pool.items[itemID]
	item.AvailabilityStatus = AvailabilitySold
	pool.items[itemID] = item
	pool.mu.Unlock()

	if _, err := svc.MarkReceived(context.Background(), buyerID, txID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	txs, _, _ := pool.snapshot()
	if txs[txID].Status != StatusPaid {
		t.Errorf("stored status = %s, want PAID", txs[txID].Status)
	}
}

func TestService_ConcurrentMarkReceivedCompletesOnce(t *testing.T) {
	svc, pool := newTestService(t, StatusPaid)

	const callers = 8
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, errs[i] = svc.MarkReceived(context.Background(), buyerID, txID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var ok, invalid int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != callers-1 {
		t.Fatalf("ok=%d invalid=%d, want 1 and %d", ok, invalid, callers-1)
	}

	_, _, users := pool.snapshot()
	if users[sellerID].CompletedDeals != 5 || users[buyerID].CompletedDeals != 3 {
		t.Errorf("deal counters bumped more than once: seller=%d buyer=%d",
			users[sellerID].CompletedDeals, users[buyerID].CompletedDeals)
	}
	if n := pool.eventCount(); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestService_Messages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, StatusCompleted)

	if _, err := svc.PostMessage(ctx, buyerID, txID, "   "); !errors.Is(err, ErrValidation) {
		t.Errorf("blank: expected ErrValidation, got %v", err)
	}
	if _, err := svc.PostMessage(ctx, buyerID, txID, strings.Repeat("é", maxMessageLen+1)); !errors.Is(err, ErrValidation) {
		t.Errorf("too long: expected ErrValidation, got %v", err)
	}
	if _, err := svc.PostMessage(ctx, strangerID, txID, "hello?"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.PostMessage(ctx, buyerID, "missing", "hello?"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: expected ErrNotFound, got %v", err)
	}

	first, err := svc.PostMessage(ctx, buyerID, txID, "  see you at noon ")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if first.Content != "see you at noon" || first.ID != "msg-001" {
		t.Errorf("unexpected message %+v", first)
	}

	second, err := svc.PostMessage(ctx, sellerID, txID, strings.Repeat("é", maxMessageLen))
	if err != nil {
		t.Fatalf("post max length: %v", err)
	}

	all, err := svc.NewMessages(ctx, sellerID, txID, time.Time{})
	if err != nil {
		t.Fatalf("new messages: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID {
		t.Fatalf("unexpected messages %+v", all)
	}

	newer, err := svc.NewMessages(ctx, sellerID, txID, first.CreatedAt)
	if err != nil {
		t.Fatalf("new messages after first: %v", err)
	}
	if len(newer) != 1 || newer[0].ID != second.ID {
		t.Fatalf("unexpected messages %+v", newer)
	}

	if _, err := svc.NewMessages(ctx, strangerID, txID, time.Time{}); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger read: expected ErrForbidden, got %v", err)
	}
}

func TestService_NewMessagesDrainsEveryPage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, StatusPaid)
	svc.WithMessagePageSize(3)

	var posted []Message
	for i := 0; i < 10; i++ {
		m, err := svc.PostMessage(ctx, buyerID, txID, fmt.Sprintf("line %d", i))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		posted = append(posted, m)
	}

	all, err := svc.NewMessages(ctx, sellerID, txID, time.Time{})
	if err != nil {
		t.Fatalf("new messages: %v", err)
	}
	if len(all) != len(posted) {
		t.Fatalf("got %d messages, want %d", len(all), len(posted))
	}
	for i := range posted {
		if all[i].ID != posted[i].ID {
			t.Fatalf("message %d = %s, want %s", i, all[i].ID, posted[i].ID)
		}
	}

	rest, err := svc.NewMessages(ctx, sellerID, txID, posted[0].CreatedAt)
	if err != nil {
		t.Fatalf("new messages after first: %v", err)
	}
	if len(rest) != len(posted)-1 {
		t.Fatalf("got %d messages, want %d", len(rest), len(posted)-1)
	}
}

func TestService_NewMessagesPagesThroughEqualTimestamps(t *testing.T) {
	svc, pool := newTestService(t, StatusPaid)
	svc.WithMessagePageSize(2)

	at := serviceNow.Add(-time.Minute)
	pool.mu.Lock()
	for i := 1; i <= 5; i++ {
		pool.messages = append(pool.messages, Message{
			ID:            fmt.Sprintf("tie-%d", i),
			TransactionID: txID,
			SenderID:      sellerID,
			Content:       "same instant",
			CreatedAt:     at,
		})
	}
	pool.mu.Unlock()

	got, err := svc.NewMessages(context.Background(), buyerID, txID, at.Add(-time.Second))
	if err != nil {
		t.Fatalf("new messages: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5: %+v", len(got), got)
	}
	for i, m := range got {
		if want := fmt.Sprintf("tie-%d", i+1); m.ID != want {
			t.Errorf("message %d = %s, want %s", i, m.ID, want)
		}
	}
}

func TestService_ListAndGet(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, StatusAccepted)

	msg, err := svc.PostMessage(ctx, sellerID, txID, "still available")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	list, err := svc.List(ctx, buyerID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].LatestMessage == nil {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].LatestMessage.ID != msg.ID || list[0].Seller.Name != "Bob" {
		t.Errorf("unexpected summary %+v", list[0])
	}

	empty, err := svc.List(ctx, strangerID)
	if err != nil {
		t.Fatalf("list as stranger: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("stranger sees %d transactions", len(empty))
	}

	d, err := svc.Get(ctx, sellerID, txID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(d.Messages) != 1 {
		t.Errorf("detail messages = %d, want 1", len(d.Messages))
	}

	if _, err := svc.Get(ctx, strangerID, txID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger get: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, buyerID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get: expected ErrNotFound, got %v", err)
	}
}
