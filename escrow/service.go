// Package escrow implements the buyer/seller transaction lifecycle: the
// role-guarded state machine, the completion cascade and the chat reads and
// writes that hang off a transaction.
package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

const (
	maxMessageLen        = 2000
	detailRecentMessages = 50
)

// Service applies actions to transactions. Every action runs in one database
// transaction with the transaction row locked, so concurrent callers
// serialise and a cascade is never observable half-applied.
type Service struct {
	pool   TxBeginner
	repo   Repository
	engine *trust.Engine
	now    func() time.Time
	newID  func() string
	log    *zap.Logger

	messagePage int
}

// NewService wires the service. A nil engine uses the default badge rules.
func NewService(pool TxBeginner, repo Repository, engine *trust.Engine) *Service {
	if engine == nil {
		engine = trust.DefaultEngine()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		engine: engine,
		now:    time.Now,
		newID:  NewMessageID,
		log:    zap.L().Named("escrow"),

		messagePage: maxMessageLimit,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// WithMessagePageSize sets how many messages NewMessages reads per round
// trip, capped at the store's query limit.
func (s *Service) WithMessagePageSize(n int) *Service {
	switch {
	case n > maxMessageLimit:
		s.messagePage = maxMessageLimit
	case n > 0:
		s.messagePage = n
	}
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	s.log = l.Named("escrow")
	return s
}

// AcceptOrReject lets the seller answer a purchase request.
func (s *Service) AcceptOrReject(ctx context.Context, callerID, id string, accept bool) (Transaction, error) {
	action := ActionReject
	if accept {
		action = ActionAccept
	}
	return s.transition(ctx, callerID, id, action, Payload{})
}

// Pay records the upstream-verified online payment and starts the countdown.
func (s *Service) Pay(ctx context.Context, callerID, id, paymentID string) (Transaction, error) {
	return s.transition(ctx, callerID, id, ActionPay, Payload{PaymentID: paymentID})
}

// SetMeetup fixes where the parties meet.
func (s *Service) SetMeetup(ctx context.Context, callerID, id, location string) (Transaction, error) {
	return s.transition(ctx, callerID, id, ActionSetMeetup, Payload{Location: location})
}

// ConfirmDelivery is the seller's handover confirmation. Repeating it is a no-op.
func (s *Service) ConfirmDelivery(ctx context.Context, callerID, id string) (Transaction, error) {
	return s.transition(ctx, callerID, id, ActionConfirmDelivery, Payload{})
}

// MarkPaid records a cash payment made at the meetup.
func (s *Service) MarkPaid(ctx context.Context, callerID, id string) (Transaction, error) {
	return s.transition(ctx, callerID, id, ActionMarkPaid, Payload{})
}

// MarkReceived completes the deal: item sold, counters bumped, seller rescored.
func (s *Service) MarkReceived(ctx context.Context, callerID, id string) (Transaction, error) {
	return s.transition(ctx, callerID, id, ActionMarkReceived, Payload{})
}

func (s *Service) transition(ctx context.Context, callerID, id string, action Action, p Payload) (Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return Transaction{}, validationError("transaction id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetTransactionForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	role, err := RoleOf(current, callerID)
	if err != nil {
		return Transaction{}, err
	}

	now := s.now().UTC()
	out, err := Apply(current, role, action, p, now)
	if err != nil {
		return Transaction{}, err
	}
	if !out.Changed {
		return current, nil
	}

	if err := s.repo.UpdateTransaction(ctx, tx, out.Next); err != nil {
		return Transaction{}, err
	}
	for _, effect := range out.Effects {
		if err := s.applyEffect(ctx, tx, out.Next, effect); err != nil {
			return Transaction{}, err
		}
	}
	if err := s.repo.RecordTransition(ctx, tx, TransitionEvent{
		TransactionID: out.Next.ID,
		ActorID:       callerID,
		Action:        action,
		Previous:      out.Previous,
		Next:          out.Next.Status,
		OccurredAt:    now,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit %s: %w", action, err)
	}

	s.log.Info("transaction transitioned",
		zap.String("transaction_id", out.Next.ID),
		zap.String("action", string(action)),
		zap.String("role", string(role)),
		zap.String("from", string(out.Previous)),
		zap.String("to", string(out.Next.Status)))
	return out.Next, nil
}

func (s *Service) applyEffect(ctx context.Context, tx pgx.Tx, t Transaction, effect Effect) error {
	switch effect {
	case EffectItemSold:
		return s.repo.MarkItemSold(ctx, tx, t.ItemID)
	case EffectDealCompleted:
		return s.completeDeal(ctx, tx, t)
	default:
		return fmt.Errorf("escrow: unknown effect %q", effect)
	}
}

// completeDeal locks both parties in id order so two completions touching the
// same pair of users cannot deadlock.
func (s *Service) completeDeal(ctx context.Context, tx pgx.Tx, t Transaction) error {
	ids := []string{t.BuyerID, t.SellerID}
	sort.Strings(ids)

	users := make(map[string]User, 2)
	for _, id := range ids {
		u, err := s.repo.GetUserForUpdate(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("escrow: lock party %s: %w", id, err)
		}
		users[id] = u
	}

	seller := users[t.SellerID]
	stats := seller.Stats().AfterCompletion()
	score, badges := s.engine.Evaluate(stats)
	seller.CompletedDeals = stats.CompletedDeals
	seller.CancellationRate = stats.CancellationRate
	seller.TrustScore = score
	seller.Badges = badges
	if err := s.repo.UpdateUserStats(ctx, tx, seller); err != nil {
		return err
	}

	buyer := users[t.BuyerID]
	buyer.CompletedDeals++
	return s.repo.UpdateUserStats(ctx, tx, buyer)
}

// List returns the caller's transactions with their latest message.
func (s *Service) List(ctx context.Context, callerID string) ([]Summary, error) {
	if callerID == "" {
		return nil, ErrForbidden
	}
	return s.repo.ListForUser(ctx, callerID)
}

// Get returns the detail view if the caller is a party.
func (s *Service) Get(ctx context.Context, callerID, id string) (Detail, error) {
	d, err := s.repo.GetDetail(ctx, id, detailRecentMessages)
	if err != nil {
		return Detail{}, err
	}
	if _, err := RoleOf(d.Transaction, callerID); err != nil {
		return Detail{}, err
	}
	return d, nil
}

// NewMessages returns every message created strictly after the given
// instant, oldest first. It pages through the store with a (created_at, id)
// cursor so a long backlog is never cut short.
func (s *Service) NewMessages(ctx context.Context, callerID, id string, after time.Time) ([]Message, error) {
	if _, err := s.authorize(ctx, callerID, id); err != nil {
		return nil, err
	}
	q := MessageQuery{TransactionID: id, Order: OrderAscending, Limit: s.messagePage}
	if !after.IsZero() {
		a := after.UTC()
		q.After = &a
	}

	out := []Message{}
	for {
		page, err := s.repo.ListMessages(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < q.Limit {
			return out, nil
		}
		last := page[len(page)-1]
		cursor := last.CreatedAt
		q.After, q.AfterID = &cursor, last.ID
	}
}

// PostMessage appends a chat message from the caller.
func (s *Service) PostMessage(ctx context.Context, callerID, id, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, validationError("message content required")
	}
	if len([]rune(content)) > maxMessageLen {
		return Message{}, validationError("message longer than %d characters", maxMessageLen)
	}
	if _, err := s.authorize(ctx, callerID, id); err != nil {
		return Message{}, err
	}
	return s.repo.InsertMessage(ctx, Message{
		ID:            s.newID(),
		TransactionID: id,
		SenderID:      callerID,
		Content:       content,
	})
}

func (s *Service) authorize(ctx context.Context, callerID, id string) (Role, error) {
	if strings.TrimSpace(id) == "" {
		return "", validationError("transaction id required")
	}
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	return RoleOf(t, callerID)
}
