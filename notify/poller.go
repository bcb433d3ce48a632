// Package notify polls the signed-in user's transactions for counterpart chat
// messages they have not seen yet and publishes at most one alert per
// transaction per tick.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultSkew         = 500 * time.Millisecond
	DefaultPreviewLimit = 50
	defaultConcurrency  = 4
	ellipsis            = "..."
)

var (
	// ErrTransient marks a fetch failure. It is logged and never surfaced;
	// the next tick retries.
	ErrTransient = errors.New("notify: transient fetch failure")
	// ErrNotStarted is returned by RunOnce when no session is active.
	ErrNotStarted = errors.New("notify: poller not started")
)

// Config wires a Poller. Zero durations and limits take the defaults.
type Config struct {
	Transport Transport
	Publisher Publisher
	Clock     Clock
	// Visibility reports whether the client surface is on screen. Nil means
	// always visible.
	Visibility       func() bool
	Interval         time.Duration
	Skew             time.Duration
	PreviewLimit     int
	FetchConcurrency int
	Logger           *zap.Logger
}

// TickResult summarises one pass.
type TickResult struct {
	Skipped  bool
	Notified int
	Failures int
}

// Poller is one session's notification loop. The watermarks and the
// suppression set belong to the session and are dropped when it ends;
// callers only use the methods below.
type Poller struct {
	cfg Config
	log *zap.Logger

	lifecycle sync.Mutex // serialises Start and Stop
	inFlight  atomic.Bool

	mu         sync.Mutex
	userID     string
	generation uint64
	running    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	lastCheck  time.Time
	lastSeen   map[string]time.Time
	active     map[string]struct{}
}

func NewPoller(cfg Config) (*Poller, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("notify: transport required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("notify: publisher required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Skew < 0 {
		return nil, fmt.Errorf("notify: negative skew")
	}
	if cfg.Skew == 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = DefaultPreviewLimit
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultConcurrency
	}
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	return &Poller{
		cfg:      cfg,
		log:      log.Named("notify"),
		lastSeen: make(map[string]time.Time),
		active:   make(map[string]struct{}),
	}, nil
}

// Start begins polling for userID: one tick right away, then one per
// interval. Starting the running user again is a no-op; another user ends the
// previous session first.
func (p *Poller) Start(userID string) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	same := p.running && p.userID == userID
	p.mu.Unlock()
	if same {
		return
	}
	p.stop()

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.userID = userID
	p.running = true
	p.lastCheck = p.cfg.Clock.Now()
	p.lastSeen = make(map[string]time.Time)
	p.active = make(map[string]struct{})
	p.stopChan = make(chan struct{})
	p.doneChan = make(chan struct{})
	stopChan, doneChan := p.stopChan, p.doneChan
	p.mu.Unlock()

	p.log.Info("notification poller started",
		zap.String("user_id", userID),
		zap.Duration("interval", p.cfg.Interval))
	go p.pollLoop(gen, stopChan, doneChan)
}

// Stop ends the session and waits for the loop and any tick it fired.
// Results still in flight are discarded.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	p.stop()
}

func (p *Poller) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.generation++
	p.active = make(map[string]struct{})
	stopChan, doneChan := p.stopChan, p.doneChan
	user := p.userID
	p.mu.Unlock()

	close(stopChan)
	<-doneChan
	p.log.Info("notification poller stopped", zap.String("user_id", user))
}

// SetActiveTransaction suppresses alerts for a transaction whose chat is open.
func (p *Poller) SetActiveTransaction(id string) {
	p.mu.Lock()
	p.active[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Poller) RemoveActiveTransaction(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Running reports whether a session is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// RunOnce performs one tick for the current session. It is skipped when
// another tick is still in flight.
func (p *Poller) RunOnce(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	running, gen := p.running, p.generation
	p.mu.Unlock()
	if !running {
		return TickResult{}, ErrNotStarted
	}
	return p.tick(ctx, gen), nil
}

// pollLoop fires ticks on a fixed schedule from each tick's start. A tick
// runs in its own goroutine so a slow pass never delays the schedule; the
// in-flight guard turns the overlap into a skip.
func (p *Poller) pollLoop(gen uint64, stopChan <-chan struct{}, doneChan chan<- struct{}) {
	defer close(doneChan)

	ctx, cancel := context.WithCancel(context.Background())
	var ticks sync.WaitGroup
	defer func() {
		cancel()
		ticks.Wait()
	}()

	fire := func() {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			p.tick(ctx, gen)
		}()
	}

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	fire()
	for {
		select {
		case <-ticker.C():
			fire()
		case <-stopChan:
			return
		}
	}
}

type fetchResult struct {
	ref  TransactionRef
	msgs []Message
	err  error
}

func (p *Poller) tick(ctx context.Context, gen uint64) TickResult {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debug("tick skipped, previous tick still running")
		return TickResult{Skipped: true}
	}
	defer p.inFlight.Store(false)

	if p.cfg.Visibility != nil && !p.cfg.Visibility() {
		return TickResult{Skipped: true}
	}

	started := p.cfg.Clock.Now()

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return TickResult{Skipped: true}
	}
	userID := p.userID
	lastCheck := p.lastCheck
	seen := make(map[string]time.Time, len(p.lastSeen))
	for id, ts := range p.lastSeen {
		seen[id] = ts
	}
	suppressed := make(map[string]struct{}, len(p.active))
	for id := range p.active {
		suppressed[id] = struct{}{}
	}
	p.mu.Unlock()

	refs, err := p.cfg.Transport.ListTransactions(ctx)
	if err != nil {
		// lastCheck stays put so the next tick covers this window.
		p.log.Warn("list transactions failed",
			zap.String("user_id", userID),
			zap.Error(fmt.Errorf("%w: %v", ErrTransient, err)))
		return TickResult{Failures: 1}
	}

	candidates := make([]TransactionRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := suppressed[ref.ID]; ok {
			continue
		}
		candidates = append(candidates, ref)
	}

	results := make([]fetchResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, ref := range candidates {
		after := seen[ref.ID]
		if lastCheck.After(after) {
			after = lastCheck
		}
		after = after.Add(-p.cfg.Skew)
		g.Go(func() error {
			msgs, err := p.cfg.Transport.NewMessages(ctx, ref.ID, after)
			results[i] = fetchResult{ref: ref, msgs: msgs, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var (
		out    TickResult
		alerts []Notification
	)

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return TickResult{Skipped: true}
	}
	for _, res := range results {
		if res.err != nil {
			out.Failures++
			p.log.Warn("fetch messages failed",
				zap.String("transaction_id", res.ref.ID),
				zap.Error(fmt.Errorf("%w: %v", ErrTransient, res.err)))
			continue
		}
		if len(res.msgs) == 0 {
			continue
		}
		msgs := append([]Message(nil), res.msgs...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

		watermark := p.lastSeen[res.ref.ID]
		var unseen []Message
		for _, m := range msgs {
			if m.SenderID != userID && m.CreatedAt.After(watermark) {
				unseen = append(unseen, m)
			}
		}
		if len(unseen) > 0 {
			alerts = append(alerts, p.notification(res.ref, userID, unseen, started))
		}
		if newest := msgs[len(msgs)-1].CreatedAt; newest.After(watermark) {
			p.lastSeen[res.ref.ID] = newest
		}
	}
	p.lastCheck = started
	p.mu.Unlock()

	for _, n := range alerts {
		p.cfg.Publisher.Publish(n)
	}
	out.Notified = len(alerts)
	if out.Notified > 0 || out.Failures > 0 {
		p.log.Debug("tick finished",
			zap.Int("transactions", len(candidates)),
			zap.Int("notified", out.Notified),
			zap.Int("failures", out.Failures))
	}
	return out
}

func (p *Poller) notification(ref TransactionRef, userID string, unseen []Message, at time.Time) Notification {
	counterpartID, counterpartName := ref.SellerID, ref.SellerName
	if userID == ref.SellerID {
		counterpartID, counterpartName = ref.BuyerID, ref.BuyerName
	}
	return Notification{
		TransactionID:   ref.ID,
		CounterpartID:   counterpartID,
		CounterpartName: counterpartName,
		Preview:         Truncate(unseen[0].Content, p.cfg.PreviewLimit),
		Link:            ChatLink(ref.ID),
		Unseen:          len(unseen),
		At:              at,
	}
}

// Truncate caps s at limit runes and marks the cut with an ellipsis.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + ellipsis
}

// ChatLink is where a notification sends the user.
func ChatLink(transactionID string) string {
	return "/transactions/" + transactionID + "/chat"
}
