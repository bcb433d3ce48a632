package notify

import (
	"time"

	"go.uber.org/zap"
)

// Notification is the aggregated alert for one transaction and one tick.
type Notification struct {
	TransactionID   string
	CounterpartID   string
	CounterpartName string
	// Preview is the earliest unseen counterpart message, truncated.
	Preview string
	Link    string
	// Unseen counts the counterpart messages this alert covers.
	Unseen int
	At     time.Time
}

// Publisher hands notifications to the presentation layer.
type Publisher interface {
	Publish(n Notification)
}

// ChannelPublisher delivers notifications over a buffered channel. Publish
// never blocks; a full buffer drops the alert.
type ChannelPublisher struct {
	ch  chan Notification
	log *zap.Logger
}

func NewChannelPublisher(buffer int, log *zap.Logger) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.L()
	}
	return &ChannelPublisher{ch: make(chan Notification, buffer), log: log.Named("notify")}
}

func (p *ChannelPublisher) Publish(n Notification) {
	select {
	case p.ch <- n:
	default:
		p.log.Warn("notification dropped, subscriber is behind",
			zap.String("transaction_id", n.TransactionID))
	}
}

// Subscribe returns the receive side of the channel.
func (p *ChannelPublisher) Subscribe() <-chan Notification {
	return p.ch
}
