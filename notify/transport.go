package notify

import (
	"context"
	"time"
)

// TransactionRef is the slice of a transaction the poller reasons about.
type TransactionRef struct {
	ID         string
	BuyerID    string
	BuyerName  string
	SellerID   string
	SellerName string
}

// Message is a chat line as seen by the poller.
type Message struct {
	ID            string
	TransactionID string
	SenderID      string
	Content       string
	CreatedAt     time.Time
}

// Transport fetches on behalf of the signed-in user.
type Transport interface {
	ListTransactions(ctx context.Context) ([]TransactionRef, error)
	// NewMessages returns messages created strictly after the instant,
	// oldest first.
	NewMessages(ctx context.Context, transactionID string, after time.Time) ([]Message, error)
}
