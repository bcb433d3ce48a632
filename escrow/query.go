package escrow

import (
	"strings"
	"time"
)

// SortOrder orders messages by created_at.
type SortOrder string

const (
	OrderAscending  SortOrder = "asc"
	OrderDescending SortOrder = "desc"
)

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// MessageQuery selects messages of one transaction. Zero values mean: no
// lower bound, ascending order, default limit.
type MessageQuery struct {
	TransactionID string
	// After keeps messages created strictly after this instant.
	After *time.Time
	// AfterID turns After into a keyset cursor: messages at exactly After
	// are kept when their id sorts after AfterID. Ascending order only.
	AfterID string
	Order   SortOrder
	Limit int
}

// Normalize fills defaults and validates the query before it reaches the store.
func (q MessageQuery) Normalize() (MessageQuery, error) {
	q.TransactionID = strings.TrimSpace(q.TransactionID)
	if q.TransactionID == "" {
		return q, validationError("message query: transaction id required")
	}
	switch q.Order {
	case "":
		q.Order = OrderAscending
	case OrderAscending, OrderDescending:
	default:
		return q, validationError("message query: unknown order %q", q.Order)
	}
	switch {
	case q.Limit == 0:
		q.Limit = defaultMessageLimit
	case q.Limit < 0:
		return q, validationError("message query: negative limit")
	case q.Limit > maxMessageLimit:
		q.Limit = maxMessageLimit
	}
	if q.After != nil && q.After.IsZero() {
		q.After = nil
	}
	q.AfterID = strings.TrimSpace(q.AfterID)
	if q.AfterID != "" && (q.After == nil || q.Order != OrderAscending) {
		return q, validationError("message query: id cursor needs After and ascending order")
	}
	return q, nil
}
