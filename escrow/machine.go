package escrow

import (
	"strings"
	"time"
)

// Action names a client operation on a transaction.
type Action string

const (
	ActionAccept          Action = "accept"
	ActionReject          Action = "reject"
	ActionPay             Action = "pay"
	ActionSetMeetup       Action = "set_meetup"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionMarkPaid        Action = "mark_paid"
	ActionMarkReceived    Action = "mark_received"
)

// Role is the caller's side of a transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Effect is a write outside the transaction row that must commit with it.
type Effect string

const (
	// EffectItemSold marks the item SOLD.
	EffectItemSold Effect = "item_sold"
	// EffectDealCompleted bumps both parties' deal counters and rescores the seller.
	EffectDealCompleted Effect = "deal_completed"
)

// Payload carries the action-specific inputs.
type Payload struct {
	PaymentID string
	Location  string
}

// Outcome is the result of evaluating an action.
type Outcome struct {
	Previous Status
	Next     Transaction
	// Changed is false for idempotent re-entry; nothing must be written then.
	Changed bool
	Effects []Effect
}

type rule struct {
	roles []Role
	from  []Status
	apply func(tx *Transaction, p Payload, now time.Time)
}

const maxLocationLen = 500

var rules = map[Action]rule{
	ActionAccept: {
		roles: []Role{RoleSeller},
		from:  []Status{StatusRequested},
		apply: func(tx *Transaction, _ Payload, _ time.Time) { tx.Status = StatusAccepted },
	},
	ActionReject: {
		roles: []Role{RoleSeller},
		from:  []Status{StatusRequested},
		apply: func(tx *Transaction, _ Payload, _ time.Time) { tx.Status = StatusCancelled },
	},
	ActionPay: {
		roles: []Role{RoleBuyer},
		from:  []Status{StatusAccepted},
		apply: func(tx *Transaction, p Payload, now time.Time) {
			start := now
			end := now.Add(CountdownWindow)
			paymentID := p.PaymentID
			tx.Status = StatusPaid
			tx.PaymentID = &paymentID
			tx.CountdownStart = &start
			tx.CountdownEnd = &end
		},
	},
	ActionSetMeetup: {
		roles: []Role{RoleBuyer, RoleSeller},
		from:  []Status{StatusRequested, StatusAccepted},
		apply: func(tx *Transaction, p Payload, _ time.Time) {
			location := p.Location
			tx.Status = StatusMeeting
			tx.MeetupLocation = &location
		},
	},
	ActionConfirmDelivery: {
		roles: []Role{RoleSeller},
		from:  []Status{StatusPaid, StatusMeeting},
		apply: func(tx *Transaction, _ Payload, _ time.Time) { tx.Status = StatusMeeting },
	},
	ActionMarkPaid: {
		roles: []Role{RoleBuyer},
		from:  []Status{StatusMeeting},
		apply: func(tx *Transaction, _ Payload, _ time.Time) {
			paymentID := PhysicalPaymentID
			tx.Status = StatusPaid
			tx.PaymentID = &paymentID
		},
	},
	ActionMarkReceived: {
		roles: []Role{RoleBuyer},
		from:  []Status{StatusPaid},
		apply: func(tx *Transaction, _ Payload, _ time.Time) { tx.Status = StatusCompleted },
	},
}

// RoleOf resolves the caller's role in tx.
func RoleOf(tx Transaction, userID string) (Role, error) {
	switch {
	case userID == "":
		return "", ErrForbidden
	case userID == tx.BuyerID:
		return RoleBuyer, nil
	case userID == tx.SellerID:
		return RoleSeller, nil
	default:
		return "", ErrForbidden
	}
}

// Apply evaluates action against tx without touching storage. Guards run in
// order: role, payload, status. On error the caller must not persist anything.
func Apply(tx Transaction, role Role, action Action, p Payload, now time.Time) (Outcome, error) {
	r, ok := rules[action]
	if !ok {
		return Outcome{}, validationError("unknown action %q", action)
	}
	if !containsRole(r.roles, role) {
		return Outcome{}, ErrForbidden
	}
	p, err := normalizePayload(action, p)
	if err != nil {
		return Outcome{}, err
	}
	if !containsStatus(r.from, tx.Status) {
		return Outcome{}, &InvalidStateError{Action: action, Current: tx.Status}
	}

	out := Outcome{Previous: tx.Status, Next: tx}

	// Seller confirming an already MEETING deal is a no-op re-entry.
	if action == ActionConfirmDelivery && tx.Status == StatusMeeting {
		return out, nil
	}

	r.apply(&out.Next, p, now)
	out.Next.UpdatedAt = now
	out.Changed = true

	if out.Next.Status == StatusCompleted {
		out.Effects = []Effect{EffectItemSold, EffectDealCompleted}
	}
	return out, nil
}

// AllowedFrom lists the statuses action may start from.
func AllowedFrom(action Action) []Status {
	r, ok := rules[action]
	if !ok {
		return nil
	}
	out := make([]Status, len(r.from))
	copy(out, r.from)
	return out
}

// AllActions lists every action the evaluator knows.
func AllActions() []Action {
	return []Action{ActionAccept, ActionReject, ActionPay, ActionSetMeetup, ActionConfirmDelivery, ActionMarkPaid, ActionMarkReceived}
}

func normalizePayload(action Action, p Payload) (Payload, error) {
	switch action {
	case ActionPay:
		p.PaymentID = strings.TrimSpace(p.PaymentID)
		if p.PaymentID == "" {
			return p, validationError("payment id required")
		}
	case ActionSetMeetup:
		p.Location = strings.TrimSpace(p.Location)
		if p.Location == "" {
			return p, validationError("meetup location required")
		}
		if len([]rune(p.Location)) > maxLocationLen {
			return p, validationError("meetup location longer than %d characters", maxLocationLen)
		}
	}
	return p, nil
}

func containsRole(roles []Role, r Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}
