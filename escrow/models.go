package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eshantharjun9-hub/qiuckgrab/trust"
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusPaid      Status = "PAID"
	StatusMeeting   Status = "MEETING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// Terminal reports whether no action can move the transaction further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusRequested, StatusAccepted, StatusPaid, StatusMeeting, StatusCompleted, StatusCancelled, StatusRefunded}
}

// Availability is the catalog state of an item.
type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityReserved  Availability = "RESERVED"
	AvailabilitySold      Availability = "SOLD"
)

// PhysicalPaymentID is stored when the buyer pays in cash at the meetup.
const PhysicalPaymentID = "physical_payment"

// CountdownWindow is the time a meetup is expected within after payment.
const CountdownWindow = 24 * time.Hour

// User mirrors the users columns touched by the escrow flow.
type User struct {
	ID                 string
	Name               string
	VerificationStatus trust.Verification
	AvgRating          float64
	CompletedDeals     int
	CancellationRate   float64
	TrustScore         int
	Badges             []string
}

// Stats projects the fields the trust engine scores.
func (u User) Stats() trust.Stats {
	return trust.Stats{
		Verification:     u.VerificationStatus,
		AvgRating:        u.AvgRating,
		CompletedDeals:   u.CompletedDeals,
		CancellationRate: u.CancellationRate,
	}
}

// Item is the catalog entry a transaction is about.
type Item struct {
	ID                 string
	SellerID           string
	Name               string
	Price              decimal.Decimal
	AvailabilityStatus Availability
}

// Transaction is one buyer/seller deal over one item.
type Transaction struct {
	ID             string
	BuyerID        string
	SellerID       string
	ItemID         string
	Status         Status
	EscrowAmount   decimal.Decimal
	PaymentID      *string
	MeetupLocation *string
	CountdownStart *time.Time
	CountdownEnd   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is an immutable chat line within a transaction.
type Message struct {
	ID            string
	TransactionID string
	SenderID      string
	Content       string
	IsAI          bool
	CreatedAt     time.Time
}

// Summary is a list row: the transaction, both parties, the item and the
// latest message if any.
type Summary struct {
	Transaction   Transaction
	Buyer         User
	Seller        User
	Item          Item
	LatestMessage *Message
}

// Detail is the full view of one transaction.
type Detail struct {
	Transaction Transaction
	Buyer       User
	Seller      User
	Item        Item
	Messages    []Message
}
