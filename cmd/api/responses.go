package main

import (
	"time"

	"github.com/eshantharjun9-hub/qiuckgrab/escrow"
)

type transactionResponse struct {
	ID             string     `json:"id"`
	BuyerID        string     `json:"buyerId"`
	SellerID       string     `json:"sellerId"`
	ItemID         string     `json:"itemId"`
	Status         string     `json:"status"`
	EscrowAmount   string     `json:"escrowAmount"`
	PaymentID      *string    `json:"paymentId,omitempty"`
	MeetupLocation *string    `json:"meetupLocation,omitempty"`
	CountdownStart *time.Time `json:"countdownStart,omitempty"`
	CountdownEnd   *time.Time `json:"countdownEnd,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type partyResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	VerificationStatus string   `json:"verificationStatus"`
	AvgRating          float64  `json:"avgRating"`
	CompletedDeals     int      `json:"completedDeals"`
	TrustScore         int      `json:"trustScore"`
	Badges             []string `json:"badges"`
}

type itemResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Price              string `json:"price"`
	AvailabilityStatus string `json:"availabilityStatus"`
}

type messageResponse struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	IsAI          bool      `json:"isAi"`
	CreatedAt     time.Time `json:"createdAt"`
}

type summaryResponse struct {
	transactionResponse
	Buyer         partyResponse    `json:"buyer"`
	Seller        partyResponse    `json:"seller"`
	Item          itemResponse     `json:"item"`
	LatestMessage *messageResponse `json:"latestMessage,omitempty"`
}

type detailResponse struct {
	transactionResponse
	Buyer    partyResponse     `json:"buyer"`
	Seller   partyResponse     `json:"seller"`
	Item     itemResponse      `json:"item"`
	Messages []messageResponse `json:"messages"`
}

type transactionListResponse struct {
	Transactions []summaryResponse `json:"transactions"`
}

type messageListResponse struct {
	Messages []messageResponse `json:"messages"`
}

func toTransactionResponse(t escrow.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		BuyerID:        t.BuyerID,
		SellerID:       t.SellerID,
		ItemID:         t.ItemID,
		Status:         string(t.Status),
		EscrowAmount:   t.EscrowAmount.StringFixed(2),
		PaymentID:      t.PaymentID,
		MeetupLocation: t.MeetupLocation,
		CountdownStart: t.CountdownStart,
		CountdownEnd:   t.CountdownEnd,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func toPartyResponse(u escrow.User) partyResponse {
	badges := u.Badges
	if badges == nil {
		badges = []string{}
	}
	return partyResponse{
		ID:                 u.ID,
		Name:               u.Name,
		VerificationStatus: string(u.VerificationStatus),
		AvgRating:          u.AvgRating,
		CompletedDeals:     u.CompletedDeals,
		TrustScore:         u.TrustScore,
		Badges:             badges,
	}
}

func toItemResponse(i escrow.Item) itemResponse {
	return itemResponse{
		ID:                 i.ID,
		Name:               i.Name,
		Price:              i.Price.StringFixed(2),
		AvailabilityStatus: string(i.AvailabilityStatus),
	}
}

func toMessageResponse(m escrow.Message) messageResponse {
	return messageResponse{
		ID:            m.ID,
		TransactionID: m.TransactionID,
		SenderID:      m.SenderID,
		Content:       m.Content,
		IsAI:          m.IsAI,
		CreatedAt:     m.CreatedAt,
	}
}

func toSummaryResponse(s escrow.Summary) summaryResponse {
	resp := summaryResponse{
		transactionResponse: toTransactionResponse(s.Transaction),
		Buyer:               toPartyResponse(s.Buyer),
		Seller:              toPartyResponse(s.Seller),
		Item:                toItemResponse(s.Item),
	}
	if s.LatestMessage != nil {
		m := toMessageResponse(*s.LatestMessage)
		resp.LatestMessage = &m
	}
	return resp
}

func toDetailResponse(d escrow.Detail) detailResponse {
	resp := detailResponse{
		transactionResponse: toTransactionResponse(d.Transaction),
		Buyer:               toPartyResponse(d.Buyer),
		Seller:              toPartyResponse(d.Seller),
		Item:                toItemResponse(d.Item),
		Messages:            make([]messageResponse, 0, len(d.Messages)),
	}
	for _, m := range d.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	return resp
}
