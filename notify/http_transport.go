package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPTransport talks to the transactions API as the holder of Token.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type wireParty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireTransaction struct {
	ID       string    `json:"id"`
	BuyerID  string    `json:"buyerId"`
	SellerID string    `json:"sellerId"`
	Buyer    wireParty `json:"buyer"`
	Seller   wireParty `json:"seller"`
}

type wireMessage struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (t *HTTPTransport) ListTransactions(ctx context.Context) ([]TransactionRef, error) {
	var body struct {
		Transactions []wireTransaction `json:"transactions"`
	}
	if err := t.get(ctx, "/transactions", &body); err != nil {
		return nil, err
	}
	out := make([]TransactionRef, 0, len(body.Transactions))
	for _, w := range body.Transactions {
		out = append(out, TransactionRef{
			ID:         w.ID,
			BuyerID:    w.BuyerID,
			BuyerName:  w.Buyer.Name,
			SellerID:   w.SellerID,
			SellerName: w.Seller.Name,
		})
	}
	return out, nil
}

func (t *HTTPTransport) NewMessages(ctx context.Context, transactionID string, after time.Time) ([]Message, error) {
	path := "/transactions/" + url.PathEscape(transactionID) + "/messages/new"
	if !after.IsZero() {
		path += "?after=" + url.QueryEscape(after.UTC().Format(time.RFC3339Nano))
	}
	var body struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := t.get(ctx, path, &body); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(body.Messages))
	for _, w := range body.Messages {
		out = append(out, Message(w))
	}
	return out, nil
}

func (t *HTTPTransport) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("notify: GET %s: %s: %s", path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("notify: GET %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("notify: decode %s: %w", path, err)
	}
	return nil
}
