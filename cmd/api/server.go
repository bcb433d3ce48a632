package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eshantharjun9-hub/qiuckgrab/auth"
	"github.com/eshantharjun9-hub/qiuckgrab/escrow"
	"github.com/eshantharjun9-hub/qiuckgrab/logging"
)

const maxBodyBytes = 1 << 20

type escrowService interface {
	List(ctx context.Context, callerID string) ([]escrow.Summary, error)
	Get(ctx context.Context, callerID, id string) (escrow.Detail, error)
	AcceptOrReject(ctx context.Context, callerID, id string, accept bool) (escrow.Transaction, error)
	Pay(ctx context.Context, callerID, id, paymentID string) (escrow.Transaction, error)
	SetMeetup(ctx context.Context, callerID, id, location string) (escrow.Transaction, error)
	ConfirmDelivery(ctx context.Context, callerID, id string) (escrow.Transaction, error)
	MarkPaid(ctx context.Context, callerID, id string) (escrow.Transaction, error)
	MarkReceived(ctx context.Context, callerID, id string) (escrow.Transaction, error)
	NewMessages(ctx context.Context, callerID, id string, after time.Time) ([]escrow.Message, error)
	PostMessage(ctx context.Context, callerID, id, content string) (escrow.Message, error)
}

type callerResolver interface {
	ResolveCaller(ctx context.Context, token string) (string, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the escrow service over HTTP JSON.
type Server struct {
	escrowService escrowService
	authService   callerResolver
	db            pinger
	log           *zap.Logger
}

func NewServer(svc escrowService, resolver callerResolver, db pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L()
	}
	return &Server{
		escrowService: svc,
		authService:   resolver,
		db:            db,
		log:           logger.Named("http"),
	}
}

// Handler returns the routed handler wrapped in the access log.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.Handle("GET /transactions", s.authenticated(s.handleListTransactions))
	mux.Handle("POST /transactions/pay", s.authenticated(s.handlePay))
	mux.Handle("GET /transactions/{id}", s.authenticated(s.handleGetTransaction))
	mux.Handle("POST /transactions/{id}/respond", s.authenticated(s.handleRespond))
	mux.Handle("POST /transactions/{id}/meetup", s.authenticated(s.handleMeetup))
	mux.Handle("POST /transactions/{id}/confirm-delivery", s.authenticated(s.handleConfirmDelivery))
	mux.Handle("POST /transactions/{id}/mark-paid", s.authenticated(s.handleMarkPaid))
	mux.Handle("POST /transactions/{id}/mark-received", s.authenticated(s.handleMarkReceived))
	mux.Handle("GET /transactions/{id}/messages/new", s.authenticated(s.handleNewMessages))
	mux.Handle("POST /transactions/{id}/messages", s.authenticated(s.handlePostMessage))

	return logging.Middleware(s.log, mux)
}

// Run serves on addr until ctx is cancelled, then drains for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type callerKey struct{}

func callerFrom(ctx context.Context) string {
	id, _ := ctx.Value(callerKey{}).(string)
	return id
}

func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, auth.ErrUnauthenticated)
			return
		}
		callerID, err := s.authService.ResolveCaller(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, callerID)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.escrowService.List(r.Context(), callerFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := transactionListResponse{Transactions: make([]summaryResponse, 0, len(summaries))}
	for _, sum := range summaries {
		resp.Transactions = append(resp.Transactions, toSummaryResponse(sum))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	detail, err := s.escrowService.Get(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailResponse(detail))
}

type respondRequest struct {
	Accept *bool `json:"accept"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Accept == nil {
		s.writeError(w, r, badRequest("accept is required"))
		return
	}
	tx, err := s.escrowService.AcceptOrReject(r.Context(), callerFrom(r.Context()), r.PathValue("id"), *req.Accept)
	s.writeTransaction(w, r, tx, err)
}

type payRequest struct {
	TransactionID string `json:"transactionId"`
	PaymentID     string `json:"paymentId"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		s.writeError(w, r, badRequest("transactionId is required"))
		return
	}
	tx, err := s.escrowService.Pay(r.Context(), callerFrom(r.Context()), req.TransactionID, req.PaymentID)
	s.writeTransaction(w, r, tx, err)
}

type meetupRequest struct {
	Location string `json:"location"`
}

func (s *Server) handleMeetup(w http.ResponseWriter, r *http.Request) {
	var req meetupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.escrowService.SetMeetup(r.Context(), callerFrom(r.Context()), r.PathValue("id"), req.Location)
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrowService.ConfirmDelivery(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrowService.MarkPaid(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleMarkReceived(w http.ResponseWriter, r *http.Request) {
	tx, err := s.escrowService.MarkReceived(r.Context(), callerFrom(r.Context()), r.PathValue("id"))
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) handleNewMessages(w http.ResponseWriter, r *http.Request) {
	var after time.Time
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, badRequest("after must be an RFC3339 timestamp"))
			return
		}
		after = parsed
	}
	msgs, err := s.escrowService.NewMessages(r.Context(), callerFrom(r.Context()), r.PathValue("id"), after)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := messageListResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.escrowService.PostMessage(r.Context(), callerFrom(r.Context()), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, tx escrow.Transaction, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("invalid JSON body")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, escrow.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, escrow.ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	case http.StatusUnauthorized:
		msg = "unauthenticated"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
