// Package auth resolves the caller behind a bearer token. Accounts and
// credentials are managed elsewhere; this package only verifies HS256 tokens
// and can mint them for local use.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated covers a missing, malformed, expired or foreign token
// and a subject that no longer exists.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

const defaultTokenTTL = 24 * time.Hour

// Service verifies and issues tokens.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates the gateway. A nil repo skips the subject lookup.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ResolveCaller returns the user id the token was issued to.
func (s *Service) ResolveCaller(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return "", fmt.Errorf("%w: token has no user_id", ErrUnauthenticated)
	}

	if s.repo != nil {
		if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return "", fmt.Errorf("%w: unknown user", ErrUnauthenticated)
			}
			return "", err
		}
	}
	return userID, nil
}

// IssueToken mints a token for userID. ttl <= 0 means 24 hours.
func (s *Service) IssueToken(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("auth: issue token: empty user id")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// SubjectOf reads the user id from a token without verifying it. Clients use
// it to tell their own messages apart; the server never trusts it.
func SubjectOf(tokenString string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return "", fmt.Errorf("%w: token has no user_id", ErrUnauthenticated)
	}
	return userID, nil
}
