package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the token payload. Only user_id is read by the core; exp and iat
// come from the registered claims.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// User is the slice of the users table the gateway needs to confirm a token
// subject still exists.
type User struct {
	ID   string
	Name string
}
