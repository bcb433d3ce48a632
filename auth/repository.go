package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUserNotFound signals that the user does not exist.
var ErrUserNotFound = errors.New("auth: user not found")

// Repository looks up token subjects.
type Repository interface {
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// Querier is satisfied by pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	db Querier
}

func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

// GetUserByID retrieves a user by ID. Ids that are not UUIDs cannot exist and
// report ErrUserNotFound.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const selectSQL = `
		SELECT id::text, name
		FROM users
		WHERE id = $1
	`

	var user User
	err := r.db.QueryRow(ctx, selectSQL, userID).Scan(&user.ID, &user.Name)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	return user, nil
}
