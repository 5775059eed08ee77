package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/postrank/internal/repository"
)

// UserRepo implements repository.UserRepository
type UserRepo struct {
	db *DB
}

// NewUserRepo creates a new user repository
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, telegram_id, COALESCE(username, ''), is_trained,
	preference_vector_cache, preference_vector_updated_at, created_at`

// GetByTelegramID retrieves a user by Telegram id
func (r *UserRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*repository.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE telegram_id = $1 AND is_deleted = false
	`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// List retrieves all users ordered by id
func (r *UserRepo) List(ctx context.Context) ([]*repository.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE is_deleted = false
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*repository.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// UpdatePreferenceVector caches a user's preference vector
func (r *UserRepo) UpdatePreferenceVector(ctx context.Context, userID int64, vector []float32, updatedAt time.Time) error {
	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal preference vector: %w", err)
	}

	query := `
		UPDATE users
		SET preference_vector_cache = $2, preference_vector_updated_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, userID, vectorJSON, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to update preference vector: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkTrained flags a user as trained
func (r *UserRepo) MarkTrained(ctx context.Context, userID int64) error {
	query := `UPDATE users SET is_trained = true, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Pool.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to mark user trained: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*repository.User, error) {
	var u repository.User
	var vectorJSON []byte

	if err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.IsTrained,
		&vectorJSON, &u.PreferenceVectorUpdatedAt, &u.CreatedAt); err != nil {
		return nil, err
	}

	if len(vectorJSON) > 0 && string(vectorJSON) != "null" {
		if err := json.Unmarshal(vectorJSON, &u.PreferenceVector); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preference vector: %w", err)
		}
	}
	return &u, nil
}

var _ repository.UserRepository = (*UserRepo)(nil)
