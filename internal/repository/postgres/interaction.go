package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/knoguchi/postrank/internal/repository"
)

// interactionTypeExpr normalizes the interaction type column, which may be a
// Postgres enum storing either names (LIKE) or values (like).
const interactionTypeExpr = `lower(interaction_type::text)`

// InteractionRepo implements repository.InteractionRepository
type InteractionRepo struct {
	db *DB
}

// NewInteractionRepo creates a new interaction repository
func NewInteractionRepo(db *DB) *InteractionRepo {
	return &InteractionRepo{db: db}
}

// ListByUser returns a user's interactions ordered by creation time
func (r *InteractionRepo) ListByUser(ctx context.Context, userID int64) ([]*repository.Interaction, error) {
	query := `
		SELECT id, user_id, post_id, ` + interactionTypeExpr + `, created_at
		FROM interactions
		WHERE user_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []*repository.Interaction
	for rows.Next() {
		var in repository.Interaction
		var typ string
		if err := rows.Scan(&in.ID, &in.UserID, &in.PostID, &typ, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		in.Type = repository.InteractionType(strings.ToLower(typ))
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interactions: %w", err)
	}
	return out, nil
}

// CountByUser returns the number of interactions of a user
func (r *InteractionRepo) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM interactions WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return n, nil
}

var _ repository.InteractionRepository = (*InteractionRepo)(nil)
