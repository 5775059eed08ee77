package postgres

import (
	"context"
	"fmt"

	"github.com/knoguchi/postrank/internal/repository"
)

// ChannelRepo implements repository.ChannelRepository
type ChannelRepo struct {
	db *DB
}

// NewChannelRepo creates a new channel repository
func NewChannelRepo(db *DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// GetByIDs returns the channels that exist, keyed by id
func (r *ChannelRepo) GetByIDs(ctx context.Context, ids []int64) (map[int64]*repository.Channel, error) {
	out := make(map[int64]*repository.Channel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT id, COALESCE(username, ''), title
		FROM channels
		WHERE id = ANY($1) AND is_deleted = false
	`
	rows, err := r.db.Pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c repository.Channel
		if err := rows.Scan(&c.ID, &c.Username, &c.Title); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate channels: %w", err)
	}
	return out, nil
}

// ListUserChannelIDs returns a user's subscribed channel ids
func (r *ChannelRepo) ListUserChannelIDs(ctx context.Context, userID int64) ([]int64, error) {
	query := `SELECT channel_id FROM user_channels WHERE user_id = $1 ORDER BY channel_id`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user channels: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user channels: %w", err)
	}
	return ids, nil
}

var _ repository.ChannelRepository = (*ChannelRepo)(nil)
