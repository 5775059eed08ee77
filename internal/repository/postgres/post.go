package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/postrank/internal/repository"
)

// PostRepo implements repository.PostRepository
type PostRepo struct {
	db *DB
}

// NewPostRepo creates a new post repository
func NewPostRepo(db *DB) *PostRepo {
	return &PostRepo{db: db}
}

const postColumns = `id, channel_id, COALESCE(text, ''), relevance_score, cluster_id, posted_at, created_at`

// GetByIDs returns the live posts among ids, in the order of ids
func (r *PostRepo) GetByIDs(ctx context.Context, ids []int64) ([]*repository.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE id = ANY($1) AND is_deleted = false
	`
	posts, err := r.queryPosts(ctx, query, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*repository.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	ordered := make([]*repository.Post, 0, len(posts))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// ListAll returns every live post
func (r *PostRepo) ListAll(ctx context.Context) ([]*repository.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE is_deleted = false ORDER BY id`
	return r.queryPosts(ctx, query)
}

// ListByChannel returns a channel's live posts, newest first
func (r *PostRepo) ListByChannel(ctx context.Context, channelID int64) ([]*repository.Post, error) {
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE channel_id = $1 AND is_deleted = false
		ORDER BY posted_at DESC, id DESC
	`
	return r.queryPosts(ctx, query, channelID)
}

// ListByClusters returns live posts in the given clusters, newest first
func (r *PostRepo) ListByClusters(ctx context.Context, clusterIDs []int, limit int) ([]*repository.Post, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}
	ids := make([]int32, len(clusterIDs))
	for i, id := range clusterIDs {
		ids[i] = int32(id)
	}
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE cluster_id = ANY($1) AND is_deleted = false
		ORDER BY posted_at DESC, id DESC
		LIMIT $2
	`
	return r.queryPosts(ctx, query, ids, limitArg(limit))
}

// ListTopByRelevance returns scored live posts of the channels by descending relevance
func (r *PostRepo) ListTopByRelevance(ctx context.Context, channelIDs []int64, limit int) ([]*repository.Post, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE channel_id = ANY($1) AND relevance_score IS NOT NULL AND is_deleted = false
		ORDER BY relevance_score DESC, id
		LIMIT $2
	`
	return r.queryPosts(ctx, query, channelIDs, limitArg(limit))
}

// LikeCounts returns the number of likes per post
func (r *PostRepo) LikeCounts(ctx context.Context, postIDs []int64) (map[int64]int, error) {
	out := make(map[int64]int)
	if len(postIDs) == 0 {
		return out, nil
	}
	query := `
		SELECT post_id, COUNT(*)
		FROM interactions
		WHERE post_id = ANY($1) AND ` + interactionTypeExpr + ` = 'like'
		GROUP BY post_id
	`
	rows, err := r.db.Pool.Query(ctx, query, postIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count likes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan like count: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate like counts: %w", err)
	}
	return out, nil
}

// UpdateRelevanceScores sets relevance scores of live posts in one statement
func (r *PostRepo) UpdateRelevanceScores(ctx context.Context, scores map[int64]float64) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(scores))
	values := make([]float64, 0, len(scores))
	for id, s := range scores {
		ids = append(ids, id)
		values = append(values, s)
	}

	query := `
		UPDATE posts AS p
		SET relevance_score = u.score, updated_at = NOW()
		FROM unnest($1::bigint[], $2::double precision[]) AS u(id, score)
		WHERE p.id = u.id AND p.is_deleted = false
	`
	if _, err := r.db.Pool.Exec(ctx, query, ids, values); err != nil {
		return fmt.Errorf("failed to update relevance scores: %w", err)
	}
	return nil
}

// UpdateClusterAssignments sets cluster ids of live posts in one transaction
func (r *PostRepo) UpdateClusterAssignments(ctx context.Context, labels map[int64]int) error {
	if len(labels) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(labels))
	clusters := make([]int32, 0, len(labels))
	for id, c := range labels {
		ids = append(ids, id)
		clusters = append(clusters, int32(c))
	}

	query := `
		UPDATE posts AS p
		SET cluster_id = u.cluster_id, updated_at = NOW()
		FROM unnest($1::bigint[], $2::integer[]) AS u(id, cluster_id)
		WHERE p.id = u.id AND p.is_deleted = false
	`
	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, ids, clusters)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update cluster assignments: %w", err)
	}
	return nil
}

// ClusterStats summarizes cluster assignments of live posts
func (r *PostRepo) ClusterStats(ctx context.Context) (*repository.ClusterStats, error) {
	var stats repository.ClusterStats
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(cluster_id) FROM posts WHERE is_deleted = false`,
	).Scan(&stats.TotalPosts, &stats.ClusteredPosts)
	if err != nil {
		return nil, fmt.Errorf("failed to count posts: %w", err)
	}

	query := `
		SELECT cluster_id, COUNT(*)
		FROM posts
		WHERE cluster_id IS NOT NULL AND is_deleted = false
		GROUP BY cluster_id
		ORDER BY cluster_id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c repository.ClusterCount
		if err := rows.Scan(&c.ClusterID, &c.PostCount); err != nil {
			return nil, fmt.Errorf("failed to scan cluster count: %w", err)
		}
		stats.Distribution = append(stats.Distribution, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cluster distribution: %w", err)
	}
	return &stats, nil
}

func (r *PostRepo) queryPosts(ctx context.Context, query string, args ...any) ([]*repository.Post, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	defer rows.Close()

	var posts []*repository.Post
	for rows.Next() {
		var p repository.Post
		var cluster *int32
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.Text, &p.RelevanceScore,
			&cluster, &p.PostedAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		if cluster != nil {
			c := int(*cluster)
			p.ClusterID = &c
		}
		posts = append(posts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

// limitArg maps a non-positive limit to no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

var _ repository.PostRepository = (*PostRepo)(nil)
