// Package repository defines domain models and data access interfaces for
// users, channels, posts and interactions.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// InteractionType is the kind of feedback a user gave on a post.
type InteractionType string

const (
	InteractionLike    InteractionType = "like"
	InteractionDislike InteractionType = "dislike"
	InteractionSkip    InteractionType = "skip"
)

// User represents a subscriber receiving personalized posts
type User struct {
	ID         int64
	TelegramID int64
	Username   string
	IsTrained  bool

	// PreferenceVector is the cached preference vector, nil when never computed.
	PreferenceVector          []float32
	PreferenceVectorUpdatedAt *time.Time

	CreatedAt time.Time
}

// Channel represents a source channel of posts
type Channel struct {
	ID       int64
	Username string
	Title    string
}

// Post represents a channel post
type Post struct {
	ID             int64
	ChannelID      int64
	Text           string
	RelevanceScore *float64
	ClusterID      *int
	PostedAt       time.Time
	CreatedAt      time.Time
}

// Interaction is a user's feedback on a post. There is at most one per (user, post).
type Interaction struct {
	ID        int64
	UserID    int64
	PostID    int64
	Type      InteractionType
	CreatedAt time.Time
}

// ClusterCount is the number of posts assigned to one cluster.
type ClusterCount struct {
	ClusterID int `json:"cluster_id"`
	PostCount int `json:"post_count"`
}

// ClusterStats summarizes cluster assignments across all posts.
type ClusterStats struct {
	TotalPosts     int
	ClusteredPosts int
	Distribution   []ClusterCount
}

// UserRepository defines operations for user persistence
type UserRepository interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*User, error)
	List(ctx context.Context) ([]*User, error)
	UpdatePreferenceVector(ctx context.Context, userID int64, vector []float32, updatedAt time.Time) error
	MarkTrained(ctx context.Context, userID int64) error
}

// ChannelRepository defines operations for channel persistence
type ChannelRepository interface {
	// GetByIDs returns the channels that exist, keyed by id.
	GetByIDs(ctx context.Context, ids []int64) (map[int64]*Channel, error)

	// ListUserChannelIDs returns the channels a user is subscribed to.
	ListUserChannelIDs(ctx context.Context, userID int64) ([]int64, error)
}

// PostRepository defines operations for post persistence. List operations
// never return soft-deleted posts.
type PostRepository interface {
	// GetByIDs returns the posts that exist, in the order of ids.
	GetByIDs(ctx context.Context, ids []int64) ([]*Post, error)
	ListAll(ctx context.Context) ([]*Post, error)
	ListByChannel(ctx context.Context, channelID int64) ([]*Post, error)

	// ListByClusters returns posts in the given clusters, newest first.
	ListByClusters(ctx context.Context, clusterIDs []int, limit int) ([]*Post, error)

	// ListTopByRelevance returns scored posts of the given channels by
	// descending relevance.
	ListTopByRelevance(ctx context.Context, channelIDs []int64, limit int) ([]*Post, error)

	// LikeCounts returns the number of likes per post id.
	LikeCounts(ctx context.Context, postIDs []int64) (map[int64]int, error)

	UpdateRelevanceScores(ctx context.Context, scores map[int64]float64) error
	UpdateClusterAssignments(ctx context.Context, labels map[int64]int) error
	ClusterStats(ctx context.Context) (*ClusterStats, error)
}

// InteractionRepository defines operations for interaction persistence
type InteractionRepository interface {
	// ListByUser returns a user's interactions ordered by creation time.
	ListByUser(ctx context.Context, userID int64) ([]*Interaction, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
}
