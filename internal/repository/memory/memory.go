// Package memory provides in-process implementations of the repository
// interfaces. It backs tests and the standalone development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/knoguchi/postrank/internal/repository"
)

// Store holds all entities behind a single lock.
type Store struct {
	mu            sync.RWMutex
	users         map[int64]*repository.User
	channels      map[int64]*repository.Channel
	posts         map[int64]*repository.Post
	deleted       map[int64]bool
	interactions  []*repository.Interaction
	subscriptions map[int64][]int64 // user id -> channel ids
	nextID        int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:         make(map[int64]*repository.User),
		channels:      make(map[int64]*repository.Channel),
		posts:         make(map[int64]*repository.Post),
		deleted:       make(map[int64]bool),
		subscriptions: make(map[int64][]int64),
	}
}

func (s *Store) id(current int64) int64 {
	if current != 0 {
		if current > s.nextID {
			s.nextID = current
		}
		return current
	}
	s.nextID++
	return s.nextID
}

// AddUser stores a user, assigning an id when zero.
func (s *Store) AddUser(u repository.User) *repository.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.ID = s.id(u.ID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	s.users[u.ID] = &u
	return copyUser(&u)
}

// AddChannel stores a channel, assigning an id when zero.
func (s *Store) AddChannel(c repository.Channel) *repository.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id(c.ID)
	s.channels[c.ID] = &c
	cp := c
	return &cp
}

// Subscribe adds channels to a user's subscriptions.
func (s *Store) Subscribe(userID int64, channelIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[userID] = append(s.subscriptions[userID], channelIDs...)
}

// AddPost stores a post, assigning an id when zero.
func (s *Store) AddPost(p repository.Post) *repository.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.id(p.ID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.posts[p.ID] = &p
	return copyPost(&p)
}

// DeletePost soft-deletes a post.
func (s *Store) DeletePost(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = true
}

// AddInteraction records feedback, replacing any earlier interaction of the
// same user on the same post.
func (s *Store) AddInteraction(in repository.Interaction) *repository.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	for i, existing := range s.interactions {
		if existing.UserID == in.UserID && existing.PostID == in.PostID {
			in.ID = existing.ID
			s.interactions[i] = &in
			cp := in
			return &cp
		}
	}
	in.ID = s.id(in.ID)
	s.interactions = append(s.interactions, &in)
	cp := in
	return &cp
}

// Users returns the user repository view of the store.
func (s *Store) Users() *UserRepo { return &UserRepo{s: s} }

// Channels returns the channel repository view of the store.
func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{s: s} }

// Posts returns the post repository view of the store.
func (s *Store) Posts() *PostRepo { return &PostRepo{s: s} }

// Interactions returns the interaction repository view of the store.
func (s *Store) Interactions() *InteractionRepo { return &InteractionRepo{s: s} }

var (
	_ repository.UserRepository        = (*UserRepo)(nil)
	_ repository.ChannelRepository     = (*ChannelRepo)(nil)
	_ repository.PostRepository        = (*PostRepo)(nil)
	_ repository.InteractionRepository = (*InteractionRepo)(nil)
)

// UserRepo implements repository.UserRepository
type UserRepo struct{ s *Store }

// GetByTelegramID retrieves a user by Telegram id
func (r *UserRepo) GetByTelegramID(_ context.Context, telegramID int64) (*repository.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if u.TelegramID == telegramID {
			return copyUser(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

// List returns all users ordered by id
func (r *UserRepo) List(_ context.Context) ([]*repository.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*repository.User, 0, len(r.s.users))
	for _, u := range r.s.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdatePreferenceVector caches a user's preference vector
func (r *UserRepo) UpdatePreferenceVector(_ context.Context, userID int64, vector []float32, updatedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.PreferenceVector = append([]float32(nil), vector...)
	t := updatedAt
	u.PreferenceVectorUpdatedAt = &t
	return nil
}

// MarkTrained flags a user as trained
func (r *UserRepo) MarkTrained(_ context.Context, userID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsTrained = true
	return nil
}

// ChannelRepo implements repository.ChannelRepository
type ChannelRepo struct{ s *Store }

// GetByIDs returns the channels that exist, keyed by id
func (r *ChannelRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]*repository.Channel, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[int64]*repository.Channel, len(ids))
	for _, id := range ids {
		if c, ok := r.s.channels[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

// ListUserChannelIDs returns a user's subscribed channel ids
func (r *ChannelRepo) ListUserChannelIDs(_ context.Context, userID int64) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]int64(nil), r.s.subscriptions[userID]...), nil
}

// PostRepo implements repository.PostRepository
type PostRepo struct{ s *Store }

func (r *PostRepo) live(filter func(*repository.Post) bool) []*repository.Post {
	var out []*repository.Post
	for id, p := range r.s.posts {
		if r.s.deleted[id] {
			continue
		}
		if filter == nil || filter(p) {
			out = append(out, copyPost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetByIDs returns the live posts among ids, in the order of ids
func (r *PostRepo) GetByIDs(_ context.Context, ids []int64) ([]*repository.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*repository.Post, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.s.posts[id]; ok && !r.s.deleted[id] {
			out = append(out, copyPost(p))
		}
	}
	return out, nil
}

// ListAll returns every live post
func (r *PostRepo) ListAll(_ context.Context) ([]*repository.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.live(nil), nil
}

// ListByChannel returns a channel's live posts, newest first
func (r *PostRepo) ListByChannel(_ context.Context, channelID int64) ([]*repository.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := r.live(func(p *repository.Post) bool { return p.ChannelID == channelID })
	sortNewestFirst(out)
	return out, nil
}

// ListByClusters returns live posts in the given clusters, newest first
func (r *PostRepo) ListByClusters(_ context.Context, clusterIDs []int, limit int) ([]*repository.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[int]bool, len(clusterIDs))
	for _, id := range clusterIDs {
		want[id] = true
	}
	out := r.live(func(p *repository.Post) bool { return p.ClusterID != nil && want[*p.ClusterID] })
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTopByRelevance returns scored live posts of the channels by descending relevance
func (r *PostRepo) ListTopByRelevance(_ context.Context, channelIDs []int64, limit int) ([]*repository.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[int64]bool, len(channelIDs))
	for _, id := range channelIDs {
		want[id] = true
	}
	out := r.live(func(p *repository.Post) bool { return p.RelevanceScore != nil && want[p.ChannelID] })
	sort.SliceStable(out, func(i, j int) bool { return *out[i].RelevanceScore > *out[j].RelevanceScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LikeCounts returns the number of likes per post
func (r *PostRepo) LikeCounts(_ context.Context, postIDs []int64) (map[int64]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[int64]bool, len(postIDs))
	for _, id := range postIDs {
		want[id] = true
	}
	out := make(map[int64]int)
	for _, in := range r.s.interactions {
		if in.Type == repository.InteractionLike && want[in.PostID] {
			out[in.PostID]++
		}
	}
	return out, nil
}

// UpdateRelevanceScores sets relevance scores of live posts
func (r *PostRepo) UpdateRelevanceScores(_ context.Context, scores map[int64]float64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, score := range scores {
		if p, ok := r.s.posts[id]; ok && !r.s.deleted[id] {
			v := score
			p.RelevanceScore = &v
		}
	}
	return nil
}

// UpdateClusterAssignments sets cluster ids of live posts
func (r *PostRepo) UpdateClusterAssignments(_ context.Context, labels map[int64]int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, label := range labels {
		if p, ok := r.s.posts[id]; ok && !r.s.deleted[id] {
			v := label
			p.ClusterID = &v
		}
	}
	return nil
}

// ClusterStats summarizes cluster assignments of live posts
func (r *PostRepo) ClusterStats(_ context.Context) (*repository.ClusterStats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[int]int)
	stats := &repository.ClusterStats{}
	for _, p := range r.live(nil) {
		stats.TotalPosts++
		if p.ClusterID != nil {
			stats.ClusteredPosts++
			counts[*p.ClusterID]++
		}
	}
	for id, n := range counts {
		stats.Distribution = append(stats.Distribution, repository.ClusterCount{ClusterID: id, PostCount: n})
	}
	sort.Slice(stats.Distribution, func(i, j int) bool {
		return stats.Distribution[i].ClusterID < stats.Distribution[j].ClusterID
	})
	return stats, nil
}

// InteractionRepo implements repository.InteractionRepository
type InteractionRepo struct{ s *Store }

// ListByUser returns a user's interactions ordered by creation time
func (r *InteractionRepo) ListByUser(_ context.Context, userID int64) ([]*repository.Interaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*repository.Interaction
	for _, in := range r.s.interactions {
		if in.UserID == userID {
			cp := *in
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountByUser returns the number of interactions of a user
func (r *InteractionRepo) CountByUser(_ context.Context, userID int64) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, in := range r.s.interactions {
		if in.UserID == userID {
			n++
		}
	}
	return n, nil
}

func sortNewestFirst(posts []*repository.Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].PostedAt.Equal(posts[j].PostedAt) {
			return posts[i].PostedAt.After(posts[j].PostedAt)
		}
		return posts[i].ID > posts[j].ID
	})
}

func copyUser(u *repository.User) *repository.User {
	cp := *u
	if u.PreferenceVector != nil {
		cp.PreferenceVector = append([]float32(nil), u.PreferenceVector...)
	}
	if u.PreferenceVectorUpdatedAt != nil {
		t := *u.PreferenceVectorUpdatedAt
		cp.PreferenceVectorUpdatedAt = &t
	}
	return &cp
}

func copyPost(p *repository.Post) *repository.Post {
	cp := *p
	if p.RelevanceScore != nil {
		v := *p.RelevanceScore
		cp.RelevanceScore = &v
	}
	if p.ClusterID != nil {
		v := *p.ClusterID
		cp.ClusterID = &v
	}
	return &cp
}
