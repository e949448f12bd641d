package engagement

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/deemkeen/mastodont/domain"
	"github.com/deemkeen/mastodont/relations"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Invalidator drops any cached representation of a post.
type Invalidator interface {
	Invalidate(account domain.Handle, postID string)
}

// RecentPosts keeps recently read posts in memory. Entries older than ttl
// are treated as absent; the least recently used entry is evicted past size.
type RecentPosts struct {
	lru *expirable.LRU[string, map[string]any]
}

// NewRecentPosts builds the cache. A ttl of zero keeps entries until they
// are evicted or invalidated.
func NewRecentPosts(size int, ttl time.Duration) *RecentPosts {
	if size <= 0 {
		size = 256
	}
	return &RecentPosts{lru: expirable.NewLRU[string, map[string]any](size, nil, ttl)}
}

func recentKey(account domain.Handle, postID string) string {
	return string(account.Plain()) + " " + postID
}

func (r *RecentPosts) Put(account domain.Handle, postID string, post map[string]any) {
	r.lru.Add(recentKey(account, postID), post)
}

func (r *RecentPosts) Get(account domain.Handle, postID string) (map[string]any, bool) {
	return r.lru.Get(recentKey(account, postID))
}

func (r *RecentPosts) Len() int {
	return r.lru.Len()
}

// Invalidate evicts the post.
func (r *RecentPosts) Invalidate(account domain.Handle, postID string) {
	r.lru.Remove(recentKey(account, postID))
}

// HTMLCache holds rendered posts at <account>/postcache/<id>.html. Rendering
// happens elsewhere; this package only invalidates.
type HTMLCache struct {
	store *relations.Store
}

func NewHTMLCache(store *relations.Store) *HTMLCache {
	return &HTMLCache{store: store}
}

func (h *HTMLCache) Path(account domain.Handle, postID string) string {
	return filepath.Join(h.store.AccountDir(account), "postcache", EscapeID(postID)+".html")
}

// Put stores a rendering.
func (h *HTMLCache) Put(account domain.Handle, postID string, html []byte) error {
	path := h.Path(account, postID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, html, 0644)
}

// Invalidate removes the rendering.
func (h *HTMLCache) Invalidate(account domain.Handle, postID string) {
	if err := os.Remove(h.Path(account, postID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("post", postID).Msg("removing cached html")
	}
}
