package dispatch

import (
	"context"
	"strings"
	"time"

	feedloop "github.com/wolfeidau/feedloop"
	"github.com/wolfeidau/feedloop/provider"
	"github.com/wolfeidau/feedloop/telemetry"
)

const (
	// FeedTTL is how long a cached feed listing stays fresh.
	FeedTTL = 45 * time.Second

	// CommentTTL is how long a cached comment tree stays fresh.
	CommentTTL = 120 * time.Second

	// FeedCacheCapacity bounds the feed cache.
	FeedCacheCapacity = 16

	// CommentCacheCapacity bounds the comment cache.
	CommentCacheCapacity = 64
)

// FeedKey identifies one feed listing: a normalized target plus sort mode.
// The zero target is the front page.
type FeedKey struct {
	Target string
	Sort   provider.SortOption
}

// NewFeedKey normalizes target (trimmed, lowercased) into a FeedKey.
func NewFeedKey(target string, sort provider.SortOption) FeedKey {
	return FeedKey{
		Target: strings.ToLower(strings.TrimSpace(target)),
		Sort:   sort,
	}
}

// PostBatch is a cached feed page: the working set of posts plus the cursor
// to resume paging from, so "load more" can continue without a round trip.
type PostBatch struct {
	Posts []provider.Post
	After string
}

// Set bundles the three per-session caches under one active scope. Rendered
// content has no TTL; it is invalidated explicitly when its feed reloads.
//
// Like Cache, a Set is owned by the single consumer goroutine.
type Set struct {
	scope feedloop.Scope

	feeds    *Cache[FeedKey, PostBatch]
	comments *Cache[string, []provider.Comment]
	content  *Cache[string, string]
}

// NewSet creates the cache set for the anonymous scope. A nil now falls
// back to time.Now.
func NewSet(now func() time.Time) *Set {
	return &Set{
		scope:    feedloop.Anonymous,
		feeds:    NewCache[FeedKey, PostBatch](FeedTTL, FeedCacheCapacity, now),
		comments: NewCache[string, []provider.Comment](CommentTTL, CommentCacheCapacity, now),
		content:  NewCache[string, string](0, 0, now),
	}
}

// Scope returns the active scope.
func (s *Set) Scope() feedloop.Scope {
	return s.scope
}

// SetScope switches the active scope. Any change clears all three caches
// outright so nothing leaks across accounts.
func (s *Set) SetScope(scope feedloop.Scope) {
	if scope == s.scope {
		return
	}
	s.scope = scope
	s.feeds.Clear()
	s.comments.Clear()
	s.content.Clear()
}

// LookupFeed returns the cached batch for key under the active scope.
func (s *Set) LookupFeed(key FeedKey) (PostBatch, bool) {
	batch, result := s.feeds.Lookup(key, s.scope)
	telemetry.RecordCacheLookup(context.Background(), "feed", string(result))
	return batch, result == LookupHit
}

// StoreFeed caches a batch for key under the active scope and invalidates
// the rendered content of every post in it, since a reloaded feed may carry
// updated post bodies.
func (s *Set) StoreFeed(key FeedKey, batch PostBatch) {
	if s.feeds.Insert(key, batch, s.scope) {
		telemetry.RecordCacheEviction(context.Background(), "feed")
	}
	for _, post := range batch.Posts {
		s.content.Remove(post.Name)
	}
}

// LookupComments returns the cached comment tree for a post name.
func (s *Set) LookupComments(postName string) ([]provider.Comment, bool) {
	comments, result := s.comments.Lookup(postName, s.scope)
	telemetry.RecordCacheLookup(context.Background(), "comments", string(result))
	return comments, result == LookupHit
}

// StoreComments caches a comment tree for a post name.
func (s *Set) StoreComments(postName string, comments []provider.Comment) {
	if s.comments.Insert(postName, comments, s.scope) {
		telemetry.RecordCacheEviction(context.Background(), "comments")
	}
}

// LookupContent returns the cached rendered content for a post name.
func (s *Set) LookupContent(postName string) (string, bool) {
	rendered, result := s.content.Lookup(postName, s.scope)
	telemetry.RecordCacheLookup(context.Background(), "content", string(result))
	return rendered, result == LookupHit
}

// StoreContent caches rendered content for a post name.
func (s *Set) StoreContent(postName, rendered string) {
	s.content.Insert(postName, rendered, s.scope)
}

// MergePosts appends incoming posts onto existing, dropping any incoming
// post whose name is already present. Used by append-mode (infinite scroll)
// loads; the merged result is what gets cached back.
func MergePosts(existing, incoming []provider.Post) []provider.Post {
	seen := make(map[string]bool, len(existing))
	for _, post := range existing {
		seen[post.Name] = true
	}

	merged := existing
	for _, post := range incoming {
		if seen[post.Name] {
			continue
		}
		seen[post.Name] = true
		merged = append(merged, post)
	}
	return merged
}
