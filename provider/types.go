// Package provider implements the HTTP client for the remote content API:
// feed listings, comment trees, subscribed subreddits, and interactions
// (votes, saves, replies, subscriptions). Every call authenticates with a
// bearer token obtained from a TokenProvider at request time.
package provider

import (
	"context"
	"time"
)

// SortOption selects the ordering of a feed listing.
type SortOption string

const (
	SortBest          SortOption = "best"
	SortHot           SortOption = "hot"
	SortNew           SortOption = "new"
	SortTop           SortOption = "top"
	SortRising        SortOption = "rising"
	SortControversial SortOption = "controversial"
)

// Post is one feed item. Name is the provider fullname (e.g. "t3_abc123")
// and is the identity used for caching and deduplication.
type Post struct {
	Name        string
	ID          string
	Title       string
	Author      string
	Subreddit   string
	Score       int64
	NumComments int64
	CreatedAt   time.Time
	URL         string
	Permalink   string
	SelfText    string
	Thumbnail   string
	NSFW        bool
	Stickied    bool
	Saved       bool
	Hidden      bool

	// Likes is the caller's vote: nil none, true up, false down.
	Likes *bool
}

// Listing is one page of posts plus the cursor for the next page.
// An empty After means there are no further pages.
type Listing struct {
	Posts []Post
	After string
}

// Comment is one node of a comment tree.
type Comment struct {
	Name      string
	Author    string
	Body      string
	Score     int64
	Depth     int
	CreatedAt time.Time
	Replies   []Comment
}

// Subreddit describes one community the caller can browse or subscribe to.
type Subreddit struct {
	Name        string
	Title       string
	Subscribers int64
	Subscribed  bool
}

// Identity is the signed-in user as reported by the provider.
type Identity struct {
	ProviderID  string
	Username    string
	DisplayName string
}

// PagingOptions selects a page of a listing.
type PagingOptions struct {
	After string
	Limit int
}

// VoteDirection is the caller's vote on a post or comment.
type VoteDirection int

const (
	VoteDown VoteDirection = -1
	VoteNone VoteDirection = 0
	VoteUp   VoteDirection = 1
)

// TokenProvider supplies a valid bearer token for outbound API calls.
// Implementations read the latest persisted token on every call so callers
// never hold a token across a background refresh.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// FeedService loads feed listings.
type FeedService interface {
	FrontPage(ctx context.Context, sort SortOption, paging PagingOptions) (*Listing, error)
	SubredditFeed(ctx context.Context, name string, sort SortOption, paging PagingOptions) (*Listing, error)
}

// CommentService loads a post together with its comment tree.
type CommentService interface {
	Comments(ctx context.Context, subreddit, article string) (*Post, []Comment, error)
}

// SubredditService lists the caller's subscribed communities.
type SubredditService interface {
	Subscribed(ctx context.Context) ([]Subreddit, error)
}

// InteractionService performs writes against the provider.
type InteractionService interface {
	Vote(ctx context.Context, fullname string, dir VoteDirection) error
	Save(ctx context.Context, fullname string) error
	Unsave(ctx context.Context, fullname string) error
	Hide(ctx context.Context, fullname string) error
	Unhide(ctx context.Context, fullname string) error
	Reply(ctx context.Context, parent, text string) (*Comment, error)
	Subscribe(ctx context.Context, subreddit string) error
	Unsubscribe(ctx context.Context, subreddit string) error
	IsSubscribed(ctx context.Context, subreddit string) (bool, error)
}

// IdentityService fetches the signed-in user's identity.
type IdentityService interface {
	Me(ctx context.Context) (*Identity, error)
}
