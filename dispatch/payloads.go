package dispatch

import "github.com/wolfeidau/feedloop/provider"

// FeedPayload is the result of a feed load. Append marks an infinite-scroll
// page that must be merged into the working set rather than replacing it.
type FeedPayload struct {
	Key    FeedKey
	Append bool
	Batch  PostBatch
}

// CommentsPayload is the result of a comment load.
type CommentsPayload struct {
	PostName string
	Post     *provider.Post
	Comments []provider.Comment
}

// ContentPayload is the result of rendering one post's body.
type ContentPayload struct {
	PostName string
	Rendered string
}

// SubredditsPayload is the result of loading the subscribed subreddit list.
type SubredditsPayload struct {
	Subreddits []provider.Subreddit
}

// PostRowsPayload is the result of re-rendering feed rows for a layout
// width. A result for a width the consumer has since moved past is stale.
type PostRowsPayload struct {
	Width int
	Rows  []string
}

// VotePayload reports a completed vote. Untracked.
type VotePayload struct {
	Fullname  string
	Direction provider.VoteDirection
}

// LoginPayload reports a completed authorization flow. Untracked.
type LoginPayload struct {
	AccountID int64
	Username  string
}

// SubscriptionPayload reports a subscription check or toggle. Untracked.
type SubscriptionPayload struct {
	Subreddit  string
	Subscribed bool
}

// MediaPayload reports a completed media fetch. Untracked.
type MediaPayload struct {
	URL       string
	FilePath  string
	MediaType string
}
