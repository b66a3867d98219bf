package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	feedloop "github.com/wolfeidau/feedloop"
	"github.com/wolfeidau/feedloop/provider"
)

func TestNewFeedKeyNormalizes(t *testing.T) {
	key := NewFeedKey("  R/Golang ", provider.SortHot)
	require.Equal(t, FeedKey{Target: "r/golang", Sort: provider.SortHot}, key)

	require.Equal(t, key, NewFeedKey("r/golang", provider.SortHot))
	require.NotEqual(t, key, NewFeedKey("r/golang", provider.SortNew))
}

func TestSetFeedRoundTrip(t *testing.T) {
	clock := newFakeClock()
	set := NewSet(clock.Now)

	key := NewFeedKey("r/golang", provider.SortHot)
	batch := PostBatch{
		Posts: []provider.Post{{Name: "t3_one", Title: "First"}},
		After: "t3_cursor",
	}
	set.StoreFeed(key, batch)

	got, ok := set.LookupFeed(key)
	require.True(t, ok)
	require.Equal(t, "t3_cursor", got.After)
	require.Len(t, got.Posts, 1)

	clock.Advance(FeedTTL)
	_, ok = set.LookupFeed(key)
	require.False(t, ok)
}

func TestSetCommentsTTL(t *testing.T) {
	clock := newFakeClock()
	set := NewSet(clock.Now)

	set.StoreComments("t3_one", []provider.Comment{{Name: "t1_a", Body: "hi"}})

	clock.Advance(CommentTTL - time.Second)
	comments, ok := set.LookupComments("t3_one")
	require.True(t, ok)
	require.Len(t, comments, 1)

	clock.Advance(time.Second)
	_, ok = set.LookupComments("t3_one")
	require.False(t, ok)
}

func TestSetScopeSwitchClearsAllCaches(t *testing.T) {
	set := NewSet(nil)
	set.SetScope(feedloop.AccountScope(1))

	key := NewFeedKey("r/golang", provider.SortHot)
	set.StoreFeed(key, PostBatch{Posts: []provider.Post{{Name: "t3_one"}}})
	set.StoreComments("t3_one", []provider.Comment{{Name: "t1_a"}})
	set.StoreContent("t3_one", "rendered")

	set.SetScope(feedloop.AccountScope(2))

	_, ok := set.LookupFeed(key)
	require.False(t, ok)
	_, ok = set.LookupComments("t3_one")
	require.False(t, ok)
	_, ok = set.LookupContent("t3_one")
	require.False(t, ok)
}

func TestSetScopeUnchangedKeepsCaches(t *testing.T) {
	set := NewSet(nil)
	set.SetScope(feedloop.AccountScope(1))

	set.StoreContent("t3_one", "rendered")
	set.SetScope(feedloop.AccountScope(1))

	rendered, ok := set.LookupContent("t3_one")
	require.True(t, ok)
	require.Equal(t, "rendered", rendered)
}

func TestStoreFeedInvalidatesContent(t *testing.T) {
	set := NewSet(nil)

	set.StoreContent("t3_one", "old render")
	set.StoreContent("t3_other", "unrelated")

	key := NewFeedKey("", provider.SortHot)
	set.StoreFeed(key, PostBatch{Posts: []provider.Post{{Name: "t3_one"}}})

	_, ok := set.LookupContent("t3_one")
	require.False(t, ok)

	rendered, ok := set.LookupContent("t3_other")
	require.True(t, ok)
	require.Equal(t, "unrelated", rendered)
}

func TestMergePostsDedupesByName(t *testing.T) {
	existing := []provider.Post{
		{Name: "t3_a", Title: "A"},
		{Name: "t3_b", Title: "B"},
	}
	incoming := []provider.Post{
		{Name: "t3_b", Title: "B updated"},
		{Name: "t3_c", Title: "C"},
	}

	merged := MergePosts(existing, incoming)
	require.Len(t, merged, 3)
	require.Equal(t, "t3_a", merged[0].Name)
	require.Equal(t, "t3_b", merged[1].Name)
	// The existing copy wins on duplicates.
	require.Equal(t, "B", merged[1].Title)
	require.Equal(t, "t3_c", merged[2].Name)
}

func TestMergePostsEmptyExisting(t *testing.T) {
	incoming := []provider.Post{{Name: "t3_a"}}
	merged := MergePosts(nil, incoming)
	require.Len(t, merged, 1)
}
