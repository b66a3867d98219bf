package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// thing is the provider's tagged envelope: every object arrives wrapped in
// {"kind": "...", "data": {...}}. Listings are kind "Listing", posts "t3",
// comments "t1", subreddits "t5", and truncation markers "more".
type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	Children []thing `json:"children"`
	After    string  `json:"after"`
}

type postData struct {
	Name        string  `json:"name"`
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Score       int64   `json:"score"`
	NumComments int64   `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Thumbnail   string  `json:"thumbnail"`
	Over18      bool    `json:"over_18"`
	Stickied    bool    `json:"stickied"`
	Saved       bool    `json:"saved"`
	Hidden      bool    `json:"hidden"`
	Likes       *bool   `json:"likes"`
}

type commentData struct {
	Name       string  `json:"name"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	Score      int64   `json:"score"`
	CreatedUTC float64 `json:"created_utc"`

	// Replies is a nested listing thing, or the empty string when the
	// comment has no replies.
	Replies json.RawMessage `json:"replies"`
}

type subredditData struct {
	DisplayName      string `json:"display_name"`
	Title            string `json:"title"`
	Subscribers      int64  `json:"subscribers"`
	UserIsSubscriber *bool  `json:"user_is_subscriber"`
}

func epochTime(secs float64) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

func decodePost(raw json.RawMessage) (Post, error) {
	var data postData
	if err := json.Unmarshal(raw, &data); err != nil {
		return Post{}, fmt.Errorf("decoding post: %w", err)
	}
	return Post{
		Name:        data.Name,
		ID:          data.ID,
		Title:       data.Title,
		Author:      data.Author,
		Subreddit:   data.Subreddit,
		Score:       data.Score,
		NumComments: data.NumComments,
		CreatedAt:   epochTime(data.CreatedUTC),
		URL:         data.URL,
		Permalink:   data.Permalink,
		SelfText:    data.Selftext,
		Thumbnail:   data.Thumbnail,
		NSFW:        data.Over18,
		Stickied:    data.Stickied,
		Saved:       data.Saved,
		Hidden:      data.Hidden,
		Likes:       data.Likes,
	}, nil
}

func decodeListing(t thing) (*Listing, error) {
	if t.Kind != "Listing" {
		return nil, fmt.Errorf("expected Listing, got %q", t.Kind)
	}

	var data listingData
	if err := json.Unmarshal(t.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}

	listing := &Listing{After: data.After}
	for _, child := range data.Children {
		if child.Kind != "t3" {
			continue
		}
		post, err := decodePost(child.Data)
		if err != nil {
			return nil, err
		}
		listing.Posts = append(listing.Posts, post)
	}
	return listing, nil
}

// decodeComments flattens a comment listing into a tree, dropping "more"
// truncation markers. Depth is recorded per node for rendering.
func decodeComments(t thing, depth int) ([]Comment, error) {
	if t.Kind != "Listing" {
		return nil, fmt.Errorf("expected Listing, got %q", t.Kind)
	}

	var data listingData
	if err := json.Unmarshal(t.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding comment listing: %w", err)
	}

	var comments []Comment
	for _, child := range data.Children {
		if child.Kind != "t1" {
			continue
		}

		var cd commentData
		if err := json.Unmarshal(child.Data, &cd); err != nil {
			return nil, fmt.Errorf("decoding comment: %w", err)
		}

		comment := Comment{
			Name:      cd.Name,
			Author:    cd.Author,
			Body:      cd.Body,
			Score:     cd.Score,
			Depth:     depth,
			CreatedAt: epochTime(cd.CreatedUTC),
		}

		if len(cd.Replies) > 0 && cd.Replies[0] == '{' {
			var nested thing
			if err := json.Unmarshal(cd.Replies, &nested); err != nil {
				return nil, fmt.Errorf("decoding replies: %w", err)
			}
			replies, err := decodeComments(nested, depth+1)
			if err != nil {
				return nil, err
			}
			comment.Replies = replies
		}

		comments = append(comments, comment)
	}
	return comments, nil
}
