package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is the authenticated API endpoint.
	DefaultBaseURL = "https://oauth.reddit.com"

	// DefaultTimeout is the per-call deadline for API requests.
	DefaultTimeout = 10 * time.Second

	// DefaultUserAgent identifies the client to the provider.
	DefaultUserAgent = "feedloop/1.0"

	subscribedPageSize = 100
)

// ErrNotFound is returned when the requested resource does not exist.
var ErrNotFound = errors.New("not found")

// RateLimit captures the provider's most recently reported quota headers.
type RateLimit struct {
	Remaining float64
	Used      int64
	Reset     time.Duration
}

// Client talks to the content provider API. It implements FeedService,
// CommentService, SubredditService, InteractionService, and IdentityService.
type Client struct {
	baseURL   string
	userAgent string
	tokens    TokenProvider
	client    *http.Client
	logger    *slog.Logger

	mu        sync.Mutex
	rateLimit RateLimit
}

var (
	_ FeedService        = (*Client)(nil)
	_ CommentService     = (*Client)(nil)
	_ SubredditService   = (*Client)(nil)
	_ InteractionService = (*Client)(nil)
	_ IdentityService    = (*Client)(nil)
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the API endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new API client. Tokens are fetched from the provider
// on every call, never cached.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		tokens:    tokens,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastRateLimit returns the quota headers from the most recent response.
func (c *Client) LastRateLimit() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining token: %w", err)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("raw_json", "1")

	target := c.baseURL + path + "?" + query.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.captureRateLimit(resp)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) captureRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-Ratelimit-Remaining")
	if remaining == "" {
		return
	}

	rl := RateLimit{}
	rl.Remaining, _ = strconv.ParseFloat(remaining, 64)
	rl.Used, _ = strconv.ParseInt(resp.Header.Get("X-Ratelimit-Used"), 10, 64)
	if secs, err := strconv.ParseInt(resp.Header.Get("X-Ratelimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Duration(secs) * time.Second
	}

	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()
}

func pagingQuery(paging PagingOptions) url.Values {
	query := url.Values{}
	if paging.After != "" {
		query.Set("after", paging.After)
	}
	if paging.Limit > 0 {
		query.Set("limit", strconv.Itoa(paging.Limit))
	}
	return query
}

// FrontPage loads the caller's front page listing.
func (c *Client) FrontPage(ctx context.Context, sort SortOption, paging PagingOptions) (*Listing, error) {
	var envelope thing
	if err := c.do(ctx, http.MethodGet, "/"+string(sort), pagingQuery(paging), nil, &envelope); err != nil {
		return nil, err
	}
	return decodeListing(envelope)
}

// SubredditFeed loads the listing for one subreddit.
func (c *Client) SubredditFeed(ctx context.Context, name string, sort SortOption, paging PagingOptions) (*Listing, error) {
	path := fmt.Sprintf("/r/%s/%s", url.PathEscape(name), sort)

	var envelope thing
	if err := c.do(ctx, http.MethodGet, path, pagingQuery(paging), nil, &envelope); err != nil {
		return nil, err
	}
	return decodeListing(envelope)
}

// Comments loads a post and its comment tree. The response is a two-element
// array: the post listing, then the comment listing.
func (c *Client) Comments(ctx context.Context, subreddit, article string) (*Post, []Comment, error) {
	path := fmt.Sprintf("/r/%s/comments/%s", url.PathEscape(subreddit), url.PathEscape(article))

	var envelopes []thing
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &envelopes); err != nil {
		return nil, nil, err
	}
	if len(envelopes) != 2 {
		return nil, nil, fmt.Errorf("expected 2 listings, got %d", len(envelopes))
	}

	postListing, err := decodeListing(envelopes[0])
	if err != nil {
		return nil, nil, err
	}
	if len(postListing.Posts) == 0 {
		return nil, nil, ErrNotFound
	}

	comments, err := decodeComments(envelopes[1], 0)
	if err != nil {
		return nil, nil, err
	}
	return &postListing.Posts[0], comments, nil
}

// Subscribed lists the caller's subscribed subreddits across all pages,
// deduplicated by name.
func (c *Client) Subscribed(ctx context.Context) ([]Subreddit, error) {
	var subreddits []Subreddit
	seen := map[string]bool{}
	after := ""

	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(subscribedPageSize))
		if after != "" {
			query.Set("after", after)
		}

		var envelope thing
		if err := c.do(ctx, http.MethodGet, "/subreddits/mine/subscriber", query, nil, &envelope); err != nil {
			return nil, err
		}

		var data listingData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding subreddit listing: %w", err)
		}

		for _, child := range data.Children {
			if child.Kind != "t5" {
				continue
			}
			var sd subredditData
			if err := json.Unmarshal(child.Data, &sd); err != nil {
				return nil, fmt.Errorf("decoding subreddit: %w", err)
			}
			if seen[sd.DisplayName] {
				continue
			}
			seen[sd.DisplayName] = true
			subreddits = append(subreddits, Subreddit{
				Name:        sd.DisplayName,
				Title:       sd.Title,
				Subscribers: sd.Subscribers,
				Subscribed:  true,
			})
		}

		if data.After == "" {
			break
		}
		after = data.After
	}
	return subreddits, nil
}

// Vote casts the caller's vote on a post or comment.
func (c *Client) Vote(ctx context.Context, fullname string, dir VoteDirection) error {
	form := url.Values{}
	form.Set("id", fullname)
	form.Set("dir", strconv.Itoa(int(dir)))
	return c.do(ctx, http.MethodPost, "/api/vote", nil, form, nil)
}

// Save adds a post or comment to the caller's saved list.
func (c *Client) Save(ctx context.Context, fullname string) error {
	form := url.Values{}
	form.Set("id", fullname)
	return c.do(ctx, http.MethodPost, "/api/save", nil, form, nil)
}

// Unsave removes a post or comment from the caller's saved list.
func (c *Client) Unsave(ctx context.Context, fullname string) error {
	form := url.Values{}
	form.Set("id", fullname)
	return c.do(ctx, http.MethodPost, "/api/unsave", nil, form, nil)
}

// Hide hides a post from the caller's listings.
func (c *Client) Hide(ctx context.Context, fullname string) error {
	form := url.Values{}
	form.Set("id", fullname)
	return c.do(ctx, http.MethodPost, "/api/hide", nil, form, nil)
}

// Unhide reverses Hide.
func (c *Client) Unhide(ctx context.Context, fullname string) error {
	form := url.Values{}
	form.Set("id", fullname)
	return c.do(ctx, http.MethodPost, "/api/unhide", nil, form, nil)
}

// Reply posts a comment under the given parent fullname and returns the
// created comment.
func (c *Client) Reply(ctx context.Context, parent, text string) (*Comment, error) {
	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("thing_id", parent)
	form.Set("text", text)

	var resp struct {
		JSON struct {
			Errors [][]any `json:"errors"`
			Data   struct {
				Things []thing `json:"things"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/comment", nil, form, &resp); err != nil {
		return nil, err
	}
	if len(resp.JSON.Errors) > 0 {
		return nil, fmt.Errorf("reply rejected: %v", resp.JSON.Errors[0])
	}
	if len(resp.JSON.Data.Things) == 0 {
		return nil, fmt.Errorf("reply response missing comment")
	}

	var cd commentData
	if err := json.Unmarshal(resp.JSON.Data.Things[0].Data, &cd); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &Comment{
		Name:      cd.Name,
		Author:    cd.Author,
		Body:      cd.Body,
		Score:     cd.Score,
		CreatedAt: epochTime(cd.CreatedUTC),
	}, nil
}

// Subscribe subscribes the caller to a subreddit.
func (c *Client) Subscribe(ctx context.Context, subreddit string) error {
	return c.subscribe(ctx, subreddit, "sub")
}

// Unsubscribe removes the caller's subscription to a subreddit.
func (c *Client) Unsubscribe(ctx context.Context, subreddit string) error {
	return c.subscribe(ctx, subreddit, "unsub")
}

func (c *Client) subscribe(ctx context.Context, subreddit, action string) error {
	form := url.Values{}
	form.Set("action", action)
	form.Set("sr_name", subreddit)
	return c.do(ctx, http.MethodPost, "/api/subscribe", nil, form, nil)
}

// IsSubscribed reports whether the caller is subscribed to a subreddit.
func (c *Client) IsSubscribed(ctx context.Context, subreddit string) (bool, error) {
	path := fmt.Sprintf("/r/%s/about", url.PathEscape(subreddit))

	var envelope thing
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &envelope); err != nil {
		return false, err
	}

	var sd subredditData
	if err := json.Unmarshal(envelope.Data, &sd); err != nil {
		return false, fmt.Errorf("decoding subreddit: %w", err)
	}
	return sd.UserIsSubscriber != nil && *sd.UserIsSubscriber, nil
}

// Me fetches the signed-in user's identity. The display name falls back
// through the profile's prefixed name, its title, then the username.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var resp struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Subreddit struct {
			DisplayNamePrefixed string `json:"display_name_prefixed"`
			Title               string `json:"title"`
		} `json:"subreddit"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, nil, &resp); err != nil {
		return nil, err
	}

	displayName := resp.Subreddit.DisplayNamePrefixed
	if displayName == "" {
		displayName = resp.Subreddit.Title
	}
	if displayName == "" {
		displayName = resp.Name
	}

	return &Identity{
		ProviderID:  resp.ID,
		Username:    resp.Name,
		DisplayName: displayName,
	}, nil
}
