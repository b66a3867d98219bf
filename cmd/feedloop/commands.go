package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/feedloop/dispatch"
	"github.com/wolfeidau/feedloop/media"
	"github.com/wolfeidau/feedloop/provider"
)

// loginTimeout bounds how long we wait for the browser redirect.
const loginTimeout = 5 * time.Minute

// LoginCmd runs the browser authorization flow and stores the account.
type LoginCmd struct{}

func (c *LoginCmd) Run(app *App) error {
	if app.cfg.Provider.ClientID == "" {
		return fmt.Errorf("provider.client_id is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()

	sessions, err := app.Sessions(ctx)
	if err != nil {
		return err
	}

	authz, err := sessions.BeginLogin()
	if err != nil {
		return fmt.Errorf("starting login: %w", err)
	}

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Println("  " + authz.URL)
	fmt.Println()

	account, err := sessions.CompleteLogin(ctx, authz)
	if err != nil {
		return fmt.Errorf("completing login: %w", err)
	}

	fmt.Printf("Signed in as %s (account %d)\n", account.Username, account.ID)
	return nil
}

// AccountsCmd lists stored accounts, marking the active one.
type AccountsCmd struct{}

func (c *AccountsCmd) Run(app *App) error {
	ctx := context.Background()

	sessions, err := app.Sessions(ctx)
	if err != nil {
		return err
	}

	st, err := app.Store()
	if err != nil {
		return err
	}

	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts stored, run `feedloop login` first.")
		return nil
	}

	var activeID int64
	if session, ok := sessions.Active(); ok {
		activeID = session.Account.ID
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tSTATE\tACTIVE")
	for _, account := range accounts {
		active := ""
		if account.ID == activeID {
			active = "*"
		}
		status := sessions.AccountStatus(account.ID)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", account.ID, account.Username, status.State, active)
	}
	return w.Flush()
}

// SwitchCmd makes a stored account the active one.
type SwitchCmd struct {
	ID int64 `arg:"" help:"Account id to activate."`
}

func (c *SwitchCmd) Run(app *App) error {
	ctx := context.Background()

	sessions, err := app.Sessions(ctx)
	if err != nil {
		return err
	}

	if err := sessions.Switch(ctx, c.ID); err != nil {
		return err
	}

	session, _ := sessions.Active()
	fmt.Printf("Active account is now %s (account %d)\n", session.Account.Username, session.Account.ID)
	return nil
}

// FeedCmd loads one page of a feed through the dispatcher and cache set.
type FeedCmd struct {
	Target string `arg:"" optional:"" help:"Subreddit name, empty for the front page."`
	Sort   string `help:"Listing sort order." enum:"best,hot,new,top,rising,controversial" default:"hot"`
	Limit  int    `help:"Posts per page." default:"25"`
	After  string `help:"Cursor to resume paging from."`
}

func (c *FeedCmd) Run(app *App) error {
	ctx := context.Background()

	client, scope, err := app.ActiveClient(ctx)
	if err != nil {
		return err
	}

	d := dispatch.New(dispatch.WithLogger(app.logger))
	set := dispatch.NewSet(nil)
	set.SetScope(scope)

	sort := provider.SortOption(c.Sort)
	key := dispatch.NewFeedKey(c.Target, sort)
	paging := provider.PagingOptions{After: c.After, Limit: c.Limit}

	result, err := await(ctx, d, dispatch.KindFeed, func(ctx context.Context, _ uint64, _ *dispatch.Flag) (any, error) {
		var listing *provider.Listing
		var err error
		if key.Target == "" {
			listing, err = client.FrontPage(ctx, sort, paging)
		} else {
			listing, err = client.SubredditFeed(ctx, key.Target, sort, paging)
		}
		if err != nil {
			return nil, err
		}
		return dispatch.FeedPayload{
			Key:   key,
			Batch: dispatch.PostBatch{Posts: listing.Posts, After: listing.After},
		}, nil
	})
	if err != nil {
		return fmt.Errorf("loading feed: %w", err)
	}

	payload := result.Payload.(dispatch.FeedPayload)
	set.StoreFeed(payload.Key, payload.Batch)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tCOMMENTS\tSUBREDDIT\tTITLE")
	for _, post := range payload.Batch.Posts {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", post.Score, post.NumComments, post.Subreddit, post.Title)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if payload.Batch.After != "" {
		fmt.Printf("\nNext page: --after %s\n", payload.Batch.After)
	}
	return nil
}

// CommentsCmd loads a post's comment tree.
type CommentsCmd struct {
	Subreddit string `arg:"" help:"Subreddit the post lives in."`
	Article   string `arg:"" help:"Post id (without the t3_ prefix)."`
}

func (c *CommentsCmd) Run(app *App) error {
	ctx := context.Background()

	client, scope, err := app.ActiveClient(ctx)
	if err != nil {
		return err
	}

	d := dispatch.New(dispatch.WithLogger(app.logger))
	set := dispatch.NewSet(nil)
	set.SetScope(scope)

	result, err := await(ctx, d, dispatch.KindComments, func(ctx context.Context, _ uint64, _ *dispatch.Flag) (any, error) {
		post, comments, err := client.Comments(ctx, c.Subreddit, c.Article)
		if err != nil {
			return nil, err
		}
		return dispatch.CommentsPayload{PostName: post.Name, Post: post, Comments: comments}, nil
	})
	if err != nil {
		return fmt.Errorf("loading comments: %w", err)
	}

	payload := result.Payload.(dispatch.CommentsPayload)
	set.StoreComments(payload.PostName, payload.Comments)

	fmt.Printf("%s\nby %s, %d points, %d comments\n\n",
		payload.Post.Title, payload.Post.Author, payload.Post.Score, payload.Post.NumComments)
	printComments(payload.Comments)
	return nil
}

func printComments(comments []provider.Comment) {
	for _, comment := range comments {
		indent := strings.Repeat("  ", comment.Depth)
		fmt.Printf("%s%s (%d)\n", indent, comment.Author, comment.Score)
		for _, line := range strings.Split(comment.Body, "\n") {
			fmt.Printf("%s  %s\n", indent, line)
		}
		printComments(comment.Replies)
	}
}

// SubredditsCmd lists the active account's subscribed subreddits.
type SubredditsCmd struct{}

func (c *SubredditsCmd) Run(app *App) error {
	ctx := context.Background()

	client, _, err := app.ActiveClient(ctx)
	if err != nil {
		return err
	}

	subreddits, err := client.Subscribed(ctx)
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSUBSCRIBERS\tTITLE")
	for _, subreddit := range subreddits {
		fmt.Fprintf(w, "%s\t%d\t%s\n", subreddit.Name, subreddit.Subscribers, subreddit.Title)
	}
	return w.Flush()
}

// MediaCmd groups the media cache operations.
type MediaCmd struct {
	Fetch MediaFetchCmd `cmd:"" help:"Fetch a media URL into the cache."`
	Prune MediaPruneCmd `cmd:"" help:"Prune the media cache down to its size budget."`
}

// MediaFetchCmd fetches one media URL through the cache.
type MediaFetchCmd struct {
	URL   string `arg:"" help:"Media URL to fetch."`
	Width int64  `help:"Display width hint recorded with the entry."`
	Force bool   `help:"Re-download even if the cached copy is fresh."`
}

func (c *MediaFetchCmd) Run(app *App) error {
	ctx := context.Background()

	m, err := app.Media()
	if err != nil {
		return err
	}

	entry, hit, err := m.Fetch(ctx, media.Request{URL: c.URL, Width: c.Width, Force: c.Force})
	if err != nil {
		return fmt.Errorf("fetching media: %w", err)
	}

	source := "downloaded"
	if hit {
		source = "cached"
	}
	fmt.Printf("%s %s (%d bytes, %s)\n", source, entry.FilePath, entry.SizeBytes, entry.MediaType)
	return nil
}

// MediaPruneCmd deletes oldest entries until the cache fits its budget.
type MediaPruneCmd struct{}

func (c *MediaPruneCmd) Run(app *App) error {
	m, err := app.Media()
	if err != nil {
		return err
	}

	deleted, err := m.Prune()
	if err != nil {
		return fmt.Errorf("pruning media cache: %w", err)
	}

	fmt.Printf("Deleted %d entries\n", deleted)
	return nil
}
