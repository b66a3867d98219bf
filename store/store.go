// Package store provides durable storage for accounts, OAuth tokens, and
// media cache metadata. All operations are synchronous and safe to call from
// arbitrary goroutines; bbolt serializes writes internally.
package store

import (
	"errors"
	"time"

	feedloop "github.com/wolfeidau/feedloop"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Account is a signed-in identity at the content provider.
type Account struct {
	ID          int64     `json:"id"`
	ProviderID  string    `json:"provider_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Token holds the persisted OAuth token details for one account.
type Token struct {
	AccountID    int64     `json:"account_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MediaEntry describes one disk-cached media file, keyed by source URL.
// The file at FilePath is content-addressed by Checksum.
type MediaEntry struct {
	ID        int64         `json:"id"`
	URL       string        `json:"url"`
	MediaType string        `json:"media_type"`
	FilePath  string        `json:"file_path"`
	Width     int64         `json:"width"`
	Height    int64         `json:"height"`
	SizeBytes int64         `json:"size_bytes"`
	FetchedAt time.Time     `json:"fetched_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Checksum  feedloop.Hash `json:"checksum"`
}
