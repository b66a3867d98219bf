package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore implements durable storage using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// BoltStoreOption configures a BoltStore instance.
type BoltStoreOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltStoreOption {
	return func(s *BoltStore) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltStoreOption {
	return func(s *BoltStore) {
		s.now = now
	}
}

// NewBoltStore creates a new BoltStore instance with options.
func NewBoltStore(opts ...BoltStoreOption) *BoltStore {
	s := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path, creating buckets as needed.
func (s *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := s.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	s.logger.Debug("opened store", "path", path)
	return nil
}

func (s *BoltStore) createBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketAccounts,
			bucketAccountsByProvider,
			bucketTokens,
			bucketMedia,
			bucketMediaByURL,
			bucketSettings,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing store")
	return s.db.Close()
}

// UpsertAccount inserts or updates an account keyed by its provider id and
// returns the account's id. An existing account keeps its id and created-at.
func (s *BoltStore) UpsertAccount(_ context.Context, account Account) (int64, error) {
	if account.ProviderID == "" {
		return 0, fmt.Errorf("provider id required")
	}

	now := s.now()
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		byProvider := tx.Bucket(bucketAccountsByProvider)

		if existing := byProvider.Get([]byte(account.ProviderID)); existing != nil {
			id = btoi(existing)
			var prev Account
			if raw := accounts.Get(existing); raw != nil {
				if err := json.Unmarshal(raw, &prev); err != nil {
					return fmt.Errorf("decoding account: %w", err)
				}
				account.CreatedAt = prev.CreatedAt
			}
		} else {
			seq, err := accounts.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating account id: %w", err)
			}
			id = int64(seq)
			account.CreatedAt = now
			if err := byProvider.Put([]byte(account.ProviderID), itob(id)); err != nil {
				return fmt.Errorf("indexing account: %w", err)
			}
		}

		account.ID = id
		account.UpdatedAt = now

		data, err := json.Marshal(&account)
		if err != nil {
			return fmt.Errorf("encoding account: %w", err)
		}
		return accounts.Put(itob(id), data)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetAccount retrieves an account by id.
func (s *BoltStore) GetAccount(_ context.Context, id int64) (*Account, error) {
	var account Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAccounts).Get(itob(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &account)
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountByProviderID retrieves an account by its provider-side id.
func (s *BoltStore) GetAccountByProviderID(ctx context.Context, providerID string) (*Account, error) {
	var id int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAccountsByProvider).Get([]byte(providerID))
		if raw == nil {
			return ErrNotFound
		}
		id = btoi(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

// ListAccounts returns all accounts, most recently updated first.
func (s *BoltStore) ListAccounts(_ context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var account Account
			if err := json.Unmarshal(v, &account); err != nil {
				return fmt.Errorf("decoding account: %w", err)
			}
			accounts = append(accounts, account)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].UpdatedAt.After(accounts[j].UpdatedAt)
	})
	return accounts, nil
}

// UpsertToken stores the token for an account, replacing any previous one.
func (s *BoltStore) UpsertToken(_ context.Context, token Token) error {
	if token.AccountID == 0 {
		return fmt.Errorf("account id required for token")
	}

	data, err := json.Marshal(&token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Put(itob(token.AccountID), data)
	})
}

// GetToken retrieves the stored token for an account.
func (s *BoltStore) GetToken(_ context.Context, accountID int64) (*Token, error) {
	var token Token
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTokens).Get(itob(accountID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// UpsertMediaEntry inserts or updates a media entry keyed by URL and returns
// its id. Re-fetches of the same URL refresh the existing row in place.
func (s *BoltStore) UpsertMediaEntry(_ context.Context, entry MediaEntry) (int64, error) {
	if entry.URL == "" {
		return 0, fmt.Errorf("media url required")
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = s.now()
	}

	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		media := tx.Bucket(bucketMedia)
		byURL := tx.Bucket(bucketMediaByURL)

		if existing := byURL.Get([]byte(entry.URL)); existing != nil {
			id = btoi(existing)
		} else {
			seq, err := media.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating media id: %w", err)
			}
			id = int64(seq)
			if err := byURL.Put([]byte(entry.URL), itob(id)); err != nil {
				return fmt.Errorf("indexing media entry: %w", err)
			}
		}

		entry.ID = id
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encoding media entry: %w", err)
		}
		return media.Put(itob(id), data)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetMediaEntryByURL retrieves a media entry by its source URL.
func (s *BoltStore) GetMediaEntryByURL(_ context.Context, url string) (*MediaEntry, error) {
	var entry MediaEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketMediaByURL).Get([]byte(url))
		if id == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketMedia).Get(id)
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// TotalMediaSize returns the sum of size bytes across all media entries.
func (s *BoltStore) TotalMediaSize(_ context.Context) (int64, error) {
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			var entry MediaEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding media entry: %w", err)
			}
			total += entry.SizeBytes
			return nil
		})
	})
	return total, err
}

// ListOldestMedia returns up to limit media entries ordered by fetched-at
// ascending, ties broken by id.
func (s *BoltStore) ListOldestMedia(_ context.Context, limit int) ([]MediaEntry, error) {
	var entries []MediaEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMedia).ForEach(func(_, v []byte) error {
			var entry MediaEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding media entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].FetchedAt.Equal(entries[j].FetchedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].FetchedAt.Before(entries[j].FetchedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// DeleteMediaEntries removes the media entries with the given ids along with
// their URL index entries.
func (s *BoltStore) DeleteMediaEntries(_ context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		media := tx.Bucket(bucketMedia)
		byURL := tx.Bucket(bucketMediaByURL)

		for _, id := range ids {
			key := itob(id)
			raw := media.Get(key)
			if raw == nil {
				continue
			}
			var entry MediaEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				if err := byURL.Delete([]byte(entry.URL)); err != nil {
					return fmt.Errorf("deleting media index: %w", err)
				}
			}
			if err := media.Delete(key); err != nil {
				return fmt.Errorf("deleting media entry: %w", err)
			}
		}
		return nil
	})
}

// LastActiveAccountID returns the persisted active-account pointer, or zero
// if none has been recorded.
func (s *BoltStore) LastActiveAccountID(_ context.Context) (int64, error) {
	var id int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketSettings).Get(settingLastActiveAccount); raw != nil {
			id = btoi(raw)
		}
		return nil
	})
	return id, err
}

// SetLastActiveAccountID persists the active-account pointer.
func (s *BoltStore) SetLastActiveAccountID(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(settingLastActiveAccount, itob(id))
	})
}
