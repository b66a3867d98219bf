// Package media converts on-demand media requests into disk-resident files
// under a global byte budget. A fixed worker pool drains an unbounded job
// queue; downloads for the same URL are deduplicated; every successful
// insert is followed by a pruning pass that evicts the oldest entries until
// the cache is back under budget.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	feedloop "github.com/wolfeidau/feedloop"
	"github.com/wolfeidau/feedloop/store"
	"github.com/wolfeidau/feedloop/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultWorkers is the size of the download worker pool.
	DefaultWorkers = 2

	// DefaultMaxSize is the default cache byte budget.
	DefaultMaxSize = 512 * 1024 * 1024 // 512 MB

	// DefaultTTL is applied to requests that carry no TTL of their own.
	DefaultTTL = 24 * time.Hour

	// pruneBatchSize is how many oldest rows each pruning iteration pulls.
	pruneBatchSize = 100
)

// ErrStopped is returned for requests enqueued after Stop.
var ErrStopped = errors.New("media manager stopped")

// Store is the persistence the media manager depends on.
type Store interface {
	UpsertMediaEntry(ctx context.Context, entry store.MediaEntry) (int64, error)
	GetMediaEntryByURL(ctx context.Context, url string) (*store.MediaEntry, error)
	TotalMediaSize(ctx context.Context) (int64, error)
	ListOldestMedia(ctx context.Context, limit int) ([]store.MediaEntry, error)
	DeleteMediaEntries(ctx context.Context, ids []int64) error
}

var _ Store = (*store.BoltStore)(nil)

// Request asks for one media URL to be made disk-resident.
type Request struct {
	URL string

	// Width and Height are optional display hints recorded on the entry.
	Width  int64
	Height int64

	// ContentTypeHint is used when the response carries no Content-Type.
	ContentTypeHint string

	// TTL overrides the manager's default when non-nil. A pointer to zero
	// means always-stale: the fetch always redownloads.
	TTL *time.Duration

	// Force bypasses the freshness check entirely.
	Force bool
}

// Result is the outcome of one media request.
type Result struct {
	Entry *store.MediaEntry
	Hit   bool
	Err   error
}

// Config holds media cache configuration.
type Config struct {
	// CacheDir is where content-addressed media files are written.
	CacheDir string

	// MaxSize is the cache byte budget. Zero disables pruning.
	MaxSize int64

	// TTL is the default freshness window for cached entries.
	TTL time.Duration

	// Workers is the download worker pool size.
	Workers int

	// HTTPClient overrides the default download client.
	HTTPClient *http.Client

	// UserAgent is sent on download requests.
	UserAgent string

	// Logger for media cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: DefaultMaxSize,
		TTL:     DefaultTTL,
		Workers: DefaultWorkers,
		Logger:  slog.Default(),
	}
}

type job struct {
	req      Request
	resultCh chan Result
}

// Manager downloads and disk-caches media under a byte budget.
type Manager struct {
	cfg    Config
	store  Store
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	// pruneMu guards the pruning pass so concurrent workers never
	// interleave eviction.
	pruneMu sync.Mutex

	mu      sync.Mutex
	queue   []job
	cond    *sync.Cond
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a media cache manager. Start must be called before
// requests are served.
func NewManager(st Store, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		store:  st,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		now:    time.Now,
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 30 * time.Second}
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates the cache directory and spawns the worker pool.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return nil
	}
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	m.started = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	m.logger.Debug("media cache started",
		"dir", m.cfg.CacheDir,
		"workers", m.cfg.Workers,
		"max_size", m.cfg.MaxSize,
	)
	return nil
}

// Stop signals every worker and joins them. In-flight downloads are not
// aborted; their results are delivered to receivers nobody reads.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.wg.Wait()
}

// Enqueue pushes a request onto the job queue and returns a one-shot
// receiver for its result. The queue is unbounded; Enqueue never blocks.
func (m *Manager) Enqueue(req Request) <-chan Result {
	resultCh := make(chan Result, 1)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		resultCh <- Result{Err: ErrStopped}
		return resultCh
	}
	m.queue = append(m.queue, job{req: req, resultCh: resultCh})
	m.cond.Signal()
	m.mu.Unlock()

	return resultCh
}

// Fetch enqueues a request and waits for its result or ctx expiry.
func (m *Manager) Fetch(ctx context.Context, req Request) (*store.MediaEntry, bool, error) {
	select {
	case result := <-m.Enqueue(req):
		return result.Entry, result.Hit, result.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped && len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		next.resultCh <- m.serve(next.req)
	}
}

func (m *Manager) serve(req Request) Result {
	start := m.now()

	ttl := m.cfg.TTL
	if req.TTL != nil {
		ttl = *req.TTL
	}

	if !req.Force {
		entry, err := m.store.GetMediaEntryByURL(context.Background(), req.URL)
		if err == nil && m.fresh(entry, ttl) && fileExists(entry.FilePath) {
			telemetry.RecordMediaFetch(context.Background(), "hit", m.now().Sub(start), 0)
			return Result{Entry: entry, Hit: true}
		}
	}

	entry, err := m.download(req, ttl)
	if err != nil {
		telemetry.RecordMediaFetch(context.Background(), "error", m.now().Sub(start), 0)
		m.logger.Warn("media fetch failed", "url", req.URL, "error", err)
		return Result{Err: err}
	}

	telemetry.RecordMediaFetch(context.Background(), "download", m.now().Sub(start), entry.SizeBytes)
	return Result{Entry: entry}
}

// fresh reports whether fetchedAt + ttl is still in the future. A zero TTL
// is always stale.
func (m *Manager) fresh(entry *store.MediaEntry, ttl time.Duration) bool {
	return entry.FetchedAt.Add(ttl).After(m.now())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// download fetches the URL, writes a content-addressed file, upserts the
// entry, and prunes. Concurrent downloads of the same URL are collapsed
// into one fetch shared by all waiters.
func (m *Manager) download(req Request, ttl time.Duration) (*store.MediaEntry, error) {
	ch := m.group.DoChan(req.URL, func() (any, error) {
		return m.doDownload(req, ttl)
	})

	result := <-ch
	if result.Err != nil {
		m.group.Forget(req.URL)
		return nil, result.Err
	}
	return result.Val.(*store.MediaEntry), nil
}

func (m *Manager) doDownload(req Request, ttl time.Duration) (*store.MediaEntry, error) {
	httpReq, err := http.NewRequest(http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if m.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", m.cfg.UserAgent)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("downloading media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media server returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}

	mediaType := resolveContentType(resp.Header.Get("Content-Type"), req.ContentTypeHint, data)

	checksum := feedloop.HashBytes(data)
	filePath := filepath.Join(m.cfg.CacheDir, checksum.String()+".bin")
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing media file: %w", err)
	}

	fetchedAt := m.now().UTC()
	entry := store.MediaEntry{
		URL:       req.URL,
		MediaType: mediaType,
		FilePath:  filePath,
		Width:     req.Width,
		Height:    req.Height,
		SizeBytes: int64(len(data)),
		FetchedAt: fetchedAt,
		Checksum:  checksum,
	}
	if ttl > 0 {
		entry.ExpiresAt = fetchedAt.Add(ttl)
	}

	id, err := m.store.UpsertMediaEntry(context.Background(), entry)
	if err != nil {
		return nil, fmt.Errorf("persisting media entry: %w", err)
	}
	entry.ID = id

	m.prune()

	m.logger.Debug("media cached",
		"url", req.URL,
		"media_type", mediaType,
		"size", entry.SizeBytes,
		"checksum", checksum.ShortString(),
	)
	return &entry, nil
}

// resolveContentType picks the media type: response header, then the
// request hint, then sniffing the payload.
func resolveContentType(header, hint string, data []byte) string {
	if header != "" {
		return header
	}
	if hint != "" {
		return hint
	}
	return http.DetectContentType(data)
}

// Prune runs a pruning pass immediately.
func (m *Manager) Prune() (int, error) {
	return m.prune()
}

// prune evicts oldest entries until the cache is under budget or no rows
// remain. File deletion is best-effort; row deletion is what counts
// against the budget.
func (m *Manager) prune() (int, error) {
	if m.cfg.MaxSize <= 0 {
		return 0, nil
	}

	m.pruneMu.Lock()
	defer m.pruneMu.Unlock()

	start := m.now()
	ctx := context.Background()

	total, err := m.store.TotalMediaSize(ctx)
	if err != nil {
		return 0, fmt.Errorf("computing cache size: %w", err)
	}
	if total <= m.cfg.MaxSize {
		return 0, nil
	}

	deleted := 0
	for total > m.cfg.MaxSize {
		batch, err := m.store.ListOldestMedia(ctx, pruneBatchSize)
		if err != nil {
			return deleted, fmt.Errorf("listing oldest media: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var ids []int64
		for _, entry := range batch {
			if total <= m.cfg.MaxSize {
				break
			}
			_ = os.Remove(entry.FilePath)
			ids = append(ids, entry.ID)
			total -= entry.SizeBytes
		}
		if len(ids) == 0 {
			break
		}

		if err := m.store.DeleteMediaEntries(ctx, ids); err != nil {
			return deleted, fmt.Errorf("deleting media entries: %w", err)
		}
		deleted += len(ids)
	}

	telemetry.RecordMediaPrune(context.Background(), deleted, m.now().Sub(start))
	if deleted > 0 {
		m.logger.Info("pruned media cache",
			"deleted", deleted,
			"total_bytes", total,
			"max_bytes", m.cfg.MaxSize,
		)
	}
	return deleted, nil
}
