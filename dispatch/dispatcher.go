// Package dispatch is the orchestration core of the client: it runs
// cancellable background jobs, tracks the latest request per operation kind,
// multiplexes results onto one channel drained by a single consumer, and
// maintains the scoped in-memory caches that short-circuit dispatch.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/wolfeidau/feedloop/telemetry"
)

// Kind is the category of an async operation. At most one job per kind is
// tracked at a time; dispatching a new job of a kind supersedes the old one.
type Kind int

const (
	KindFeed Kind = iota
	KindComments
	KindContent
	KindSubreddits
	KindPostRows

	// KindEvent tags untracked results (votes, login completions, media
	// previews). They carry request id zero and are applied unconditionally.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "feed"
	case KindComments:
		return "comments"
	case KindContent:
		return "content"
	case KindSubreddits:
		return "subreddits"
	case KindPostRows:
		return "post_rows"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Flag is a shared cooperative cancellation token. Jobs must check it before
// each externally observable step; cancellation never aborts in-flight I/O,
// it only suppresses the result.
type Flag struct {
	canceled atomic.Bool
}

// Cancel marks the flag.
func (f *Flag) Cancel() {
	f.canceled.Store(true)
}

// Canceled reports whether the flag has been set.
func (f *Flag) Canceled() bool {
	return f.canceled.Load()
}

// Result is one completed job, tagged with its kind and request id. Errors
// travel the same way as successes and are discarded under the same
// staleness rule.
type Result struct {
	Kind      Kind
	RequestID uint64
	Payload   any
	Err       error
}

// Job is the work a dispatched operation performs off the consumer
// goroutine. It receives its request id and cancellation flag.
type Job func(ctx context.Context, requestID uint64, flag *Flag) (any, error)

type pendingOp struct {
	requestID uint64
	flag      *Flag
}

const resultBuffer = 64

// Dispatcher runs one freshest job per kind and delivers results to a single
// consumer.
//
// The pending slots and id counter are touched only from the consumer
// goroutine (Dispatch, Poll, Cancel), so they need no locking. Workers
// communicate purely through the result channel.
type Dispatcher struct {
	logger  *slog.Logger
	results chan Result
	nextID  uint64
	pending map[Kind]*pendingOp
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a new Dispatcher.
func New(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:  slog.Default(),
		results: make(chan Result, resultBuffer),
		pending: make(map[Kind]*pendingOp),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch allocates a new request id, supersedes any pending operation of
// the same kind, and runs job on its own goroutine. Returns the request id.
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, job Job) uint64 {
	d.nextID++
	id := d.nextID

	if prev, ok := d.pending[kind]; ok {
		prev.flag.Cancel()
		d.logger.Debug("superseding pending operation",
			"kind", kind.String(),
			"old_request_id", prev.requestID,
			"new_request_id", id,
		)
	}

	flag := &Flag{}
	d.pending[kind] = &pendingOp{requestID: id, flag: flag}

	go func() {
		payload, err := job(ctx, id, flag)
		if flag.Canceled() {
			return
		}
		d.results <- Result{Kind: kind, RequestID: id, Payload: payload, Err: err}
	}()

	return id
}

// Go runs untracked background work (votes, login, subscription checks).
// Its result carries request id zero and is applied unconditionally.
func (d *Dispatcher) Go(ctx context.Context, fn func(ctx context.Context) (any, error)) {
	go func() {
		payload, err := fn(ctx)
		d.results <- Result{Kind: KindEvent, Payload: payload, Err: err}
	}()
}

// Poll drains all currently queued results without blocking, calling apply
// for each one that is still relevant. A result whose request id does not
// match the pending slot for its kind, or whose flag is set, is discarded.
// Returns the number of results applied.
//
// Poll must be called from the consumer goroutine, once per tick.
func (d *Dispatcher) Poll(apply func(Result)) int {
	applied := 0
	for {
		select {
		case result := <-d.results:
			if d.deliver(result, apply) {
				applied++
			}
		default:
			return applied
		}
	}
}

func (d *Dispatcher) deliver(result Result, apply func(Result)) bool {
	if result.RequestID == 0 {
		apply(result)
		telemetry.RecordDispatchResult(context.Background(), result.Kind.String(), outcome(result))
		return true
	}

	pending, ok := d.pending[result.Kind]
	if !ok || pending.requestID != result.RequestID || pending.flag.Canceled() {
		d.logger.Debug("discarding stale result",
			"kind", result.Kind.String(),
			"request_id", result.RequestID,
		)
		telemetry.RecordDispatchResult(context.Background(), result.Kind.String(), "stale")
		return false
	}

	delete(d.pending, result.Kind)
	apply(result)
	telemetry.RecordDispatchResult(context.Background(), result.Kind.String(), outcome(result))
	return true
}

func outcome(result Result) string {
	if result.Err != nil {
		return "error"
	}
	return "applied"
}

// Cancel flips the flag of the pending operation of a kind, if any, and
// clears its slot. Any queued result for it will be discarded by id.
func (d *Dispatcher) Cancel(kind Kind) {
	if pending, ok := d.pending[kind]; ok {
		pending.flag.Cancel()
		delete(d.pending, kind)
	}
}

// CancelAll cancels every pending operation. Called on account switch.
func (d *Dispatcher) CancelAll() {
	for kind, pending := range d.pending {
		pending.flag.Cancel()
		delete(d.pending, kind)
	}
}

// Pending returns the request id tracked for a kind, if any.
func (d *Dispatcher) Pending(kind Kind) (uint64, bool) {
	if pending, ok := d.pending[kind]; ok {
		return pending.requestID, true
	}
	return 0, false
}
