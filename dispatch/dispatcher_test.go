package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// drainApplied polls until at least want results have been applied.
func drainApplied(t *testing.T, d *Dispatcher, want int) []Result {
	t.Helper()
	var applied []Result
	require.Eventually(t, func() bool {
		d.Poll(func(r Result) { applied = append(applied, r) })
		return len(applied) >= want
	}, 2*time.Second, time.Millisecond)
	return applied
}

func TestDispatchAndPoll(t *testing.T) {
	d := New()
	ctx := context.Background()

	id := d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		return requestID, nil
	})
	require.Equal(t, uint64(1), id)

	applied := drainApplied(t, d, 1)
	require.Len(t, applied, 1)
	require.Equal(t, KindFeed, applied[0].Kind)
	require.Equal(t, id, applied[0].RequestID)
	require.Equal(t, id, applied[0].Payload)
	require.NoError(t, applied[0].Err)

	_, pending := d.Pending(KindFeed)
	require.False(t, pending)
}

func TestQueuedResultDiscardedAfterRedispatch(t *testing.T) {
	d := New()
	ctx := context.Background()

	first := d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		return requestID, nil
	})

	// Let the first result land in the queue before superseding it.
	require.Eventually(t, func() bool {
		return len(d.results) == 1
	}, time.Second, time.Millisecond)

	release := make(chan struct{})
	second := d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		<-release
		return requestID, nil
	})
	require.Equal(t, first+1, second)

	// The queued first result no longer matches the pending slot.
	var applied []Result
	require.Equal(t, 0, d.Poll(func(r Result) { applied = append(applied, r) }))
	require.Empty(t, applied)

	close(release)
	applied = drainApplied(t, d, 1)
	require.Len(t, applied, 1)
	require.Equal(t, second, applied[0].RequestID)
}

func TestLatestWinsUnderInterleaving(t *testing.T) {
	d := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var lastID uint64
	for i := 0; i < 50; i++ {
		delay := time.Duration(rand.Intn(5)) * time.Millisecond
		wg.Add(1)
		lastID = d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
			defer wg.Done()
			time.Sleep(delay)
			return requestID, nil
		})
	}
	wg.Wait()

	applied := drainApplied(t, d, 1)
	require.Len(t, applied, 1)
	require.Equal(t, lastID, applied[0].RequestID)
	require.Equal(t, lastID, applied[0].Payload)

	// Nothing further arrives once the winner has been applied.
	require.Eventually(t, func() bool {
		return d.Poll(func(Result) {}) == 0 && len(d.results) == 0
	}, time.Second, time.Millisecond)
}

func TestSupersededJobSeesCanceledFlag(t *testing.T) {
	d := New()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	observed := make(chan bool, 1)

	d.Dispatch(ctx, KindComments, func(_ context.Context, _ uint64, flag *Flag) (any, error) {
		close(started)
		<-release
		observed <- flag.Canceled()
		return nil, nil
	})
	<-started

	second := d.Dispatch(ctx, KindComments, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		return requestID, nil
	})

	close(release)
	require.True(t, <-observed)

	applied := drainApplied(t, d, 1)
	require.Len(t, applied, 1)
	require.Equal(t, second, applied[0].RequestID)
}

func TestCancelSuppressesResult(t *testing.T) {
	d := New()
	ctx := context.Background()

	release := make(chan struct{})
	done := make(chan struct{})
	d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		defer close(done)
		<-release
		return requestID, nil
	})

	d.Cancel(KindFeed)
	_, pending := d.Pending(KindFeed)
	require.False(t, pending)

	close(release)
	<-done

	// Worker returned with its flag set, so nothing was sent.
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, d.Poll(func(Result) {}))
}

func TestCancelAll(t *testing.T) {
	d := New()
	ctx := context.Background()

	release := make(chan struct{})
	for _, kind := range []Kind{KindFeed, KindComments, KindSubreddits} {
		d.Dispatch(ctx, kind, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
			<-release
			return requestID, nil
		})
	}

	d.CancelAll()
	close(release)

	for _, kind := range []Kind{KindFeed, KindComments, KindSubreddits} {
		_, pending := d.Pending(kind)
		require.False(t, pending)
	}

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 0, d.Poll(func(Result) {}))
}

func TestErrorsDeliveredInBand(t *testing.T) {
	d := New()
	ctx := context.Background()

	errLoad := errors.New("load failed")
	id := d.Dispatch(ctx, KindFeed, func(_ context.Context, _ uint64, _ *Flag) (any, error) {
		return nil, errLoad
	})

	applied := drainApplied(t, d, 1)
	require.Len(t, applied, 1)
	require.Equal(t, id, applied[0].RequestID)
	require.ErrorIs(t, applied[0].Err, errLoad)
}

func TestUntrackedEventsAppliedUnconditionally(t *testing.T) {
	d := New()
	ctx := context.Background()

	d.Go(ctx, func(_ context.Context) (any, error) {
		return VotePayload{Fullname: "t3_abc", Direction: 1}, nil
	})
	d.Go(ctx, func(_ context.Context) (any, error) {
		return VotePayload{Fullname: "t3_def", Direction: -1}, nil
	})

	applied := drainApplied(t, d, 2)
	require.Len(t, applied, 2)
	for _, r := range applied {
		require.Equal(t, KindEvent, r.Kind)
		require.Zero(t, r.RequestID)
	}
}

func TestKindsTrackedIndependently(t *testing.T) {
	d := New()
	ctx := context.Background()

	feedID := d.Dispatch(ctx, KindFeed, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		return requestID, nil
	})
	commentsID := d.Dispatch(ctx, KindComments, func(_ context.Context, requestID uint64, _ *Flag) (any, error) {
		return requestID, nil
	})

	applied := drainApplied(t, d, 2)
	require.Len(t, applied, 2)

	got := map[Kind]uint64{}
	for _, r := range applied {
		got[r.Kind] = r.RequestID
	}
	require.Equal(t, feedID, got[KindFeed])
	require.Equal(t, commentsID, got[KindComments])
}
