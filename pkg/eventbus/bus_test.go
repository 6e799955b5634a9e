package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandlerTimeout = time.Second
	cfg.CompletionWindow = 20 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	return cfg
}

func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithSleeper(noSleep)}, opts...)
	b := New(testConfig(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler(_ context.Context, evt Event) ([]Event, error) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil, nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBus_PublishFansOut(t *testing.T) {
	b := newTestBus(t)
	var a, c collector
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "knowledge.created"}}, a.handler))
	require.NoError(t, b.Subscribe("c", []Subscription{{Type: "knowledge.*"}}, c.handler))

	receipt, err := b.Publish(context.Background(), NewEvent("knowledge.created", "test", nil))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, receipt.Delivered)

	require.Eventually(t, func() bool { return a.count() == 1 && c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, b.Routes("knowledge.created"))
	assert.Equal(t, []string{"c"}, b.Routes("knowledge.deleted"))
}

func TestBus_SubscribeValidation(t *testing.T) {
	b := newTestBus(t)
	assert.ErrorIs(t, b.Subscribe("a", []Subscription{{Type: "x"}}, nil), ErrHandlerNil)
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "x"}}, (&collector{}).handler))
	assert.ErrorIs(t, b.Subscribe("a", []Subscription{{Type: "x"}}, (&collector{}).handler), ErrSubscriberExists)
	assert.Error(t, b.Subscribe("bad", []Subscription{{Type: "x", Filter: "payload.n +"}}, (&collector{}).handler))
	assert.ErrorIs(t, b.AddSubscription("ghost", Subscription{Type: "x"}), ErrUnknownSubscriber)

	_, err := b.Publish(context.Background(), Event{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestBus_TargetedDelivery(t *testing.T) {
	b := newTestBus(t)
	var a, c collector
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "job"}}, a.handler))
	require.NoError(t, b.Subscribe("c", []Subscription{{Type: "other"}}, c.handler))

	evt := NewEvent("job", "test", nil)
	evt.Targets = []string{"c"}
	receipt, err := b.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, receipt.Delivered)

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.count())
}

func TestBus_FilterSelectsEvents(t *testing.T) {
	b := newTestBus(t)
	var c collector
	require.NoError(t, b.Subscribe("c", []Subscription{{Type: "metric", Filter: `payload.value > 10`}}, c.handler))

	_, err := b.Publish(context.Background(), NewEvent("metric", "test", map[string]any{"value": 5}))
	require.NoError(t, err)
	receipt, err := b.Publish(context.Background(), NewEvent("metric", "test", map[string]any{"value": 50}))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, receipt.Delivered)

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_RetriesThenDeadLetters(t *testing.T) {
	sink := audit.NewMemorySink()
	b := newTestBus(t, WithAudit(audit.NewLogger(sink)))
	var calls atomic.Int32
	require.NoError(t, b.Subscribe("flaky", []Subscription{{Type: "job"}}, func(context.Context, Event) ([]Event, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}))

	evt := NewEvent("job", "test", map[string]any{"k": "v"})
	_, err := b.Publish(context.Background(), evt)
	require.NoError(t, err)

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		letters, _ = b.DeadLetters().List(context.Background(), 0)
		return len(letters) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(4), calls.Load(), "first delivery plus three retries")
	dl := letters[0]
	assert.Equal(t, evt.ID, dl.Event.ID)
	assert.Equal(t, "flaky", dl.Subscriber)
	assert.Equal(t, 4, dl.Attempts)
	assert.Equal(t, "boom", dl.LastError)
	assert.Equal(t, uint64(1), b.Stats().DeadLettered)
	assert.Contains(t, sink.Actions(audit.KindDeadLetter), "dead_lettered")
}

func TestBus_RetrySucceeds(t *testing.T) {
	b := newTestBus(t)
	var calls atomic.Int32
	require.NoError(t, b.Subscribe("flaky", []Subscription{{Type: "job"}}, func(context.Context, Event) ([]Event, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}))
	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Stats().Delivered == 1 }, time.Second, 5*time.Millisecond)
	letters, err := b.DeadLetters().List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestBus_HandlerTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	cfg.Retry.MaxRetries = 0
	b := New(cfg, WithSleeper(noSleep))
	defer func() { require.NoError(t, b.Close(context.Background())) }()

	require.NoError(t, b.Subscribe("slow", []Subscription{{Type: "job"}}, func(ctx context.Context, _ Event) ([]Event, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		letters, _ = b.DeadLetters().List(context.Background(), 0)
		return len(letters) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, letters[0].LastError, "timed out")
}

func TestBus_HandlerPanicIsDeadLettered(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Subscribe("bad", []Subscription{{Type: "job"}}, func(context.Context, Event) ([]Event, error) {
		panic("kaboom")
	}))
	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Stats().DeadLettered == 1 }, time.Second, 5*time.Millisecond)
	letters, err := b.DeadLetters().List(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, letters[0].LastError, "kaboom")
}

func TestBus_Requeue(t *testing.T) {
	b := newTestBus(t)
	var healthy atomic.Bool
	var delivered atomic.Int32
	require.NoError(t, b.Subscribe("svc", []Subscription{{Type: "job"}}, func(context.Context, Event) ([]Event, error) {
		if !healthy.Load() {
			return nil, errors.New("down")
		}
		delivered.Add(1)
		return nil, nil
	}))
	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		letters, _ = b.DeadLetters().List(context.Background(), 0)
		return len(letters) == 1
	}, time.Second, 5*time.Millisecond)

	// A failed requeue goes back to the store with accumulated attempts.
	require.NoError(t, b.Requeue(context.Background(), letters[0].ID))
	require.Eventually(t, func() bool {
		dl, err := b.DeadLetters().Get(context.Background(), letters[0].ID)
		return err == nil && dl.Attempts == 8
	}, time.Second, 5*time.Millisecond)

	healthy.Store(true)
	require.NoError(t, b.Requeue(context.Background(), letters[0].ID))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, err = b.DeadLetters().Get(context.Background(), letters[0].ID)
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)

	assert.ErrorIs(t, b.Requeue(context.Background(), "missing"), ErrDeadLetterNotFound)
}

// chainHandler emits next as a continuation of every event it receives.
func chainHandler(calls *atomic.Int32, next string) Handler {
	return func(_ context.Context, evt Event) ([]Event, error) {
		calls.Add(1)
		if next == "" {
			return nil, nil
		}
		return []Event{{Type: next}}, nil
	}
}

func TestBus_CascadeHopLimit(t *testing.T) {
	b := newTestBus(t)
	calls := make([]*atomic.Int32, 8)
	for i := range calls {
		calls[i] = &atomic.Int32{}
		sub := fmt.Sprintf("overlay-%d", i)
		require.NoError(t, b.Subscribe(sub, []Subscription{{Type: fmt.Sprintf("step.%d", i)}},
			chainHandler(calls[i], fmt.Sprintf("step.%d", i+1))))
	}

	origin := NewEvent("step.0", "origin", nil).StartCascade()
	_, err := b.Publish(context.Background(), origin)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := b.Cascades().Get(origin.CascadeID)
		return ok && c.Status == CascadeAborted
	}, 2*time.Second, 5*time.Millisecond)

	// Hops 0 through 5 reach overlays 0..5; the sixth hop is dropped.
	for i := 0; i <= 5; i++ {
		assert.Equal(t, int32(1), calls[i].Load(), "overlay-%d", i)
	}
	assert.Zero(t, calls[6].Load())
	assert.Zero(t, calls[7].Load())

	c, _ := b.Cascades().Get(origin.CascadeID)
	assert.Equal(t, 5, c.Hop)
	assert.Equal(t, 1, c.Dropped)
	assert.Equal(t, uint64(1), b.Cascades().Stats().Aborted)
}

func TestBus_CascadeVisitsEachOverlayOnce(t *testing.T) {
	b := newTestBus(t)
	var ping, pong atomic.Int32
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "ping"}}, chainHandler(&ping, "pong")))
	require.NoError(t, b.Subscribe("b", []Subscription{{Type: "pong"}}, chainHandler(&pong, "ping")))

	origin := NewEvent("ping", "origin", nil).StartCascade()
	_, err := b.Publish(context.Background(), origin)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c, ok := b.Cascades().Get(origin.CascadeID)
		return ok && c.Status == CascadeCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), ping.Load())
	assert.Equal(t, int32(1), pong.Load())

	c, _ := b.Cascades().Get(origin.CascadeID)
	assert.Equal(t, []string{"origin", "a", "b"}, c.Visited)
	assert.Equal(t, 1, c.Dropped)
}

func TestBus_ContinuationLinksCausation(t *testing.T) {
	b := newTestBus(t)
	var first atomic.Int32
	var second collector
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "insight"}}, chainHandler(&first, "insight.derived")))
	require.NoError(t, b.Subscribe("b", []Subscription{{Type: "insight.derived"}}, second.handler))

	parent := NewEvent("insight", "origin", nil)
	parent.CorrelationID = "op-1"
	_, err := b.Publish(context.Background(), parent)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, 5*time.Millisecond)
	got := second.events[0]
	assert.Equal(t, parent.ID, got.CausationID)
	assert.Equal(t, "op-1", got.CorrelationID)
	assert.Equal(t, "a", got.Source)
	assert.NotEmpty(t, got.CascadeID)
	assert.Equal(t, 0, got.Hop)
}

type denyList map[string]bool

func (d denyList) Routable(id string) bool { return !d[id] }

func TestBus_GatekeeperExcludesSubscriber(t *testing.T) {
	b := newTestBus(t, WithGatekeeper(denyList{"quarantined": true}))
	var ok, blocked collector
	require.NoError(t, b.Subscribe("healthy", []Subscription{{Type: "job"}}, ok.handler))
	require.NoError(t, b.Subscribe("quarantined", []Subscription{{Type: "job"}}, blocked.handler))

	receipt, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, receipt.Delivered)
	assert.Equal(t, []string{"healthy"}, b.Routes("job"))
	require.Eventually(t, func() bool { return ok.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, blocked.count())
}

func TestBus_NonReentrantSerialises(t *testing.T) {
	b := newTestBus(t)
	var active, maxActive, done atomic.Int32
	handler := func(context.Context, Event) ([]Event, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil, nil
	}
	require.NoError(t, b.Subscribe("serial", []Subscription{{Type: "job"}}, handler, NonReentrant()))
	for i := 0; i < 20; i++ {
		_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return done.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestBus_BackPressure(t *testing.T) {
	b := newTestBus(t)
	release := make(chan struct{})
	require.NoError(t, b.Subscribe("slow", []Subscription{{Type: "job"}}, func(ctx context.Context, _ Event) ([]Event, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, NonReentrant(), WithBuffer(1)))

	// One in the handler, one in the mailbox.
	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
		return err == nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	receipt, err := b.Publish(ctx, NewEvent("job", "test", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, receipt.Dropped, 1)
	assert.Equal(t, DropCancelled, receipt.Dropped[0].Reason)
	close(release)
}

func TestBus_UnsubscribeStopsRouting(t *testing.T) {
	b := newTestBus(t)
	var c collector
	require.NoError(t, b.Subscribe("c", []Subscription{{Type: "job"}}, c.handler))
	require.NoError(t, b.Unsubscribe("c"))
	assert.False(t, b.Subscribed("c"))
	assert.Empty(t, b.Routes("job"))
	assert.ErrorIs(t, b.Unsubscribe("c"), ErrUnknownSubscriber)

	receipt, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	require.NoError(t, err)
	assert.Empty(t, receipt.Delivered)
}

func TestBus_PublishFromInsideHandlerContinuesCascade(t *testing.T) {
	b := newTestBus(t)
	var derived collector
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "start"}}, func(ctx context.Context, _ Event) ([]Event, error) {
		return nil, b.PublishFrom(ctx, "a", "followup", map[string]any{"n": 1})
	}))
	require.NoError(t, b.Subscribe("b", []Subscription{{Type: "followup"}}, derived.handler))

	origin := NewEvent("start", "origin", nil).StartCascade()
	_, err := b.Publish(context.Background(), origin)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return derived.count() == 1 }, time.Second, 5*time.Millisecond)
	got := derived.events[0]
	assert.Equal(t, origin.CascadeID, got.CascadeID)
	assert.Equal(t, 1, got.Hop)
	assert.Equal(t, origin.ID, got.CausationID)
}

func TestBus_CloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := New(testConfig(), WithSleeper(noSleep))
	var c collector
	require.NoError(t, b.Subscribe("a", []Subscription{{Type: "job"}}, c.handler))
	require.NoError(t, b.Subscribe("b", []Subscription{{Type: "job"}}, func(ctx context.Context, _ Event) ([]Event, error) {
		return []Event{{Type: "job.done"}}, nil
	}, NonReentrant()))
	for i := 0; i < 10; i++ {
		_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
		require.NoError(t, err)
	}
	require.NoError(t, b.Close(context.Background()))

	_, err := b.Publish(context.Background(), NewEvent("job", "test", nil))
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Subscribe("late", []Subscription{{Type: "job"}}, c.handler), ErrBusClosed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 4, cfg.Retry.Attempts())
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.MaxHops)
	assert.Equal(t, retry.DefaultPolicy(), cfg.Retry)
}
