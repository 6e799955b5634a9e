package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SunFlash12/ForgeV3-sub006/pkg/audit"
	"github.com/SunFlash12/ForgeV3-sub006/pkg/retry"
)

// Handler processes one event. Returned events are continuations: the bus
// publishes them as children of evt, inside evt's cascade when it has one and
// as the origin of a new cascade otherwise.
type Handler func(ctx context.Context, evt Event) ([]Event, error)

// Gatekeeper decides whether a subscriber may currently receive events. The
// overlay registry implements it so quarantined overlays stop receiving
// immediately, including events already sitting in their mailbox.
type Gatekeeper interface {
	Routable(subscriber string) bool
}

// Observer receives delivery outcomes, typically for metrics.
type Observer interface {
	EventPublished(evt Event)
	EventDelivered(evt Event, subscriber string, d time.Duration)
	EventDeadLettered(dl DeadLetter)
	EventDropped(evt Event, subscriber string, reason DropReason)
}

// Drop reasons outside cascade admission.
const (
	DropNotRoutable  DropReason = "not_routable"
	DropUnsubscribed DropReason = "unsubscribed"
	DropCancelled    DropReason = "publish_cancelled"
)

// Config tunes delivery.
type Config struct {
	HandlerTimeout   time.Duration
	Retry            retry.Policy
	BufferSize       int
	Workers          int
	MaxHops          int
	CompletionWindow time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns the standard delivery settings: 30s handler timeout,
// 3 retries with 1s exponential backoff and 5 cascade hops.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout:   30 * time.Second,
		Retry:            retry.DefaultPolicy(),
		BufferSize:       64,
		Workers:          4,
		MaxHops:          DefaultMaxHops,
		CompletionWindow: 2 * time.Second,
		Retention:        5 * time.Minute,
		SweepInterval:    time.Second,
	}
}

// Subscription binds an event type pattern to an optional CEL filter.
type Subscription struct {
	Type   string `json:"type" yaml:"type"`
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// SubscribeOption customises a subscriber.
type SubscribeOption func(*subscriber)

// NonReentrant serialises deliveries to the subscriber.
func NonReentrant() SubscribeOption {
	return func(s *subscriber) { s.workers = 1 }
}

// WithBuffer sets the mailbox capacity.
func WithBuffer(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithWorkers sets the number of concurrent deliveries for a reentrant subscriber.
func WithWorkers(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 && s.workers != 1 {
			s.workers = n
		}
	}
}

// Option configures a Bus.
type Option func(*Bus)

func WithDeadLetterStore(s DeadLetterStore) Option { return func(b *Bus) { b.dlq = s } }
func WithAudit(r audit.Recorder) Option             { return func(b *Bus) { b.recorder = r } }
func WithGatekeeper(g Gatekeeper) Option            { return func(b *Bus) { b.gate = g } }
func WithObserver(o Observer) Option                { return func(b *Bus) { b.observer = o } }
func WithLogger(l *slog.Logger) Option              { return func(b *Bus) { b.logger = l } }
func WithClock(clock func() time.Time) Option       { return func(b *Bus) { b.clock = clock } }
func WithSleeper(s retry.Sleeper) Option            { return func(b *Bus) { b.sleep = s } }

type route struct {
	pattern string
	filter  *Filter
}

type envelope struct {
	evt      Event
	admitted bool
	requeued *DeadLetter
}

type subscriber struct {
	id      string
	handler Handler
	workers int
	buffer  int
	mailbox chan envelope
	done    chan struct{}
	once    sync.Once

	mu     sync.RWMutex
	routes []route
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r.pattern)
	}
	return out
}

// accepts reports whether evt matches one of s's routes and its filter.
func (s *subscriber) accepts(evt Event) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var firstErr error
	for _, r := range s.routes {
		if !matchesType(evt.Type, r.pattern) {
			continue
		}
		ok, err := r.filter.Match(evt)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// Stats are cumulative bus counters.
type Stats struct {
	Published    uint64       `json:"published"`
	Delivered    uint64       `json:"delivered"`
	DeadLettered uint64       `json:"dead_lettered"`
	Dropped      uint64       `json:"dropped"`
	Subscribers  int          `json:"subscribers"`
	Cascades     CascadeStats `json:"cascades"`
}

// Drop records a recipient that did not get an event.
type Drop struct {
	Subscriber string     `json:"subscriber"`
	Reason     DropReason `json:"reason"`
}

// Receipt describes the fan-out of one Publish.
type Receipt struct {
	EventID   string   `json:"event_id"`
	Delivered []string `json:"delivered"`
	Dropped   []Drop   `json:"dropped,omitempty"`
}

// Bus is the in-process event bus.
type Bus struct {
	cfg      Config
	tracker  *CascadeTracker
	dlq      DeadLetterStore
	recorder audit.Recorder
	gate     Gatekeeper
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
	sleep    retry.Sleeper

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published    atomic.Uint64
	delivered    atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
}

// New creates a running bus. Close must be called to release its goroutines.
func New(cfg Config, opts ...Option) *Bus {
	def := DefaultConfig()
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = def.Retry
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.CompletionWindow <= 0 {
		cfg.CompletionWindow = def.CompletionWindow
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	b := &Bus{
		cfg:      cfg,
		dlq:      NewMemoryDeadLetterStore(),
		recorder: audit.Nop{},
		logger:   slog.Default().With("component", "eventbus"),
		clock:    time.Now,
		sleep:    retry.ContextSleep,
		subs:     make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tracker = NewCascadeTracker(cfg.MaxHops, cfg.CompletionWindow, cfg.Retention).WithClock(b.clock)
	b.tracker.OnEnd(b.cascadeEnded)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(1)
	go b.sweepLoop()
	return b
}

// Cascades exposes the cascade tracker.
func (b *Bus) Cascades() *CascadeTracker { return b.tracker }

// DeadLetters exposes the dead-letter store.
func (b *Bus) DeadLetters() DeadLetterStore { return b.dlq }

// Subscribe registers handler for subscriberID. Each subscriber owns one
// bounded mailbox drained by its workers; a full mailbox blocks publishers.
func (b *Bus) Subscribe(subscriberID string, subs []Subscription, handler Handler, opts ...SubscribeOption) error {
	if handler == nil {
		return ErrHandlerNil
	}
	routes, err := compileRoutes(subs)
	if err != nil {
		return err
	}

	s := &subscriber{
		id:      subscriberID,
		handler: handler,
		workers: b.cfg.Workers,
		buffer:  b.cfg.BufferSize,
		done:    make(chan struct{}),
		routes:  routes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mailbox = make(chan envelope, s.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if _, exists := b.subs[subscriberID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSubscriberExists, subscriberID)
	}
	b.subs[subscriberID] = s
	b.wg.Add(s.workers)
	b.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		go b.worker(s)
	}
	b.logger.Info("subscriber registered", "subscriber", subscriberID, "types", s.types(), "workers", s.workers)
	return nil
}

// AddSubscription adds an event type to an existing subscriber.
func (b *Bus) AddSubscription(subscriberID string, sub Subscription) error {
	routes, err := compileRoutes([]Subscription{sub})
	if err != nil {
		return err
	}
	s, ok := b.subscriber(subscriberID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}
	s.mu.Lock()
	s.routes = append(s.routes, routes...)
	s.mu.Unlock()
	return nil
}

// SubscribeType lets an overlay add a subscription from inside the sandbox.
func (b *Bus) SubscribeType(_ context.Context, overlay, eventType string) error {
	return b.AddSubscription(overlay, Subscription{Type: eventType})
}

// Unsubscribe removes subscriberID from routing. Events still in its mailbox
// are dropped.
func (b *Bus) Unsubscribe(subscriberID string) error {
	b.mu.Lock()
	s, ok := b.subs[subscriberID]
	if ok {
		delete(b.subs, subscriberID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriberID)
	}
	s.stop()
	b.logger.Info("subscriber removed", "subscriber", subscriberID)
	return nil
}

// Subscribed reports whether subscriberID is registered.
func (b *Bus) Subscribed(subscriberID string) bool {
	_, ok := b.subscriber(subscriberID)
	return ok
}

// Routes returns the subscribers currently routed events of eventType,
// ignoring filters. This is the event-type routing table.
func (b *Bus) Routes(eventType string) []string {
	var out []string
	for _, s := range b.snapshot() {
		if b.gate != nil && !b.gate.Routable(s.id) {
			continue
		}
		for _, p := range s.types() {
			if matchesType(eventType, p) {
				out = append(out, s.id)
				break
			}
		}
	}
	return out
}

// PublishFrom publishes a new event from source. When ctx carries the event a
// handler is processing, the new event is derived from it.
func (b *Bus) PublishFrom(ctx context.Context, source, eventType string, payload map[string]any) error {
	var evt Event
	if cause, ok := causeFrom(ctx); ok {
		evt = b.continuation(source, cause, NewEvent(eventType, source, payload))
	} else {
		evt = NewEvent(eventType, source, payload)
	}
	_, err := b.Publish(ctx, evt)
	return err
}

// Publish fans evt out to every matching, routable subscriber. It blocks while
// a recipient's mailbox is full until ctx is done. Cascade events are checked
// against the hop limit and each recipient against the chain's visited set;
// refused deliveries are dropped and logged, never retried.
func (b *Bus) Publish(ctx context.Context, evt Event) (Receipt, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return Receipt{}, ErrBusClosed
	}
	if evt.Type == "" {
		return Receipt{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock()
	}
	receipt := Receipt{EventID: evt.ID}

	// 1. Cascade bookkeeping
	if reason := b.tracker.Observe(evt); reason != DropNone {
		b.drop(evt, "*", reason)
		receipt.Dropped = append(receipt.Dropped, Drop{Subscriber: "*", Reason: reason})
		return receipt, nil
	}

	b.published.Add(1)
	if b.observer != nil {
		b.observer.EventPublished(evt)
	}
	b.record(audit.KindEvent, "published", evt.ID, map[string]any{
		"type":           evt.Type,
		"source":         evt.Source,
		"correlation_id": evt.CorrelationID,
		"causation_id":   evt.CausationID,
		"cascade_id":     evt.CascadeID,
		"hop":            evt.Hop,
	})

	// 2. Fan out
	var pubErr error
	for _, s := range b.recipients(evt) {
		if pubErr != nil {
			receipt.Dropped = append(receipt.Dropped, Drop{Subscriber: s.id, Reason: DropCancelled})
			b.drop(evt, s.id, DropCancelled)
			continue
		}
		if reason := b.tracker.Admit(evt, s.id); reason != DropNone {
			receipt.Dropped = append(receipt.Dropped, Drop{Subscriber: s.id, Reason: reason})
			b.drop(evt, s.id, reason)
			continue
		}
		if err := b.enqueue(ctx, s, envelope{evt: evt, admitted: true}); err != nil {
			b.tracker.Done(evt.CascadeID)
			reason := DropUnsubscribed
			if !errors.Is(err, errMailboxClosed) {
				reason = DropCancelled
				pubErr = err
			}
			receipt.Dropped = append(receipt.Dropped, Drop{Subscriber: s.id, Reason: reason})
			b.drop(evt, s.id, reason)
			continue
		}
		receipt.Delivered = append(receipt.Delivered, s.id)
	}
	return receipt, pubErr
}

// Requeue redelivers a dead letter once to its subscriber. A repeated failure
// puts it back in the store with its attempt count increased.
func (b *Bus) Requeue(ctx context.Context, id string) error {
	dl, err := b.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	s, ok := b.subscriber(dl.Subscriber)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, dl.Subscriber)
	}
	if err := b.dlq.Delete(ctx, id); err != nil {
		return err
	}
	if err := b.enqueue(ctx, s, envelope{evt: dl.Event, requeued: &dl}); err != nil {
		if perr := b.dlq.Put(context.WithoutCancel(ctx), dl); perr != nil {
			b.logger.Error("dead letter lost on requeue", "id", id, "error", perr)
		}
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	b.logger.Info("dead letter requeued", "id", id, "subscriber", dl.Subscriber, "event_id", dl.Event.ID)
	b.record(audit.KindDeadLetter, "requeued", id, map[string]any{"subscriber": dl.Subscriber, "event_id": dl.Event.ID})
	return nil
}

// Stats returns cumulative counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		DeadLettered: b.deadLettered.Load(),
		Dropped:      b.dropped.Load(),
		Subscribers:  n,
		Cascades:     b.tracker.Stats(),
	}
}

// Close stops all subscribers and waits for in-flight deliveries, up to ctx.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	b.cancel()
	for _, s := range subs {
		s.stop()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

var errMailboxClosed = errors.New("mailbox closed")

func (b *Bus) enqueue(ctx context.Context, s *subscriber, env envelope) error {
	select {
	case <-s.done:
		return errMailboxClosed
	default:
	}
	select {
	case s.mailbox <- env:
		return nil
	case <-s.done:
		return errMailboxClosed
	case <-b.ctx.Done():
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) subscriber(id string) (*subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.subs[id]
	return s, ok
}

func (b *Bus) snapshot() []*subscriber {
	b.mu.RLock()
	out := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// recipients resolves who should receive evt. Targeted events go to the named
// subscribers regardless of their type subscriptions.
func (b *Bus) recipients(evt Event) []*subscriber {
	var out []*subscriber
	for _, s := range b.snapshot() {
		if evt.Targeted() {
			if !slices.Contains(evt.Targets, s.id) {
				continue
			}
		} else {
			ok, err := s.accepts(evt)
			if err != nil {
				b.logger.Warn("subscription filter failed", "subscriber", s.id, "event_type", evt.Type, "error", err)
			}
			if !ok {
				continue
			}
		}
		if b.gate != nil && !b.gate.Routable(s.id) {
			b.logger.Debug("recipient not routable", "subscriber", s.id, "event_id", evt.ID)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (b *Bus) worker(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			b.drain(s)
			return
		case env := <-s.mailbox:
			b.deliver(s, env)
		}
	}
}

func (b *Bus) drain(s *subscriber) {
	for {
		select {
		case env := <-s.mailbox:
			if env.admitted {
				b.tracker.Done(env.evt.CascadeID)
			}
			if env.requeued != nil {
				if err := b.dlq.Put(context.Background(), *env.requeued); err != nil {
					b.logger.Error("dead letter lost on unsubscribe", "id", env.requeued.ID, "error", err)
				}
				continue
			}
			b.drop(env.evt, s.id, DropUnsubscribed)
		default:
			return
		}
	}
}

func (b *Bus) deliver(s *subscriber, env envelope) {
	evt := env.evt
	if env.admitted {
		defer b.tracker.Done(evt.CascadeID)
	}
	if b.gate != nil && !b.gate.Routable(s.id) {
		b.drop(evt, s.id, DropNotRoutable)
		return
	}

	start := b.clock()
	var continuations []Event
	res := retry.Do(b.ctx, b.cfg.Retry, evt.ID+"/"+s.id, b.sleep, func(ctx context.Context, attempt int) error {
		out, err := b.invoke(ctx, s, evt)
		if err != nil {
			b.logger.Debug("handler attempt failed", "subscriber", s.id, "event_id", evt.ID, "attempt", attempt+1, "error", err)
			return err
		}
		continuations = out
		return nil
	})

	if res.Err != nil {
		b.deadLetter(s, env, res, start)
		return
	}

	b.delivered.Add(1)
	if b.observer != nil {
		b.observer.EventDelivered(evt, s.id, b.clock().Sub(start))
	}
	b.logger.Debug("event delivered", "subscriber", s.id, "event_id", evt.ID, "type", evt.Type, "attempts", res.Attempts)
	if env.requeued != nil {
		b.record(audit.KindDeadLetter, "redelivered", env.requeued.ID, map[string]any{"subscriber": s.id})
	}
	b.publishContinuations(s.id, evt, continuations)
}

type causeKey struct{}

func withCause(ctx context.Context, evt Event) context.Context {
	return context.WithValue(ctx, causeKey{}, evt)
}

func causeFrom(ctx context.Context) (Event, bool) {
	evt, ok := ctx.Value(causeKey{}).(Event)
	return evt, ok
}

// invoke runs the handler once, racing it against the per-call timeout.
func (b *Bus) invoke(ctx context.Context, s *subscriber, evt Event) ([]Event, error) {
	callCtx, cancel := context.WithTimeout(withCause(ctx, evt), b.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		out []Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: &HandlerPanicError{Subscriber: s.id, Value: r}}
			}
		}()
		out, err := s.handler(callCtx, evt)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &HandlerTimeoutError{Subscriber: s.id, EventID: evt.ID, Timeout: b.cfg.HandlerTimeout}
	}
}

// continuation links c to its parent. Inside a cascade the hop count never
// decreases along the causation chain.
func (b *Bus) continuation(source string, parent, c Event) Event {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Source = source
	c.CausationID = parent.ID
	if c.CorrelationID == "" {
		c.CorrelationID = parent.CorrelationID
	}
	if parent.CascadeID != "" {
		c.CascadeID = parent.CascadeID
		if c.Hop < parent.Hop+1 {
			c.Hop = parent.Hop + 1
		}
	} else if c.CascadeID == "" {
		c = c.StartCascade()
	}
	return c
}

func (b *Bus) publishContinuations(source string, parent Event, conts []Event) {
	if len(conts) == 0 {
		return
	}
	linked := make([]Event, len(conts))
	for i, c := range conts {
		linked[i] = b.continuation(source, parent, c)
	}
	// Published off the worker so a full downstream mailbox cannot stall this
	// subscriber's delivery loop.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for _, c := range linked {
			if _, err := b.Publish(b.ctx, c); err != nil && !errors.Is(err, ErrBusClosed) {
				b.logger.Warn("continuation publish failed", "source", source, "event_id", c.ID, "error", err)
			}
		}
	}()
}

func (b *Bus) deadLetter(s *subscriber, env envelope, res retry.Result, start time.Time) {
	now := b.clock()
	dl := DeadLetter{
		ID:            uuid.NewString(),
		Event:         env.evt,
		Subscriber:    s.id,
		Attempts:      res.Attempts,
		LastError:     res.Err.Error(),
		FirstFailedAt: start,
		LastFailedAt:  now,
	}
	if prev := env.requeued; prev != nil {
		dl.ID = prev.ID
		dl.FirstFailedAt = prev.FirstFailedAt
		dl.Attempts += prev.Attempts
	}
	if err := b.dlq.Put(context.WithoutCancel(b.ctx), dl); err != nil {
		b.logger.Error("dead letter store failed", "id", dl.ID, "subscriber", s.id, "event", env.evt, "error", err)
	}
	b.deadLettered.Add(1)
	if b.observer != nil {
		b.observer.EventDeadLettered(dl)
	}
	b.logger.Warn("event dead-lettered",
		"id", dl.ID, "subscriber", s.id, "event_id", env.evt.ID, "type", env.evt.Type,
		"attempts", dl.Attempts, "error", dl.LastError)
	b.record(audit.KindDeadLetter, "dead_lettered", dl.ID, map[string]any{
		"subscriber": s.id,
		"event_id":   env.evt.ID,
		"attempts":   dl.Attempts,
		"error":      dl.LastError,
	})
}

func (b *Bus) drop(evt Event, subscriber string, reason DropReason) {
	b.dropped.Add(1)
	if b.observer != nil {
		b.observer.EventDropped(evt, subscriber, reason)
	}
	b.logger.Warn("event dropped",
		"event_id", evt.ID, "type", evt.Type, "subscriber", subscriber,
		"cascade_id", evt.CascadeID, "hop", evt.Hop, "reason", string(reason))
}

func (b *Bus) cascadeEnded(c CascadeChain) {
	b.logger.Info("cascade ended", "cascade_id", c.ID, "status", string(c.Status), "hop", c.Hop, "visited", len(c.Visited))
	b.record(audit.KindEvent, "cascade_"+string(c.Status), c.ID, map[string]any{
		"origin_event_id": c.OriginEventID,
		"hop":             c.Hop,
		"visited":         c.Visited,
		"dropped":         c.Dropped,
	})
}

func (b *Bus) record(kind audit.Kind, action, subject string, data map[string]any) {
	if err := b.recorder.Record(context.WithoutCancel(b.ctx), kind, action, subject, data); err != nil {
		b.logger.Error("audit record failed", "action", action, "subject", subject, "error", err)
	}
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
			b.tracker.Sweep()
		}
	}
}

func compileRoutes(subs []Subscription) ([]route, error) {
	routes := make([]route, 0, len(subs))
	for _, sub := range subs {
		if sub.Type == "" {
			return nil, fmt.Errorf("%w: subscription without type", ErrInvalidEvent)
		}
		f, err := CompileFilter(sub.Filter)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route{pattern: sub.Type, filter: f})
	}
	return routes, nil
}
