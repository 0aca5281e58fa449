package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowgate/flowgate/pkg/registry"
)

// Options configures a Broker.
type Options struct {
	// Workers is the size of the callback worker pool.
	Workers int

	// QueueBound is the high-water mark for queued deliveries. Publish
	// refuses new messages with ErrQueueFull beyond this bound.
	QueueBound int

	// Registerer receives the broker's Prometheus metrics. A private
	// registry is used when nil, which keeps repeated construction in
	// tests collision-free.
	Registerer prometheus.Registerer
}

// subscription is one (component, pattern, callback) routing entry plus the
// per-key FIFO state that preserves delivery order.
type subscription struct {
	owner    registry.Identifier
	pattern  string
	callback Callback
	ordering Ordering

	mu     sync.Mutex
	queues map[string][]*Message // serialization key → pending messages
	active map[string]bool       // keys currently held by a drain task
}

// Broker routes messages between registered components. See the package
// documentation for the delivery contract.
type Broker struct {
	registry   *registry.Registry
	queueBound int
	metrics    *Metrics

	mu         sync.RWMutex
	subs       []*subscription
	pending    []*subscription
	components map[string]registry.Identifier // name → registered identifier
	closed     bool

	queued   atomic.Int64
	tasks    chan func()
	workerWG sync.WaitGroup
	inflight sync.WaitGroup

	replyMu sync.Mutex
	replies map[string]chan *Message
}

// New creates a Broker and starts its worker pool.
func New(reg *registry.Registry, opts Options) *Broker {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueBound <= 0 {
		opts.QueueBound = 256
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	b := &Broker{
		registry:   reg,
		queueBound: opts.QueueBound,
		components: make(map[string]registry.Identifier),
		// Drain tasks are only ever created for keys that hold at least one
		// queued message, so the task count never exceeds the queue bound
		// and this send never blocks.
		tasks:   make(chan func(), opts.QueueBound),
		replies: make(map[string]chan *Message),
	}
	b.metrics = NewMetrics(opts.Registerer, func() float64 {
		return float64(b.queued.Load())
	})

	for i := 0; i < opts.Workers; i++ {
		b.workerWG.Add(1)
		go func() {
			defer b.workerWG.Done()
			for task := range b.tasks {
				task()
			}
		}()
	}
	return b
}

// Register admits a component into the routing table. Idempotent. The
// identifier's instance id is re-resolved through the registry, and any
// subscriptions recorded before registration are flushed into the active
// table — no message is lost to subscription/registration ordering.
func (b *Broker) Register(ident registry.Identifier) (registry.Identifier, error) {
	ident = b.registry.Resolve(ident)
	if err := ValidateTag(ident.Tag()); err != nil {
		return registry.Identifier{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.components[ident.Name] = ident

	remaining := b.pending[:0]
	for _, sub := range b.pending {
		if patternComponent(sub.pattern) == ident.Name {
			b.subs = append(b.subs, sub)
			slog.Debug("Flushed pending subscription",
				"pattern", sub.pattern, "component", ident.Name)
		} else {
			remaining = append(remaining, sub)
		}
	}
	b.pending = remaining

	return ident, nil
}

// Subscribe records callback under pattern. If the component the pattern
// routes to has not registered yet, the subscription is held pending and
// activated at registration time.
func (b *Broker) Subscribe(owner registry.Identifier, pattern string, ordering Ordering, callback Callback) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}

	sub := &subscription{
		owner:    owner,
		pattern:  pattern,
		callback: callback,
		ordering: ordering,
		queues:   make(map[string][]*Message),
		active:   make(map[string]bool),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, registered := b.components[patternComponent(pattern)]; registered {
		b.subs = append(b.subs, sub)
	} else {
		b.pending = append(b.pending, sub)
	}
	return nil
}

// Publish routes msg to every subscription whose pattern matches the
// target's tag. The message id is assigned here and returned even when no
// subscriber exists, so callers can correlate regardless of delivery.
//
// Source and target instance ids are re-resolved through the registry
// before matching: two callers naming the same target with stale ids end
// up delivering to the same subscription.
func (b *Broker) Publish(msg *Message) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return "", ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Source.Name != "" {
		msg.Source = b.registry.Resolve(msg.Source)
	}
	if msg.Target.Name != "" {
		msg.Target = b.registry.Resolve(msg.Target)
	}

	// Replies to pending requests bypass the routing table.
	if replyTo, ok := msg.Metadata[MetaInReplyTo].(string); ok {
		b.metrics.Published.Inc()
		if !b.deliverReply(replyTo, msg) {
			// The requester gave up (timeout or cancellation). Late replies
			// are dropped silently by design.
			b.metrics.Dropped.Inc()
			slog.Debug("Dropping reply with no pending request",
				"message_id", msg.ID, "in_reply_to", replyTo)
		}
		return msg.ID, nil
	}

	targetTag := msg.Target.Tag()
	var matches []*subscription
	for _, sub := range b.subs {
		if MatchTag(sub.pattern, targetTag) {
			matches = append(matches, sub)
		}
	}

	if len(matches) == 0 {
		b.metrics.Dropped.Inc()
		slog.Warn("No subscriber for message, dropping",
			"message_id", msg.ID, "type", msg.Type, "target", targetTag)
		return msg.ID, nil
	}

	if b.queued.Load()+int64(len(matches)) > int64(b.queueBound) {
		b.metrics.QueueFull.Inc()
		return "", ErrQueueFull
	}

	b.metrics.Published.Inc()
	for _, sub := range matches {
		b.queued.Add(1)
		b.inflight.Add(1)
		b.enqueue(sub, msg)
	}
	return msg.ID, nil
}

// enqueue appends msg to the subscription's per-key FIFO and schedules a
// drain task if the key is not already being drained.
func (b *Broker) enqueue(sub *subscription, msg *Message) {
	key := sub.serialKey(msg)

	sub.mu.Lock()
	sub.queues[key] = append(sub.queues[key], msg)
	schedule := !sub.active[key]
	if schedule {
		sub.active[key] = true
	}
	sub.mu.Unlock()

	if schedule {
		b.tasks <- func() { b.drain(sub, key) }
	}
}

// drain delivers the pending messages for one serialization key, one at a
// time, until the key's queue empties.
func (b *Broker) drain(sub *subscription, key string) {
	for {
		sub.mu.Lock()
		queue := sub.queues[key]
		if len(queue) == 0 {
			delete(sub.queues, key)
			delete(sub.active, key)
			sub.mu.Unlock()
			return
		}
		msg := queue[0]
		sub.queues[key] = queue[1:]
		sub.mu.Unlock()

		b.invoke(sub, msg)
		b.queued.Add(-1)
		b.metrics.Delivered.Inc()
		b.inflight.Done()
	}
}

// invoke runs one callback inside the error guard.
func (b *Broker) invoke(sub *subscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.CallbackErrors.Inc()
			slog.Error("Subscriber callback panicked",
				"pattern", sub.pattern,
				"message_id", msg.ID,
				"type", msg.Type,
				"panic", r)
		}
	}()
	sub.callback(msg)
}

func (s *subscription) serialKey(msg *Message) string {
	switch s.ordering {
	case OrderByCorrelation:
		if msg.CorrelationID != "" {
			return msg.CorrelationID
		}
		// Uncorrelated messages get a unique key: no ordering constraint.
		return msg.ID
	default:
		return msg.Source.Tag() + ">" + msg.Target.Tag()
	}
}

// SubscriberCount returns the number of active subscriptions matching tag.
// Used by tests and health reporting.
func (b *Broker) SubscriberCount(tag string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if MatchTag(sub.pattern, tag) {
			n++
		}
	}
	return n
}

// QueueDepth returns the number of queued-but-undelivered messages.
func (b *Broker) QueueDepth() int {
	return int(b.queued.Load())
}

// Close refuses new publishes, drains in-flight dispatches, and joins the
// worker pool. The context bounds the drain wait.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("Broker shutdown timeout exceeded with messages in flight",
			"queued", b.queued.Load())
		return ctx.Err()
	}

	close(b.tasks)
	b.workerWG.Wait()
	return nil
}
