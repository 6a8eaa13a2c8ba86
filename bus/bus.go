package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for history and queue bounds.
const (
	DefaultHistorySize     = 1000
	DefaultSubscriberQueue = 4096

	overflowNoticeWindow = time.Minute
)

// Config bounds the broker.
type Config struct {
	// HistorySize is the number of events retained for History queries.
	HistorySize int
	// SubscriberQueue bounds each asynchronous subscriber's queue.
	SubscriberQueue int
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{HistorySize: DefaultHistorySize, SubscriberQueue: DefaultSubscriberQueue}
}

// Handler consumes a single event. Handlers must not retain the event's
// payload map beyond the call.
type Handler func(ctx context.Context, ev Event)

// DeliveryMode selects inline or own-goroutine dispatch for a subscriber.
type DeliveryMode int

// Delivery modes.
const (
	// DeliverAsync gives the subscriber its own goroutine and bounded
	// queue; Publish never blocks on the handler.
	DeliverAsync DeliveryMode = iota
	// DeliverSync runs the handler inline during Publish. A panicking
	// sync handler is logged and isolated from other subscribers.
	DeliverSync
)

type subscriber struct {
	name    string
	mode    DeliveryMode
	types   map[Type]bool
	handler Handler

	// Async delivery state. The queue is a deque so that on overflow the
	// oldest undelivered event is dropped, per the bus contract.
	mu           sync.Mutex
	queue        []Event
	wake         chan struct{}
	dropped      uint64
	lastOverflow time.Time
	done         chan struct{}
}

func (s *subscriber) wants(t Type) bool { return s.types[t] }

// Stats is a snapshot of broker counters.
type Stats struct {
	Subscribers     int    `json:"subscribers"`
	Published       uint64 `json:"published"`
	Dropped         uint64 `json:"dropped"`
	Cancelled       uint64 `json:"cancelled"`
	EventsInHistory int    `json:"events_in_history"`
}

// Bus is the in-process broker. One instance per process, constructed
// explicitly and passed to components at build time.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*subscriber
	closed bool

	// history ring
	history []Recorded
	nextSeq uint64

	published uint64
	dropped   uint64
	cancelled uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broker with the given bounds.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.SubscriberQueue <= 0 {
		cfg.SubscriberQueue = DefaultSubscriberQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg,
		logger:  logger,
		nextSeq: 1,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to everything. The returned name identifies the
// subscriber in overflow notices and stats.
func (b *Bus) Subscribe(name string, mode DeliveryMode, types []Type, h Handler) {
	set := make(map[Type]bool, len(types))
	if len(types) == 0 {
		for _, t := range AllTypes {
			set[t] = true
		}
	} else {
		for _, t := range types {
			set[t] = true
		}
	}
	sub := &subscriber{
		name:    name,
		mode:    mode,
		types:   set,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	if mode == DeliverAsync {
		b.wg.Add(1)
		go b.deliverLoop(sub)
	}
}

// Publish records the event in history and queues it for every current
// subscriber. It returns once the event is queued; it never blocks on
// handler execution. Sync subscribers run inline, isolated by recover.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	rec := Recorded{Seq: b.nextSeq, Event: ev}
	b.nextSeq++
	b.published++
	b.history = append(b.history, rec)
	if len(b.history) > b.cfg.HistorySize {
		b.history = b.history[len(b.history)-b.cfg.HistorySize:]
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.wants(ev.Type) {
			continue
		}
		switch sub.mode {
		case DeliverSync:
			b.dispatchSync(sub, ev)
		case DeliverAsync:
			b.enqueue(sub, ev)
		}
	}
}

func (b *Bus) dispatchSync(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("sync subscriber panicked",
				slog.String("subscriber", sub.name),
				slog.String("event_type", string(ev.Type)),
				slog.Any("panic", r))
		}
	}()
	sub.handler(b.ctx, ev)
}

func (b *Bus) enqueue(sub *subscriber, ev Event) {
	var notice *Event

	sub.mu.Lock()
	if len(sub.queue) >= b.cfg.SubscriberQueue {
		// Drop the oldest undelivered event for this subscriber only.
		sub.queue = sub.queue[1:]
		sub.dropped++
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		if now := time.Now(); now.Sub(sub.lastOverflow) >= overflowNoticeWindow {
			sub.lastOverflow = now
			ev := NewEvent(BusOverflow, "bus", map[string]any{
				"subscriber": sub.name,
				"dropped":    sub.dropped,
			})
			notice = &ev
		}
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}

	if notice != nil {
		b.logger.Warn("subscriber queue overflow",
			slog.String("subscriber", sub.name),
			slog.Uint64("dropped", noticeDropped(notice)))
		b.Publish(*notice)
	}
}

func noticeDropped(ev *Event) uint64 {
	if n, ok := ev.Payload["dropped"].(uint64); ok {
		return n
	}
	return 0
}

func (b *Bus) deliverLoop(sub *subscriber) {
	defer b.wg.Done()
	defer close(sub.done)
	for {
		sub.mu.Lock()
		var ev Event
		have := len(sub.queue) > 0
		if have {
			ev = sub.queue[0]
			sub.queue = sub.queue[1:]
		}
		sub.mu.Unlock()

		if have {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("async subscriber panicked",
							slog.String("subscriber", sub.name),
							slog.String("event_type", string(ev.Type)),
							slog.Any("panic", r))
					}
				}()
				sub.handler(b.ctx, ev)
			}()
			continue
		}

		select {
		case <-sub.wake:
		case <-b.ctx.Done():
			// Drain whatever is already queued, then exit.
			sub.mu.Lock()
			remaining := len(sub.queue)
			sub.queue = nil
			sub.mu.Unlock()
			if remaining > 0 {
				b.mu.Lock()
				b.cancelled += uint64(remaining)
				b.mu.Unlock()
			}
			return
		}
	}
}

// History returns up to limit recorded events with Seq > since, oldest
// first. History is diagnostic only; dropped history is gone.
func (b *Bus) History(since uint64, limit int) []Recorded {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Recorded
	for _, rec := range b.history {
		if rec.Seq <= since {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of broker counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers:     len(b.subs),
		Published:       b.published,
		Dropped:         b.dropped,
		Cancelled:       b.cancelled,
		EventsInHistory: len(b.history),
	}
}

// Shutdown stops accepting publishes and waits for subscriber queues to
// drain until the context deadline. On expiry the remaining deliveries
// are cancelled and counted in Stats.Cancelled.
func (b *Bus) Shutdown(ctx context.Context) Stats {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.Stats()
	}
	b.closed = true
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	// Give delivery loops a chance to drain before cancelling.
	drained := make(chan struct{})
	go func() {
		for {
			idle := true
			for _, sub := range subs {
				if sub.mode != DeliverAsync {
					continue
				}
				sub.mu.Lock()
				if len(sub.queue) > 0 {
					idle = false
				}
				sub.mu.Unlock()
			}
			if idle {
				close(drained)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		b.logger.Warn("bus drain deadline expired, cancelling remaining deliveries")
	}

	b.cancel()
	b.wg.Wait()
	return b.Stats()
}
