package mdt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSubscriberQueueCapacity = 64
	defaultHubInboxCapacity        = 256
)

// BroadcastMessage is what subscribers receive: the project whose ticket
// set may have changed, stamped with a hub-wide monotonic sequence
// number. Clients detect gaps via the sequence and respond with a full
// re-fetch; the hub keeps no history to replay.
type BroadcastMessage struct {
	Sequence    uint64    `json:"sequence"`
	ProjectCode string    `json:"projectCode"`
	ChangedAt   time.Time `json:"changedAt"`
}

// SubscriptionState tracks a subscriber's lifecycle.
type SubscriptionState int32

const (
	SubscriptionConnecting SubscriptionState = iota
	SubscriptionActive
	SubscriptionDraining
	SubscriptionClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionConnecting:
		return "connecting"
	case SubscriptionActive:
		return "active"
	case SubscriptionDraining:
		return "draining"
	case SubscriptionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription is one client connection's view of the hub: a bounded
// FIFO queue plus a missed counter that records drop-oldest overflows.
type Subscription struct {
	id     string
	hub    *Hub
	queue  chan BroadcastMessage
	state  atomic.Int32
	missed atomic.Uint64
	once   sync.Once
	sendMu sync.Mutex // serializes hub sends against queue closure
}

func (s *Subscription) ID() string { return s.id }

// Messages is the subscriber's delivery channel. It is closed when the
// subscription reaches Closed; queued-but-unsent messages are discarded.
func (s *Subscription) Messages() <-chan BroadcastMessage { return s.queue }

// Missed reports how many messages were dropped because the queue was
// full. A non-zero value means the client must do a full re-fetch.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

func (s *Subscription) State() SubscriptionState {
	return SubscriptionState(s.state.Load())
}

// Activate marks the handshake complete. Messages are queued from the
// moment of subscription either way; the state exists for observability
// and teardown semantics.
func (s *Subscription) Activate() {
	s.state.CompareAndSwap(int32(SubscriptionConnecting), int32(SubscriptionActive))
}

// Drain marks a client-initiated disconnect or idle timeout; the next
// step is Close, which discards anything still queued.
func (s *Subscription) Drain() {
	s.state.CompareAndSwap(int32(SubscriptionActive), int32(SubscriptionDraining))
}

// Close detaches the subscription from the hub and releases its queue.
// Safe to call more than once, and safe concurrently with dispatch.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.state.Store(int32(SubscriptionClosed))
		s.hub.detach(s)
	})
}

// HubStats are operational counters exposed for status reporting.
type HubStats struct {
	Subscribers    int    `json:"subscribers"`
	Sequence       uint64 `json:"sequence"`
	PublishedTotal uint64 `json:"publishedTotal"`
	DroppedTotal   uint64 `json:"droppedTotal"`
}

// Hub fans ProjectChanged signals out to every subscriber. A single
// dispatch goroutine consumes the inbox, stamps sequence numbers, and
// enqueues into per-subscriber bounded queues; enqueue never blocks, so
// a stalled subscriber cannot backpressure the producers.
type Hub struct {
	inbox    chan ProjectChanged
	capacity int
	logger   Logger

	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	seq     uint64
	dropped uint64

	done chan struct{}
}

type HubOptions struct {
	// QueueCapacity bounds each subscriber's outbound queue.
	QueueCapacity int
	Logger        Logger
}

func NewHub(opts HubOptions) *Hub {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultSubscriberQueueCapacity
	}
	h := &Hub{
		inbox:    make(chan ProjectChanged, defaultHubInboxCapacity),
		capacity: capacity,
		logger:   opts.Logger,
		subs:     map[string]*Subscription{},
		done:     make(chan struct{}),
	}
	go h.dispatch()
	return h
}

// Inbox is where project watchers deliver their change signals.
func (h *Hub) Inbox() chan<- ProjectChanged { return h.inbox }

// Publish enqueues a signal without blocking. Used by callers that
// produce signals outside a watcher goroutine (e.g. after a CRUD write).
func (h *Hub) Publish(signal ProjectChanged) {
	select {
	case h.inbox <- signal:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		logf(h.logger, "hub: inbox full, dropped signal for %s", signal.ProjectCode)
	}
}

// Subscribe registers a new connection. The caller owns the returned
// subscription and must Close it when the connection ends.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		hub:   h,
		queue: make(chan BroadcastMessage, h.capacity),
	}
	sub.state.Store(int32(SubscriptionConnecting))
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.state.Store(int32(SubscriptionClosed))
		close(sub.queue)
		return sub
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) detach(sub *Subscription) {
	h.mu.Lock()
	_, attached := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()
	if attached {
		// Wait out any in-flight offer before releasing the queue.
		sub.sendMu.Lock()
		close(sub.queue)
		sub.sendMu.Unlock()
	}
}

// Close stops dispatch and closes every remaining subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.inbox)
	<-h.done
	h.mu.Lock()
	remaining := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		remaining = append(remaining, sub)
	}
	h.mu.Unlock()
	for _, sub := range remaining {
		sub.Close()
	}
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := h.dropped
	for _, sub := range h.subs {
		dropped += sub.missed.Load()
	}
	return HubStats{
		Subscribers:    len(h.subs),
		Sequence:       h.seq,
		PublishedTotal: h.seq,
		DroppedTotal:   dropped,
	}
}

func (h *Hub) dispatch() {
	defer close(h.done)
	for signal := range h.inbox {
		h.mu.Lock()
		h.seq++
		msg := BroadcastMessage{
			Sequence:    h.seq,
			ProjectCode: signal.ProjectCode,
			ChangedAt:   signal.ChangedAt,
		}
		targets := make([]*Subscription, 0, len(h.subs))
		for _, sub := range h.subs {
			targets = append(targets, sub)
		}
		h.mu.Unlock()
		for _, sub := range targets {
			h.offer(sub, msg)
		}
	}
}

// offer enqueues into one subscriber's queue without ever blocking.
// On overflow the oldest queued message is dropped and the missed
// counter bumped; the client detects the gap via the sequence number.
// Only the dispatch goroutine sends into subscriber queues, so the
// drop-then-retry below cannot race another sender.
func (h *Hub) offer(sub *Subscription, msg BroadcastMessage) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()
	if sub.State() == SubscriptionClosed {
		return
	}
	select {
	case sub.queue <- msg:
		return
	default:
	}
	select {
	case <-sub.queue:
		sub.missed.Add(1)
	default:
	}
	select {
	case sub.queue <- msg:
	default:
		sub.missed.Add(1)
	}
}
