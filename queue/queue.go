// Package queue holds outbound messages until a gateway can send them.
//
// Every gateway has its own pending queue ordered by priority (highest
// first) and then by enqueue time. Messages with a future ScheduledAt wait
// in a single delayed queue and move to their gateway's pending queue when
// due. Failed sends are retried a bounded number of times; the result
// callback reports each message exactly once, as sent or as failed.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/gsmgw/message"
)

var (
	ErrUnknownGateway = errors.New("queue: unknown gateway")
	ErrNoRecipient    = errors.New("queue: recipient is required")
)

// Config holds the queue settings.
type Config struct {
	// Retries is the number of failed sends tolerated before a message is
	// marked permanently failed.
	Retries int
	// RetryDelay postpones a retried message. Zero re-queues it at once.
	RetryDelay time.Duration
	// Store mirrors the queue. Nil disables persistence.
	Store Store
	// OnResult is called once per message when it is sent or has
	// permanently failed.
	OnResult func(*message.Outbound)
	Logger   *slog.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	config Config
	logger *slog.Logger
	sched  *scheduler

	mu      sync.Mutex
	pending map[string]*pendingQueue
	// inflight tracks dequeued messages until Complete, Fail or Requeue.
	inflight map[string]*message.Outbound
}

// New returns a manager serving the given gateways.
func New(config Config, gateways ...string) *Manager {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.OnResult == nil {
		config.OnResult = func(*message.Outbound) {}
	}
	q := &Manager{
		config:   config,
		logger:   config.Logger.With("component", "queue"),
		sched:    newScheduler(),
		pending:  make(map[string]*pendingQueue),
		inflight: make(map[string]*message.Outbound),
	}
	for _, id := range gateways {
		q.AddGateway(id)
	}
	return q
}

// AddGateway registers a gateway. Adding an existing gateway is a no-op.
func (q *Manager) AddGateway(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[id]; !ok {
		q.pending[id] = newPendingQueue()
	}
}

// HasGateway reports whether id is served.
func (q *Manager) HasGateway(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

// Start reloads the store and runs the delay scheduler until ctx is done.
// Records for unknown gateways are left in the store.
func (q *Manager) Start(ctx context.Context) error {
	if q.config.Store != nil {
		records, err := q.config.Store.Load()
		if err != nil {
			q.logger.Warn("Some queued messages could not be reloaded", "error", err)
		}
		for _, r := range records {
			m := r.Message()
			if !q.HasGateway(m.GatewayID) {
				q.logger.Warn("Queued message for unknown gateway", "uuid", m.UUID, "gateway", m.GatewayID)
				continue
			}
			switch {
			case r.Delayed && m.Delay(time.Now()) > 0:
				q.sched.Schedule(m, m.ScheduledAt)
			case r.Delayed:
				q.promote(m)
			default:
				q.push(m)
			}
		}
		q.logger.Info("Queue reloaded", "messages", len(records))
	}

	q.sched.Start(ctx, q.promote)
	return nil
}

// Wait blocks until the scheduler has stopped and closes the store.
func (q *Manager) Wait() error {
	q.sched.Wait()
	if q.config.Store != nil {
		return q.config.Store.Close()
	}
	return nil
}

// Enqueue accepts m for its gateway. A message scheduled in the future goes
// to the delayed queue.
func (q *Manager) Enqueue(m *message.Outbound) error {
	if m.Recipient == "" {
		return ErrNoRecipient
	}
	if !q.HasGateway(m.GatewayID) {
		return fmt.Errorf("%w: %q", ErrUnknownGateway, m.GatewayID)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	m.Status = message.StatusQueued

	if m.Delay(time.Now()) > 0 {
		q.persist(m, true)
		q.sched.Schedule(m, m.ScheduledAt)
		return nil
	}
	q.persist(m, false)
	q.push(m)
	return nil
}

func (q *Manager) promote(m *message.Outbound) {
	q.persist(m, false)
	q.push(m)
}

func (q *Manager) push(m *message.Outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.pending[m.GatewayID]
	if !ok {
		q.logger.Error("Dropping message for unknown gateway", "uuid", m.UUID, "gateway", m.GatewayID)
		return
	}
	pq.push(m)
}

// TryDequeue pops the head of the gateway's pending queue without blocking.
func (q *Manager) TryDequeue(gateway string) (*message.Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pq, ok := q.pending[gateway]
	if !ok || pq.Len() == 0 {
		return nil, false
	}
	m := pq.pop()
	q.inflight[m.UUID] = m
	return m, true
}

// Dequeue blocks until the gateway has a message or ctx is done. The caller
// must settle the message with Complete, Fail or Requeue.
func (q *Manager) Dequeue(ctx context.Context, gateway string) (*message.Outbound, error) {
	for {
		q.mu.Lock()
		pq, ok := q.pending[gateway]
		if !ok {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownGateway, gateway)
		}
		if pq.Len() > 0 {
			m := pq.pop()
			q.inflight[m.UUID] = m
			q.mu.Unlock()
			return m, nil
		}
		wait := pq.ready
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Complete records a successful send.
func (q *Manager) Complete(m *message.Outbound) {
	if !q.settle(m) {
		return
	}
	m.Status = message.StatusSent
	if m.Dispatched.IsZero() {
		m.Dispatched = time.Now()
	}
	q.unpersist(m)
	q.config.OnResult(m)
}

// Fail records a failed send. The message is re-queued while its retry
// budget lasts and true is returned; otherwise it is marked failed, the
// result callback fires and false is returned.
func (q *Manager) Fail(m *message.Outbound, cause message.FailureCause) bool {
	if !q.settle(m) {
		return false
	}
	if m.Retries < q.config.Retries {
		m.Retries++
		if q.config.RetryDelay > 0 {
			m.ScheduledAt = time.Now().Add(q.config.RetryDelay)
			q.persist(m, true)
			q.sched.Schedule(m, m.ScheduledAt)
		} else {
			q.persist(m, false)
			q.push(m)
		}
		q.logger.Info("Message re-queued", "uuid", m.UUID, "gateway", m.GatewayID, "retries", m.Retries, "cause", cause)
		return true
	}

	m.Status = message.StatusFailed
	m.FailureCause = cause
	q.unpersist(m)
	q.logger.Warn("Message failed", "uuid", m.UUID, "gateway", m.GatewayID, "retries", m.Retries, "cause", cause)
	q.config.OnResult(m)
	return false
}

// Reject marks m permanently failed without using its retry budget.
func (q *Manager) Reject(m *message.Outbound, cause message.FailureCause) {
	if !q.settle(m) {
		return
	}
	m.Status = message.StatusFailed
	m.FailureCause = cause
	q.unpersist(m)
	q.logger.Warn("Message rejected", "uuid", m.UUID, "gateway", m.GatewayID, "cause", cause)
	q.config.OnResult(m)
}

// Requeue puts back a message whose send was interrupted before the modem
// confirmed it. The retry budget is not charged.
func (q *Manager) Requeue(m *message.Outbound) {
	if !q.settle(m) {
		return
	}
	q.push(m)
}

// settle removes m from the in-flight set and reports whether it was there.
func (q *Manager) settle(m *message.Outbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[m.UUID]; !ok {
		return false
	}
	delete(q.inflight, m.UUID)
	return true
}

// Remove deletes a queued message by uuid. In-flight messages cannot be
// removed.
func (q *Manager) Remove(id string) bool {
	if m, ok := q.sched.Cancel(id); ok {
		q.unpersist(m)
		return true
	}

	q.mu.Lock()
	var removed *message.Outbound
	for _, pq := range q.pending {
		if m, ok := pq.remove(id); ok {
			removed = m
			break
		}
	}
	q.mu.Unlock()

	if removed == nil {
		return false
	}
	q.unpersist(removed)
	return true
}

// Pending returns the number of messages waiting for gateway.
func (q *Manager) Pending(gateway string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.pending[gateway]; ok {
		return pq.Len()
	}
	return 0
}

// Delayed returns the number of messages waiting for their scheduled time.
func (q *Manager) Delayed() int {
	return q.sched.Len()
}

// Counts returns the pending count of every gateway.
func (q *Manager) Counts() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int, len(q.pending))
	for id, pq := range q.pending {
		counts[id] = pq.Len()
	}
	return counts
}

// Snapshot returns the pending messages of gateway in send order.
func (q *Manager) Snapshot(gateway string) []*message.Outbound {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pq, ok := q.pending[gateway]; ok {
		return pq.sorted()
	}
	return nil
}

// DelayedMessages returns the delayed messages in due order.
func (q *Manager) DelayedMessages() []*message.Outbound {
	return q.sched.Messages()
}

func (q *Manager) persist(m *message.Outbound, delayed bool) {
	if q.config.Store == nil {
		return
	}
	if err := q.config.Store.Save(m, delayed); err != nil {
		q.logger.Error("Failed to persist queued message", "uuid", m.UUID, "error", err)
	}
}

func (q *Manager) unpersist(m *message.Outbound) {
	if q.config.Store == nil {
		return
	}
	if err := q.config.Store.Delete(m); err != nil {
		q.logger.Error("Failed to remove queued message", "uuid", m.UUID, "error", err)
	}
}

// pendingQueue is a priority heap. ready is closed and replaced whenever a
// message is pushed so that Dequeue callers can wait on it.
type pendingQueue struct {
	items outboundHeap
	ready chan struct{}
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{ready: make(chan struct{})}
}

func (p *pendingQueue) Len() int { return p.items.Len() }

func (p *pendingQueue) push(m *message.Outbound) {
	heap.Push(&p.items, m)
	close(p.ready)
	p.ready = make(chan struct{})
}

func (p *pendingQueue) pop() *message.Outbound {
	return heap.Pop(&p.items).(*message.Outbound)
}

func (p *pendingQueue) remove(id string) (*message.Outbound, bool) {
	for i, m := range p.items {
		if m.UUID == id {
			heap.Remove(&p.items, i)
			return m, true
		}
	}
	return nil, false
}

func (p *pendingQueue) sorted() []*message.Outbound {
	h := append(outboundHeap(nil), p.items...)
	out := make([]*message.Outbound, 0, len(h))
	for h.Len() > 0 {
		out = append(out, heap.Pop(&h).(*message.Outbound))
	}
	return out
}

type outboundHeap []*message.Outbound

func (h outboundHeap) Len() int { return len(h) }

func (h outboundHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func (h outboundHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *outboundHeap) Push(x any) { *h = append(*h, x.(*message.Outbound)) }

func (h *outboundHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
