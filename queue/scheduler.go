package queue

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"i4.energy/across/gsmgw/message"
)

// scheduler hands delayed messages back to the manager once they are due.
// All methods are safe for concurrent use.
type scheduler struct {
	mu   sync.Mutex
	h    dueHeap
	byID map[string]*dueItem

	// notify has capacity 1. Schedule signals it so that the delivery
	// goroutine re-evaluates its sleep when an earlier item arrives.
	notify chan struct{}
	wg     sync.WaitGroup
}

type dueItem struct {
	msg   *message.Outbound
	due   time.Time
	index int
}

func newScheduler() *scheduler {
	return &scheduler{
		byID:   make(map[string]*dueItem),
		notify: make(chan struct{}, 1),
	}
}

// Schedule adds m, replacing any entry with the same UUID.
func (s *scheduler) Schedule(m *message.Outbound, due time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[m.UUID]; ok {
		heap.Remove(&s.h, prev.index)
	}
	it := &dueItem{msg: m, due: due}
	heap.Push(&s.h, it)
	s.byID[m.UUID] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel removes the entry for id and returns its message.
func (s *scheduler) Cancel(id string) (*message.Outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&s.h, it.index)
	delete(s.byID, id)
	return it.msg, true
}

func (s *scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Messages returns a snapshot of the scheduled messages in due order.
func (s *scheduler) Messages() []*message.Outbound {
	s.mu.Lock()
	items := make([]dueItem, len(s.h))
	for i, it := range s.h {
		items[i] = *it
	}
	s.mu.Unlock()

	slices.SortFunc(items, func(a, b dueItem) int { return a.due.Compare(b.due) })
	out := make([]*message.Outbound, len(items))
	for i := range items {
		out[i] = items[i].msg
	}
	return out
}

// Start runs the delivery goroutine until ctx is done. ready is called from
// that goroutine and must not block for long.
func (s *scheduler) Start(ctx context.Context, ready func(*message.Outbound)) {
	s.wg.Add(1)
	go s.run(ctx, ready)
}

// Wait blocks until the delivery goroutine has exited.
func (s *scheduler) Wait() {
	s.wg.Wait()
}

func (s *scheduler) run(ctx context.Context, ready func(*message.Outbound)) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var next *dueItem
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(next.due)
		if delay <= 0 {
			if m := s.popDue(); m != nil {
				ready(m)
			}
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			if m := s.popDue(); m != nil {
				ready(m)
			}
		}
	}
}

// popDue removes the root when it is due. The root may have changed since it
// was peeked, so the due time is checked again under the lock.
func (s *scheduler) popDue() *message.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 || time.Now().Before(s.h[0].due) {
		return nil
	}
	it := heap.Pop(&s.h).(*dueItem)
	delete(s.byID, it.msg.UUID)
	return it.msg
}

type dueHeap []*dueItem

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*dueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
