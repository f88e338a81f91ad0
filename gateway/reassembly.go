package gateway

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/pdu"
)

// OrphanDecision is the answer of the orphan callback.
type OrphanDecision int

const (
	// Keep leaves the partial message on the device and in memory.
	Keep OrphanDecision = iota
	// Delete removes the received parts from the device and from memory.
	Delete
)

func (d OrphanDecision) String() string {
	if d == Delete {
		return "delete"
	}
	return "keep"
}

type partGroup struct {
	parts    map[int]*message.Inbound
	max      int
	first    time.Time
	reported bool
}

// reassembler collects the parts of concatenated messages. Parts are keyed
// by originator and concatenation reference; a repeated sequence number is
// ignored so that parts still stored on the device can be re-read safely.
type reassembler struct {
	mu     sync.Mutex
	groups map[string]*partGroup
}

func newReassembler() *reassembler {
	return &reassembler{groups: make(map[string]*partGroup)}
}

func groupKey(m *message.Inbound) string {
	return fmt.Sprintf("%s/%d/%d", m.Originator, m.MPRef, m.MPMax)
}

// add stores part and returns the joined message once every part is
// present.
func (r *reassembler) add(part *message.Inbound) (*message.Inbound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := groupKey(part)
	g, ok := r.groups[key]
	if !ok {
		g = &partGroup{parts: make(map[int]*message.Inbound), max: part.MPMax, first: part.Received}
		r.groups[key] = g
	}
	if _, dup := g.parts[part.MPSeq]; dup {
		return nil, nil
	}
	g.parts[part.MPSeq] = part
	if part.Received.Before(g.first) {
		g.first = part.Received
	}
	if len(g.parts) < g.max {
		return nil, nil
	}

	delete(r.groups, key)
	seqs := make([]int, 0, len(g.parts))
	for seq := range g.parts {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	ordered := make([]*message.Inbound, len(seqs))
	for i, seq := range seqs {
		ordered[i] = g.parts[seq]
	}
	return join(ordered)
}

// orphans returns, once per group, the groups whose first part is older
// than age. The returned message carries the received parts only.
func (r *reassembler) orphans(now time.Time, age time.Duration) []*message.Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*message.Inbound
	for _, g := range r.groups {
		if g.reported || now.Sub(g.first) < age {
			continue
		}
		g.reported = true
		out = append(out, partial(g))
	}
	return out
}

// forget drops the group m belongs to.
func (r *reassembler) forget(m *message.Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, groupKey(m))
}

func (r *reassembler) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func partial(g *partGroup) *message.Inbound {
	seqs := make([]int, 0, len(g.parts))
	for seq := range g.parts {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	m := *g.parts[seqs[0]]
	m.MemIndex = nil
	for _, seq := range seqs {
		m.MemIndex = append(m.MemIndex, g.parts[seq].MemIndex...)
	}
	return &m
}

// join concatenates ordered parts into one message that records every
// contributing memory index.
//
// 7-bit parts are decoded from their septets. A part whose last septet is an
// escape carries it over to the first septet of the next part, so characters
// from the extension table survive the split. An escape that no following
// 7-bit part picks up is shown as a space.
func join(parts []*message.Inbound) (*message.Inbound, error) {
	head := *parts[0]
	head.MemIndex = nil
	head.MPSeq = 0
	head.EndsWithMultiChar = false

	var (
		text    []byte
		payload []byte
		carry   []byte
	)
	for _, p := range parts {
		head.MemIndex = append(head.MemIndex, p.MemIndex...)
		if carry != nil && (p.Encoding != message.Enc7Bit || len(p.Payload) == 0) {
			text = append(text, ' ')
			carry = nil
		}
		switch {
		case p.Encoding == message.Enc8Bit:
			payload = append(payload, p.Payload...)
		case len(p.Payload) == 0:
			text = append(text, p.Text...)
		case p.Encoding == message.Enc7Bit:
			septets := append(carry, p.Payload...)
			carry = nil
			if p.EndsWithMultiChar {
				carry = []byte{septets[len(septets)-1]}
				septets = septets[:len(septets)-1]
			}
			s, err := pdu.DecodeText(p.Encoding, septets)
			if err != nil {
				return nil, fmt.Errorf("gateway: join part %d: %w", p.MPSeq, err)
			}
			text = append(text, s...)
			payload = append(payload, p.Payload...)
		default:
			s, err := pdu.DecodeText(p.Encoding, p.Payload)
			if err != nil {
				return nil, fmt.Errorf("gateway: join part %d: %w", p.MPSeq, err)
			}
			text = append(text, s...)
			payload = append(payload, p.Payload...)
		}
	}
	if carry != nil {
		text = append(text, ' ')
	}

	head.Payload = payload
	if head.Encoding != message.Enc8Bit {
		head.Text = string(text)
	}
	return &head, nil
}
