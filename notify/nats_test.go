package notify

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, slices.Clone(data)})
	return nil
}

func (p *fakePublisher) last(t *testing.T, v any) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.msgs) == 0 {
		t.Fatal("nothing published")
	}
	msg := p.msgs[len(p.msgs)-1]
	if err := json.Unmarshal(msg.data, v); err != nil {
		t.Fatalf("invalid JSON on %s: %v", msg.subject, err)
	}
	return msg.subject
}

var fixed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNATS(pub Publisher) *NATS {
	n := NewNATS(pub, "", nil)
	n.now = func() time.Time { return fixed }
	return n
}

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, gw, event string
		want              string
	}{
		{"", "modem1", "status", "smsgw.modem1.status"},
		{"site-a", "modem1", "inbound", "site-a.modem1.inbound"},
		{"", "", "outbound", "smsgw._.outbound"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			n := NewNATS(&fakePublisher{}, tt.prefix, nil)
			if got := n.Subject(tt.gw, tt.event); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPublishEvents(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNATS(pub)

	t.Run("Status", func(t *testing.T) {
		n.GatewayStatus("modem1", gateway.Starting, gateway.Started)
		var ev StatusEvent
		if subject := pub.last(t, &ev); subject != "smsgw.modem1.status" {
			t.Errorf("unexpected subject %q", subject)
		}
		if ev.Old != "starting" || ev.New != "started" || !ev.Time.Equal(fixed) {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	t.Run("Inbound", func(t *testing.T) {
		in := message.NewInbound()
		in.Originator = "+31641600986"
		in.Text = "How are you?"
		in.MemLocation, in.MemIndex = "SM", []int{3}
		n.InboundMessage("modem1", in)

		var ev Message
		if subject := pub.last(t, &ev); subject != "smsgw.modem1.inbound" {
			t.Errorf("unexpected subject %q", subject)
		}
		if ev.UUID != in.UUID || ev.Originator != in.Originator || ev.Text != in.Text {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Memory != "SM" || !slices.Equal(ev.Indices, []int{3}) || ev.Kind != "inbound" {
			t.Errorf("unexpected memory slot %s/%v kind %s", ev.Memory, ev.Indices, ev.Kind)
		}
	})

	t.Run("Outbound", func(t *testing.T) {
		out := message.NewOutbound("+1", "hi")
		out.GatewayID = "modem2"
		out.Status = message.StatusFailed
		out.FailureCause = message.CauseBadNumber
		out.Retries = 2
		n.OutboundMessage(out)

		var ev Message
		if subject := pub.last(t, &ev); subject != "smsgw.modem2.outbound" {
			t.Errorf("unexpected subject %q", subject)
		}
		if ev.Status != "failed" || ev.Cause != "bad-number" || ev.Retries != 2 || ev.RefNo != nil {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	t.Run("Call and USSD", func(t *testing.T) {
		n.InboundCall("modem1", "+4412")
		var call CallEvent
		if subject := pub.last(t, &call); subject != "smsgw.modem1.call" || call.Caller != "+4412" {
			t.Errorf("unexpected call %s %+v", subject, call)
		}

		n.USSDReply("modem1", modem.USSDResponse{Status: modem.USSDDone, Content: "Balance 5"})
		var ussd USSDEvent
		if subject := pub.last(t, &ussd); subject != "smsgw.modem1.ussd" || ussd.Content != "Balance 5" || ussd.Status != "done" {
			t.Errorf("unexpected ussd %s %+v", subject, ussd)
		}
	})

	t.Run("Orphan", func(t *testing.T) {
		part := message.NewInbound()
		part.MemLocation, part.MemIndex = "ME", []int{7, 8}
		n.OrphanedMessage("modem1", part, gateway.Delete)

		var ev OrphanEvent
		if subject := pub.last(t, &ev); subject != "smsgw.modem1.orphan" {
			t.Errorf("unexpected subject %q", subject)
		}
		if ev.Decision != "delete" || !slices.Equal(ev.Indices, []int{7, 8}) {
			t.Errorf("unexpected event %+v", ev)
		}
	})
}

func TestPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	n := newTestNATS(pub)

	n.InboundCall("modem1", "")
	if len(pub.msgs) != 0 {
		t.Errorf("expected nothing recorded, got %d", len(pub.msgs))
	}
	if err := n.Close(); err != nil {
		t.Errorf("expected Close without a connection to succeed, got %v", err)
	}
}
