// Package notify publishes gateway events to external systems.
package notify

import (
	"time"

	"i4.energy/across/gsmgw/message"
)

// Message is the JSON view of a message.
type Message struct {
	UUID       string    `json:"uuid"`
	Kind       string    `json:"kind"`
	Gateway    string    `json:"gateway,omitempty"`
	Encoding   string    `json:"encoding"`
	Text       string    `json:"text,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	Date       time.Time `json:"date"`
	Originator string    `json:"originator,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Memory     string    `json:"memory,omitempty"`
	Indices    []int     `json:"indices,omitempty"`

	Priority    int        `json:"priority,omitempty"`
	Status      string     `json:"status,omitempty"`
	Cause       string     `json:"cause,omitempty"`
	RefNo       *int       `json:"ref_no,omitempty"`
	Retries     int        `json:"retries,omitempty"`
	Dispatched  *time.Time `json:"dispatched,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Delivered   *time.Time `json:"delivered,omitempty"`
}

// NewMessage builds the JSON view of m.
func NewMessage(m message.Message) Message {
	h := m.Head()
	out := Message{
		UUID:     h.UUID,
		Kind:     m.Kind().String(),
		Gateway:  h.GatewayID,
		Encoding: h.Encoding.String(),
		Text:     h.Text,
		Payload:  h.Payload,
		Date:     h.Date,
	}
	if loc, indices, ok := message.Indices(m); ok {
		out.Memory, out.Indices = string(loc), indices
	}

	switch v := m.(type) {
	case *message.Inbound:
		out.Originator = v.Originator
	case *message.Outbound:
		out.Recipient = v.Recipient
		out.Priority = v.Priority
		out.Status = v.Status.String()
		out.Retries = v.Retries
		if v.FailureCause != message.CauseNone {
			out.Cause = v.FailureCause.String()
		}
		if v.RefNo >= 0 {
			out.RefNo = &v.RefNo
		}
		out.Dispatched = timePtr(v.Dispatched)
		out.ScheduledAt = timePtr(v.ScheduledAt)
	case *message.StatusReport:
		out.Recipient = v.Recipient
		out.Status = v.Status.String()
		out.RefNo = &v.RefNo
		out.Delivered = timePtr(v.Delivered)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// StatusEvent reports a gateway state change.
type StatusEvent struct {
	Gateway string    `json:"gateway"`
	Old     string    `json:"old"`
	New     string    `json:"new"`
	Time    time.Time `json:"time"`
}

// CallEvent reports an inbound call.
type CallEvent struct {
	Gateway string    `json:"gateway"`
	Caller  string    `json:"caller,omitempty"`
	Time    time.Time `json:"time"`
}

// USSDEvent reports an unsolicited USSD reply.
type USSDEvent struct {
	Gateway string    `json:"gateway"`
	Status  string    `json:"status"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// OrphanEvent reports parts of a multi-part message that never completed.
type OrphanEvent struct {
	Message
	Decision string `json:"decision"`
}
