package message

import "time"

// Location identifies a device message store, e.g. "SM" or "ME".
type Location string

// Inbound is a received message. Multi-part messages carry every memory index
// that contributed to them.
type Inbound struct {
	Header
	Originator  string
	SMSC        string
	MemLocation Location
	MemIndex    []int
	// Concatenation metadata; MPRef is zero for single-part messages.
	MPRef     int
	MPMax     int
	MPSeq     int
	Received  time.Time
	ServiceAt time.Time
	// EndsWithMultiChar marks a 7-bit part whose last septet is the escape of
	// a two-septet character continued in the next part.
	EndsWithMultiChar bool
}

// NewInbound returns an Inbound with fresh identity.
func NewInbound() *Inbound {
	return &Inbound{Header: newHeader(), Received: time.Now()}
}

func (m *Inbound) Head() *Header { return &m.Header }
func (m *Inbound) Kind() Kind    { return payloadKind(&m.Header, KindInbound) }
func (m *Inbound) isMessage()    {}

// Multipart reports whether the message is one part of a concatenated set.
func (m *Inbound) Multipart() bool {
	return m.MPRef != 0 && m.MPMax > 1
}

// Status is the delivery state of an outbound message.
type Status int

const (
	StatusUnsent Status = iota
	StatusQueued
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unsent"
	}
}

// FailureCause classifies why an outbound message failed.
type FailureCause int

const (
	CauseNone FailureCause = iota
	CauseBadNumber
	CauseBadFormat
	CauseGatewayFailure
	CauseNoCredit
	CauseGatewayAuth
	CauseNoRoute
	CauseTimeout
	CauseUnknown
)

func (c FailureCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseBadNumber:
		return "bad-number"
	case CauseBadFormat:
		return "bad-format"
	case CauseGatewayFailure:
		return "gateway-failure"
	case CauseNoCredit:
		return "no-credit"
	case CauseGatewayAuth:
		return "gateway-auth"
	case CauseNoRoute:
		return "no-route"
	case CauseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outbound is a message submitted for delivery.
type Outbound struct {
	Header
	Recipient  string
	From       string
	Priority   int
	Validity   time.Duration
	StatusReq  bool
	Status     Status
	Dispatched time.Time
	// RefNo is assigned by the network on submit; -1 when unknown.
	RefNo        int
	Retries      int
	FailureCause FailureCause
	// ScheduledAt is the earliest delivery time; zero means immediately.
	ScheduledAt time.Time
	// EnqueuedAt orders messages of equal priority.
	EnqueuedAt time.Time
}

// NewOutbound returns a 7-bit text message for recipient.
func NewOutbound(recipient, text string) *Outbound {
	h := newHeader()
	h.Text = text
	return &Outbound{
		Header:    h,
		Recipient: recipient,
		RefNo:     -1,
	}
}

// NewBinaryOutbound returns an 8-bit message carrying payload.
func NewBinaryOutbound(recipient string, payload []byte) *Outbound {
	m := NewOutbound(recipient, "")
	m.Encoding = Enc8Bit
	m.Payload = payload
	return m
}

func (m *Outbound) Head() *Header { return &m.Header }
func (m *Outbound) Kind() Kind    { return payloadKind(&m.Header, KindOutbound) }
func (m *Outbound) isMessage()    {}

// Delay returns how long until the message is due, relative to now.
func (m *Outbound) Delay(now time.Time) time.Duration {
	if m.ScheduledAt.IsZero() {
		return 0
	}
	return m.ScheduledAt.Sub(now)
}

// DeliveryStatus is the outcome carried by a status report.
type DeliveryStatus int

const (
	DeliveryUnknown DeliveryStatus = iota
	DeliveryDelivered
	DeliveryKeepTrying
	DeliveryAborted
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryDelivered:
		return "delivered"
	case DeliveryKeepTrying:
		return "keep-trying"
	case DeliveryAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StatusReport is a delivery receipt for a previously sent message.
type StatusReport struct {
	Header
	Recipient   string
	RefNo       int
	Status      DeliveryStatus
	Sent        time.Time
	Delivered   time.Time
	MemLocation Location
	MemIndex    []int
}

func NewStatusReport() *StatusReport {
	return &StatusReport{Header: newHeader()}
}

func (m *StatusReport) Head() *Header { return &m.Header }
func (m *StatusReport) Kind() Kind    { return KindStatusReport }
func (m *StatusReport) isMessage()    {}

// Unknown is a stored message the codec could not interpret. It is kept so
// that the memory slot can still be deleted.
type Unknown struct {
	Header
	Raw         string
	MemLocation Location
	MemIndex    []int
}

func NewUnknown(raw string) *Unknown {
	return &Unknown{Header: newHeader(), Raw: raw}
}

func (m *Unknown) Head() *Header { return &m.Header }
func (m *Unknown) Kind() Kind    { return KindUnknown }
func (m *Unknown) isMessage()    {}

// Indices returns the device memory location and indices holding m, or
// false for messages that are not stored on a device.
func Indices(m Message) (Location, []int, bool) {
	switch v := m.(type) {
	case *Inbound:
		return v.MemLocation, v.MemIndex, len(v.MemIndex) > 0
	case *StatusReport:
		return v.MemLocation, v.MemIndex, len(v.MemIndex) > 0
	case *Unknown:
		return v.MemLocation, v.MemIndex, len(v.MemIndex) > 0
	default:
		return "", nil, false
	}
}
