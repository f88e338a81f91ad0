// Package message defines the SMS values exchanged between the gateways,
// the outbound queue and the callbacks.
//
// Message is a closed sum type. The concrete variants are *Inbound,
// *Outbound, *StatusReport and *Unknown; Kind refines them further into
// Binary and Encrypted payloads so that callers can switch exhaustively on
// Kind instead of testing types.
package message

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind tags the variant of a Message.
type Kind int

const (
	KindUnknown Kind = iota
	KindInbound
	KindOutbound
	KindStatusReport
	KindBinary
	KindEncrypted
)

func (k Kind) String() string {
	switch k {
	case KindInbound:
		return "inbound"
	case KindOutbound:
		return "outbound"
	case KindStatusReport:
		return "status-report"
	case KindBinary:
		return "binary"
	case KindEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Encoding is the payload alphabet.
type Encoding int

const (
	Enc7Bit Encoding = iota
	Enc8Bit
	EncUCS2
	EncCustom
)

func (e Encoding) String() string {
	switch e {
	case Enc7Bit:
		return "7bit"
	case Enc8Bit:
		return "8bit"
	case EncUCS2:
		return "ucs2"
	default:
		return "custom"
	}
}

// ParseEncoding is the inverse of Encoding.String. Unknown names map to
// Enc7Bit.
func ParseEncoding(s string) Encoding {
	switch s {
	case "8bit":
		return Enc8Bit
	case "ucs2":
		return EncUCS2
	case "custom":
		return EncCustom
	default:
		return Enc7Bit
	}
}

var sequence atomic.Int64

// Header carries the identity and payload shared by every variant.
type Header struct {
	// UUID never changes once assigned.
	UUID string
	// ID is a process-wide monotonic sequence number.
	ID        int64
	GatewayID string
	Encoding  Encoding
	Text      string
	Payload   []byte
	UDH       []byte
	// SrcPort and DstPort are -1 when the message carries no port addressing.
	SrcPort int
	DstPort int
	Date    time.Time
	// Encrypted is set when the payload was sealed by the sender.
	Encrypted bool
}

func newHeader() Header {
	return Header{
		UUID:    uuid.NewString(),
		ID:      sequence.Add(1),
		SrcPort: -1,
		DstPort: -1,
		Date:    time.Now(),
	}
}

// HasPorts reports whether the message is port addressed.
func (h *Header) HasPorts() bool {
	return h.SrcPort >= 0 && h.DstPort >= 0
}

// Message is implemented by *Inbound, *Outbound, *StatusReport and *Unknown.
type Message interface {
	Head() *Header
	Kind() Kind
	isMessage()
}

func payloadKind(h *Header, plain Kind) Kind {
	switch {
	case h.Encrypted:
		return KindEncrypted
	case h.Encoding == Enc8Bit:
		return KindBinary
	default:
		return plain
	}
}

// Describe renders a one-line summary of m for logs.
func Describe(m Message) string {
	h := m.Head()
	switch m.Kind() {
	case KindInbound:
		in := m.(*Inbound)
		return fmt.Sprintf("inbound %s from %s (%d parts)", h.UUID, in.Originator, max(len(in.MemIndex), 1))
	case KindOutbound:
		out := m.(*Outbound)
		return fmt.Sprintf("outbound %s to %s [%s]", h.UUID, out.Recipient, out.Status)
	case KindStatusReport:
		sr := m.(*StatusReport)
		return fmt.Sprintf("status report %s ref %d: %s", h.UUID, sr.RefNo, sr.Status)
	case KindBinary:
		return fmt.Sprintf("binary %s (%d bytes)", h.UUID, len(h.Payload))
	case KindEncrypted:
		return fmt.Sprintf("encrypted %s (%d bytes)", h.UUID, len(h.Payload))
	case KindUnknown:
		return fmt.Sprintf("unknown %s", h.UUID)
	default:
		return h.UUID
	}
}
