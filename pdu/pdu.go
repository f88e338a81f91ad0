// Package pdu adapts github.com/warthog618/sms to the gateway message model.
// The wire octets are produced and consumed entirely by that library; this
// package only maps between its TPDUs and message values.
package pdu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/gsm7"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/encoding/ucs2"

	"i4.energy/across/gsmgw/message"
)

// escape is the GSM 7-bit escape septet that prefixes extension characters.
const escape = 0x1b

const (
	iePorts8    = 0x04
	iePorts16   = 0x05
	stDelivered = 0x00
	stTempMax   = 0x3f
)

var ErrEmptyPDU = errors.New("pdu: empty PDU")

// Segment is one submit TPDU ready for AT+CMGS.
type Segment struct {
	// Hex is the full PDU including a zero-length SMSC prefix.
	Hex string
	// Length is the TPDU length in octets, excluding the SMSC.
	Length int
}

// Encode converts an outbound message into one or more submit segments.
func Encode(m *message.Outbound) ([]Segment, error) {
	if strings.TrimSpace(m.Recipient) == "" {
		return nil, errors.New("pdu: recipient is required")
	}

	opts := []sms.EncoderOption{sms.AsSubmit, sms.To(m.Recipient)}
	payload := []byte(m.Text)
	switch m.Encoding {
	case message.Enc8Bit:
		opts = append(opts, sms.As8Bit)
		payload = m.Payload
	case message.EncUCS2:
		opts = append(opts, sms.AsUCS2)
	}

	tpdus, err := sms.Encode(payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("pdu: encode: %w", err)
	}

	segments := make([]Segment, 0, len(tpdus))
	for i := range tpdus {
		t := &tpdus[i]
		if m.StatusReq {
			t.FirstOctet |= tpdu.FoSRR
		}
		if m.Validity > 0 {
			var vp tpdu.ValidityPeriod
			vp.SetRelative(m.Validity)
			t.SetVP(vp)
		}
		b, err := t.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("pdu: marshal segment %d: %w", i+1, err)
		}
		full := append([]byte{0x00}, b...)
		segments = append(segments, Segment{
			Hex:    strings.ToUpper(hex.EncodeToString(full)),
			Length: len(b),
		})
	}
	return segments, nil
}

// Decode interprets a stored PDU read from device memory at loc/index.
// Unparseable PDUs are returned as *message.Unknown together with the error
// so the caller can still delete the slot.
func Decode(hexPDU string, loc message.Location, index int) (message.Message, error) {
	hexPDU = strings.TrimSpace(hexPDU)
	if hexPDU == "" {
		return nil, ErrEmptyPDU
	}

	unknown := func(err error) (message.Message, error) {
		u := message.NewUnknown(hexPDU)
		u.MemLocation = loc
		u.MemIndex = []int{index}
		return u, err
	}

	p, err := pdumode.UnmarshalHexString(hexPDU)
	if err != nil {
		return unknown(fmt.Errorf("pdu: %w", err))
	}
	t, err := sms.Unmarshal(p.TPDU)
	if err != nil {
		return unknown(fmt.Errorf("pdu: unmarshal: %w", err))
	}

	switch t.SmsType() {
	case tpdu.SmsDeliver:
		return decodeDeliver(t, loc, index)
	case tpdu.SmsStatusReport:
		return decodeStatusReport(t, loc, index), nil
	default:
		return unknown(fmt.Errorf("pdu: unsupported TPDU type %v", t.SmsType()))
	}
}

func decodeDeliver(t *tpdu.TPDU, loc message.Location, index int) (message.Message, error) {
	m := message.NewInbound()
	m.Originator = t.OA.Number()
	m.ServiceAt = t.SCTS.Time
	m.Date = t.SCTS.Time
	m.MemLocation = loc
	m.MemIndex = []int{index}
	m.Payload = append([]byte(nil), t.UD...)

	alpha, err := t.DCS.Alphabet()
	if err != nil {
		alpha = tpdu.Alpha8Bit
	}
	m.Encoding = encodingOf(alpha)

	if segments, seqno, mref, ok := t.ConcatInfo(); ok && segments > 1 {
		m.MPRef = mref
		m.MPMax = segments
		m.MPSeq = seqno
	}
	for _, ie := range t.UDH {
		m.UDH = append(m.UDH, ie.ID, byte(len(ie.Data)))
		m.UDH = append(m.UDH, ie.Data...)
		switch ie.ID {
		case iePorts16:
			if len(ie.Data) == 4 {
				m.DstPort = int(ie.Data[0])<<8 | int(ie.Data[1])
				m.SrcPort = int(ie.Data[2])<<8 | int(ie.Data[3])
			}
		case iePorts8:
			if len(ie.Data) == 2 {
				m.DstPort = int(ie.Data[0])
				m.SrcPort = int(ie.Data[1])
			}
		}
	}

	if m.Encoding == message.Enc7Bit && len(m.Payload) > 0 && m.Payload[len(m.Payload)-1] == escape {
		m.EndsWithMultiChar = true
	}
	if m.Encoding != message.Enc8Bit {
		text, err := DecodeText(m.Encoding, m.Payload)
		if err != nil {
			return m, fmt.Errorf("pdu: decode text: %w", err)
		}
		m.Text = text
	}
	return m, nil
}

func decodeStatusReport(t *tpdu.TPDU, loc message.Location, index int) *message.StatusReport {
	m := message.NewStatusReport()
	m.Recipient = t.RA.Number()
	m.RefNo = int(t.MR)
	m.Sent = t.SCTS.Time
	m.Delivered = t.DT.Time
	m.Date = t.DT.Time
	m.MemLocation = loc
	m.MemIndex = []int{index}
	m.Status = deliveryStatus(t.ST)
	m.Text = fmt.Sprintf("%s at %s", m.Status, m.Delivered.Format(time.RFC3339))
	return m
}

func deliveryStatus(st byte) message.DeliveryStatus {
	switch {
	case st == stDelivered:
		return message.DeliveryDelivered
	case st >= 0x20 && st <= stTempMax:
		return message.DeliveryKeepTrying
	case st >= 0x40:
		return message.DeliveryAborted
	default:
		return message.DeliveryUnknown
	}
}

func encodingOf(a tpdu.Alphabet) message.Encoding {
	switch a {
	case tpdu.Alpha7Bit:
		return message.Enc7Bit
	case tpdu.AlphaUCS2:
		return message.EncUCS2
	case tpdu.Alpha8Bit:
		return message.Enc8Bit
	default:
		return message.EncCustom
	}
}

// DecodeText converts raw user data (unpacked septets for 7-bit, UCS2 octets
// for UCS2) into text. 8-bit payloads are returned as-is.
func DecodeText(enc message.Encoding, ud []byte) (string, error) {
	switch enc {
	case message.Enc7Bit:
		if n := len(ud); n > 0 && ud[n-1] == escape {
			ud = ud[:n-1]
		}
		b, err := gsm7.Decode(ud)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case message.EncUCS2:
		r, err := ucs2.Decode(ud)
		if err != nil {
			return "", err
		}
		return string(r), nil
	default:
		return string(ud), nil
	}
}

// PackUSSD encodes text as hex of packed 7-bit septets, the form expected by
// modems that refuse plain-text USSD strings.
func PackUSSD(text string) (string, error) {
	septets, err := gsm7.Encode([]byte(text))
	if err != nil {
		return "", fmt.Errorf("pdu: ussd encode: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(gsm7.Pack7BitUSSD(septets, 0))), nil
}

// UnpackUSSD is the inverse of PackUSSD.
func UnpackUSSD(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pdu: ussd hex: %w", err)
	}
	text, err := gsm7.Decode(gsm7.Unpack7BitUSSD(b, 0))
	if err != nil {
		return "", fmt.Errorf("pdu: ussd decode: %w", err)
	}
	return strings.TrimRight(string(text), "\r"), nil
}
