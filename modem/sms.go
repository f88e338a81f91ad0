package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/pdu"
)

// Message stores.
const (
	// LocationDefault means no explicit store selection; the modem's current
	// store is used as is.
	LocationDefault       message.Location = "--"
	LocationSIM           message.Location = "SM"
	LocationPhone         message.Location = "ME"
	LocationStatusReports message.Location = "SR"
)

// Class selects which stored messages a listing returns.
type Class int

const (
	ClassAll Class = iota
	ClassUnread
	ClassRead
)

func (c Class) pdu() int {
	switch c {
	case ClassUnread:
		return 0
	case ClassRead:
		return 1
	default:
		return 4
	}
}

func (c Class) text() string {
	switch c {
	case ClassUnread:
		return "REC UNREAD"
	case ClassRead:
		return "REC READ"
	default:
		return "ALL"
	}
}

var reReference = regexp.MustCompile(`(\d+)\s*$`)

// parseReference extracts the message reference from a +CMGS reply. A
// missing or unparsable reference yields -1.
func parseReference(resp Response) int {
	data := resp.Data(at.RespSubmit)
	if len(data) == 0 {
		return -1
	}
	first, _, _ := strings.Cut(data[0], ",")
	match := reReference.FindStringSubmatch(first)
	if match == nil {
		return -1
	}
	ref, err := strconv.Atoi(match[1])
	if err != nil {
		return -1
	}
	return ref
}

// Send submits m and returns the network reference number, -1 when the modem
// did not report one. Long messages are split into segments, submitted in
// order; the reference of the last segment is returned.
func (m *Modem) Send(ctx context.Context, msg *message.Outbound) (int, error) {
	if m.config.Protocol == ProtocolText {
		if msg.Encoding != message.Enc7Bit || len(msg.UDH) > 0 {
			return -1, protocolError("text mode cannot send %s payloads", msg.Encoding)
		}
		return m.SendText(ctx, msg.Recipient, msg.Text)
	}

	segments, err := pdu.Encode(msg)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	ref := -1
	for i, seg := range segments {
		if ref, err = m.SendPDU(ctx, seg); err != nil {
			return -1, fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
	}
	return ref, nil
}

// SendPDU submits one PDU segment.
func (m *Modem) SendPDU(ctx context.Context, seg pdu.Segment) (int, error) {
	return m.submit(ctx, fmt.Sprintf("AT+CMGS=%d", seg.Length), seg.Hex)
}

// SendText submits text to recipient in text mode.
func (m *Modem) SendText(ctx context.Context, recipient, text string) (int, error) {
	return m.submit(ctx, fmt.Sprintf(`AT+CMGS="%s"`, recipient), text)
}

// submit retries the whole prompt/payload exchange on numeric AT errors.
func (m *Modem) submit(ctx context.Context, cmd, payload string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= max(m.config.Retries.Send, 1); attempt++ {
		ref, err := m.submitOnce(ctx, cmd, payload)
		if err == nil {
			return ref, nil
		}
		if !isATError(err) {
			return -1, err
		}
		lastErr = err
		m.logger.Warn("Submit rejected, retrying", "command", cmd, "attempt", attempt, "error", err)
		if err := sleep(ctx, m.config.Delays.Retry); err != nil {
			return -1, err
		}
	}
	return -1, lastErr
}

func (m *Modem) submitOnce(ctx context.Context, cmd, payload string) (int, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer release()

	m.sync.drain(ctx)
	if err := m.write(cmd + at.CR); err != nil {
		return -1, err
	}

	prompted := false
	for i := 0; i < max(m.config.Retries.Prompt, 1) && !prompted; i++ {
		resp, err := m.await(ctx, m.config.Delays.Step, at.EventNone)
		switch {
		case errors.Is(err, ErrTimeout):
			m.logger.Debug("Still waiting for prompt", "command", cmd)
			continue
		case err != nil:
			return -1, err
		case resp.Prompt():
			prompted = true
		case !resp.OK():
			return -1, resp.Err(cmd)
		default:
			return -1, protocolError("%s answered %q instead of the prompt", cmd, resp.Raw)
		}
	}
	if !prompted {
		_ = m.write(at.Esc)
		return -1, fmt.Errorf("%w: no prompt for %s", ErrTimeout, cmd)
	}

	if err := m.write(payload + at.CtrlZ); err != nil {
		return -1, err
	}
	for range max(m.config.Retries.Submit, 1) {
		resp, err := m.await(ctx, m.config.Delays.Step, at.EventNone)
		if errors.Is(err, ErrTimeout) {
			m.logger.Debug("Still waiting for submit reply", "command", cmd)
			continue
		}
		if err != nil {
			return -1, err
		}
		if err := resp.Err(cmd); err != nil {
			return -1, err
		}
		ref := parseReference(resp)
		if ref < 0 {
			m.logger.Warn("Message sent without reference number", "response", resp.Raw)
		}
		return ref, nil
	}
	return -1, fmt.Errorf("%w: no submit reply for %s", ErrTimeout, cmd)
}

// selectStorage makes loc the current read/delete store. The caller holds
// the commander lock.
func (m *Modem) selectStorage(ctx context.Context, loc message.Location) error {
	if loc == LocationDefault || loc == "" {
		return nil
	}
	if _, err := m.exec(ctx, fmt.Sprintf(`AT+CPMS="%s"`, loc)); err != nil {
		return fmt.Errorf("select storage %s: %w", loc, err)
	}
	return nil
}

// ReadMessages lists the messages of class in every discovered store.
// Messages the codec cannot interpret are returned as *message.Unknown so
// their slots can still be freed.
func (m *Modem) ReadMessages(ctx context.Context, class Class) ([]message.Message, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []message.Message
	for _, loc := range m.storage {
		if err := m.selectStorage(ctx, loc); err != nil {
			if isATError(err) {
				m.logger.Warn("Skipping storage", "location", loc, "error", err)
				continue
			}
			return out, err
		}

		var cmd string
		if m.config.Protocol == ProtocolText {
			cmd = fmt.Sprintf(`AT+CMGL="%s"`, class.text())
		} else {
			cmd = fmt.Sprintf("AT+CMGL=%d", class.pdu())
		}
		resp, err := m.exec(ctx, cmd)
		if err != nil {
			if isATError(err) {
				m.logger.Warn("Listing failed", "location", loc, "error", err)
				continue
			}
			return out, err
		}
		out = append(out, m.parseListing(resp, at.RespList, loc, -1)...)
	}
	return out, nil
}

// ReadMessage reads the message stored at loc/index.
func (m *Modem) ReadMessage(ctx context.Context, loc message.Location, index int) (message.Message, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.selectStorage(ctx, loc); err != nil {
		return nil, err
	}
	resp, err := m.exec(ctx, fmt.Sprintf("AT+CMGR=%d", index))
	if err != nil {
		return nil, err
	}
	msgs := m.parseListing(resp, at.RespRead, loc, index)
	if len(msgs) == 0 {
		return nil, protocolError("no message at %s/%d", loc, index)
	}
	return msgs[0], nil
}

// DeleteMessage frees the slot loc/index.
func (m *Modem) DeleteMessage(ctx context.Context, loc message.Location, index int) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := m.selectStorage(ctx, loc); err != nil {
		return err
	}
	_, err = m.exec(ctx, fmt.Sprintf("AT+CMGD=%d", index))
	return err
}

// parseListing walks +CMGL/+CMGR header lines and the body lines following
// each. For +CMGR the index is not part of the header and is passed in.
func (m *Modem) parseListing(resp Response, prefix string, loc message.Location, index int) []message.Message {
	var out []message.Message
	lines := resp.Lines
	for i := 0; i < len(lines); i++ {
		header, ok := strings.CutPrefix(lines[i], prefix)
		if !ok {
			continue
		}
		var body []string
		for i+1 < len(lines) && !strings.HasPrefix(lines[i+1], prefix) {
			if _, final := at.MatchTerminator(lines[i+1]); final {
				break
			}
			body = append(body, lines[i+1])
			i++
		}

		fields := splitFields(header)
		idx := index
		if index < 0 {
			n, err := strconv.Atoi(fieldAt(fields, 0))
			if err != nil {
				m.logger.Warn("Unparseable listing header", "line", lines[i])
				continue
			}
			idx = n
			fields = fields[1:]
		}

		var msg message.Message
		var err error
		if m.config.Protocol == ProtocolText {
			msg, err = parseTextMessage(fields, body, loc, idx)
		} else {
			msg, err = pdu.Decode(strings.Join(body, ""), loc, idx)
		}
		if err != nil {
			m.logger.Warn("Undecodable stored message", "location", loc, "index", idx, "error", err)
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

// splitFields splits a comma separated header, honouring quotes.
func splitFields(s string) []string {
	var (
		fields []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, strings.TrimSpace(cur.String()))
}

func fieldAt(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// textTimestamp parses the text mode time format "yy/MM/dd,hh:mm:ss±zz",
// where zz counts quarter hours.
func textTimestamp(s string) time.Time {
	if len(s) < 17 {
		return time.Time{}
	}
	t, err := time.Parse("06/01/02,15:04:05", s[:17])
	if err != nil {
		return time.Time{}
	}
	if q, err := strconv.Atoi(s[17:]); err == nil {
		t = t.Add(-time.Duration(q) * 15 * time.Minute)
	}
	return t.UTC()
}

// isTextStatusReport tells a status report header from a deliver header. A
// report carries the first octet as a bare number where a deliver carries
// the originator, which may be numeric too, and it always has the discharge
// time and status fields.
func isTextStatusReport(fields []string) bool {
	if len(fields) < 8 {
		return false
	}
	fo := fieldAt(fields, 1)
	if fo == "" {
		return false
	}
	for _, r := range fo {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseTextMessage builds a message from text mode fields (after the index):
//
//	deliver: stat,oa,[alpha],scts
//	status report: stat,fo,mr,[ra],[tora],scts,dt,st
func parseTextMessage(fields, body []string, loc message.Location, index int) (message.Message, error) {
	if isTextStatusReport(fields) {
		sr := message.NewStatusReport()
		sr.MemLocation = loc
		sr.MemIndex = []int{index}
		sr.RefNo, _ = strconv.Atoi(fieldAt(fields, 2))
		sr.Recipient = fieldAt(fields, 3)
		sr.Sent = textTimestamp(fieldAt(fields, 5))
		sr.Delivered = textTimestamp(fieldAt(fields, 6))
		st, err := strconv.Atoi(fieldAt(fields, 7))
		switch {
		case err != nil:
			sr.Status = message.DeliveryUnknown
		case st == 0:
			sr.Status = message.DeliveryDelivered
		case st < 0x40:
			sr.Status = message.DeliveryKeepTrying
		default:
			sr.Status = message.DeliveryAborted
		}
		return sr, nil
	}

	in := message.NewInbound()
	in.MemLocation = loc
	in.MemIndex = []int{index}
	in.Originator = fieldAt(fields, 1)
	in.Text = strings.Join(body, "\n")
	in.ServiceAt = textTimestamp(fieldAt(fields, 3))
	if !in.ServiceAt.IsZero() {
		in.Date = in.ServiceAt
	}
	if in.Originator == "" {
		return in, protocolError("text message %d without originator", index)
	}
	return in, nil
}
