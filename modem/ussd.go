package modem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
)

// USSDStatus is the <m> field of +CUSD.
type USSDStatus int

const (
	USSDDone USSDStatus = iota
	USSDActionRequired
	USSDTerminated
	USSDOtherClient
	USSDNotSupported
	USSDTimeout
)

func (s USSDStatus) String() string {
	switch s {
	case USSDDone:
		return "done"
	case USSDActionRequired:
		return "action-required"
	case USSDTerminated:
		return "terminated"
	case USSDOtherClient:
		return "other-client"
	case USSDNotSupported:
		return "not-supported"
	case USSDTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// USSDResponse is a parsed +CUSD reply.
type USSDResponse struct {
	Status  USSDStatus
	Content string
	DCS     int
	Raw     string
}

// ParseUSSD parses `+CUSD: <m>[,"<str>"[,<dcs>]]`. Content is left as sent
// by the modem; see Modem.DecodeUSSD.
func ParseUSSD(raw string) (USSDResponse, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), at.UrcUSSD)
	if !ok {
		return USSDResponse{}, protocolError("not a USSD reply: %q", raw)
	}
	fields := splitFields(body)
	status, err := strconv.Atoi(fieldAt(fields, 0))
	if err != nil {
		return USSDResponse{}, protocolError("malformed USSD status in %q", raw)
	}
	resp := USSDResponse{Status: USSDStatus(status), Content: fieldAt(fields, 1), DCS: -1, Raw: raw}
	if dcs, err := strconv.Atoi(fieldAt(fields, 2)); err == nil {
		resp.DCS = dcs
	}
	return resp, nil
}

// DecodeUSSD parses raw and decodes its content with the device dialect.
func (m *Modem) DecodeUSSD(raw string) (USSDResponse, error) {
	resp, err := ParseUSSD(raw)
	if err != nil {
		return resp, err
	}
	resp.Content = m.dialect.DecodeUSSD(resp.Content, resp.DCS)
	return resp, nil
}

// SendUSSD submits a USSD request and waits for the network reply. When
// interactive is false and the network asks for more input, the session is
// closed by writing an escape.
func (m *Modem) SendUSSD(ctx context.Context, request string, interactive bool) (USSDResponse, error) {
	cmd, err := m.dialect.FormatUSSD(request)
	if err != nil {
		return USSDResponse{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return USSDResponse{}, err
	}
	defer release()

	// Some modems send +CUSD before the OK of the request.
	resp, err := m.transact(ctx, cmd+at.CR, m.config.ATTimeout, at.EventUSSD)
	if err != nil {
		return USSDResponse{}, fmt.Errorf("%s: %w", cmd, err)
	}
	if resp.Event != at.EventUSSD {
		if err := resp.Err(cmd); err != nil {
			return USSDResponse{}, err
		}
		resp, err = m.await(ctx, m.config.USSDTimeout, at.EventUSSD)
		if err != nil {
			return USSDResponse{}, fmt.Errorf("waiting for USSD reply: %w", err)
		}
	} else if _, err := m.await(ctx, m.config.ATTimeout, at.EventNone); err != nil && !errors.Is(err, ErrTimeout) {
		return USSDResponse{}, err
	}

	reply, err := ParseUSSD(resp.Raw)
	if err != nil {
		return reply, err
	}
	reply.Content = m.dialect.DecodeUSSD(reply.Content, reply.DCS)

	if !interactive && reply.Status == USSDActionRequired {
		if err := m.write(at.Esc); err != nil {
			m.logger.Warn("Could not end USSD session", "error", err)
		}
	}
	return reply, nil
}

// CancelUSSD ends an open USSD session.
func (m *Modem) CancelUSSD(ctx context.Context) error {
	return m.expectOK(ctx, m.dialect.CancelUSSD())
}

// HangUp rejects an incoming call.
func (m *Modem) HangUp(ctx context.Context) error {
	return m.expectOK(ctx, at.CmdHangUp)
}

// ParseCallerID extracts the calling number from a +CLIP line.
func ParseCallerID(raw string) (string, bool) {
	body, ok := strings.CutPrefix(strings.TrimSpace(raw), at.UrcCallerID)
	if !ok {
		return "", false
	}
	number := fieldAt(splitFields(body), 0)
	return number, number != ""
}
