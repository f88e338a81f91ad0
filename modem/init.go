package modem

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
)

// bringUp performs the connection sequence. Steps run strictly in order; a
// step that cannot complete within its retry budget aborts the sequence.
func (m *Modem) bringUp(ctx context.Context) error {
	c := m.config

	if _, err := m.Exec(ctx, at.CmdReset); err != nil && !isATError(err) {
		return fmt.Errorf("reset: %w", err)
	}
	if err := sleep(ctx, c.Delays.AfterReset); err != nil {
		return err
	}
	if err := m.echoOff(ctx); err != nil {
		return err
	}

	if c.CustomInit != "" {
		if _, err := m.Exec(ctx, c.CustomInit); err != nil {
			if !isATError(err) {
				return fmt.Errorf("custom init: %w", err)
			}
			m.logger.Warn("Custom init command rejected", "command", c.CustomInit, "error", err)
		}
		if err := m.echoOff(ctx); err != nil {
			return err
		}
	}

	if err := m.waitForSIMReady(ctx, PollConfig{Interval: c.Delays.SIMPoll, MaxRetries: c.Retries.SIM}); err != nil {
		return err
	}
	if err := m.echoOff(ctx); err != nil {
		return err
	}

	m.info = m.queryInfo(ctx)
	manufacturer, model := m.info.Manufacturer, m.info.Model
	if c.Manufacturer != "" {
		manufacturer = c.Manufacturer
	}
	if c.Model != "" {
		model = c.Model
	}
	m.dialect = c.Registry.Lookup(manufacturer, model)
	m.logger.Info("Modem identified",
		"manufacturer", m.info.Manufacturer,
		"model", m.info.Model,
		"revision", m.info.Revision,
		"dialect", m.dialect.Name())

	if err := m.dialect.Init(ctx, m); err != nil {
		if !isATError(err) {
			return fmt.Errorf("dialect init: %w", err)
		}
		m.logger.Warn("Dialect init step rejected", "dialect", m.dialect.Name(), "error", err)
	}
	if err := m.echoOff(ctx); err != nil {
		return err
	}

	if err := m.waitForRegistration(ctx, PollConfig{Interval: c.Delays.NetworkPoll, MaxRetries: c.Retries.Network}); err != nil {
		return err
	}

	if err := m.expectOK(ctx, at.CmdVerboseErrors); err != nil {
		if !isATError(err) {
			return fmt.Errorf("verbose errors: %w", err)
		}
		m.logger.Warn("Verbose error mode not supported", "error", err)
	}

	if c.SMSC != "" {
		if err := m.expectOK(ctx, fmt.Sprintf(`AT+CSCA="%s"`, c.SMSC)); err != nil {
			return fmt.Errorf("set SMSC: %w", err)
		}
	}

	m.storage = m.dialect.StorageLocations(m.discoverStorage(ctx))
	if len(m.storage) == 0 {
		m.storage = []message.Location{c.DefaultLocation}
	}

	m.indications = m.enableIndications(ctx)
	if !m.indications {
		m.logger.Warn("New message indications unavailable, inbound polling required")
	}

	mode := at.CmdSetPDUMode
	if c.Protocol == ProtocolText {
		mode = at.CmdSetTextMode
	}
	if err := m.expectOK(ctx, mode); err != nil {
		return fmt.Errorf("select %s mode: %w", c.Protocol, err)
	}

	if err := m.expectOK(ctx, at.CmdCallerID); err != nil {
		m.logger.Debug("Caller identification not enabled", "error", err)
	}
	return nil
}

func (m *Modem) echoOff(ctx context.Context) error {
	if err := m.expectOK(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}
	return nil
}

type simState int

const (
	simReady simState = iota
	simBusy
	simPIN
	simPIN2
	simPUK
)

// cmeSIMBusy is +CME ERROR: 14.
const cmeSIMBusy = at.CodeCMEBase + 14

func classifySIM(resp Response) simState {
	switch {
	case strings.Contains(resp.Raw, "PUK"):
		return simPUK
	case strings.Contains(resp.Raw, at.SimPin2):
		return simPIN2
	case strings.Contains(resp.Raw, at.SimPin):
		return simPIN
	case resp.Code == cmeSIMBusy:
		return simBusy
	default:
		// READY, a bare OK and other errors are tolerated.
		return simReady
	}
}

// waitForSIMReady polls the SIM status, entering PIN or PIN2 when asked,
// until the SIM reports ready.
func (m *Modem) waitForSIMReady(ctx context.Context, cfg PollConfig) error {
	err := poll(ctx, cfg, func(int) (bool, error) {
		resp, err := m.Exec(ctx, at.CmdSimStatus)
		if err != nil && !isATError(err) {
			return false, fmt.Errorf("query SIM status: %w", err)
		}

		switch classifySIM(resp) {
		case simReady:
			if err != nil {
				m.logger.Warn("SIM status query failed, assuming ready", "error", err)
			}
			return true, nil
		case simBusy:
			return false, nil
		case simPUK:
			return false, ErrSIMBlocked
		case simPIN2:
			if m.config.SimPIN2 == "" {
				return false, ErrSIMPin2Required
			}
			return false, m.enterPIN(ctx, m.config.SimPIN2)
		default:
			if m.config.SimPIN == "" {
				return false, ErrSIMPinRequired
			}
			return false, m.enterPIN(ctx, m.config.SimPIN)
		}
	})
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("SIM not ready: %w", err)
	}
	return err
}

func (m *Modem) enterPIN(ctx context.Context, pin string) error {
	if err := m.expectOK(ctx, fmt.Sprintf(`AT+CPIN="%s"`, pin)); err != nil {
		return fmt.Errorf("enter SIM PIN: %w", err)
	}
	return nil
}

// RegistrationState is the <stat> field of +CREG.
type RegistrationState int

const (
	RegNotSearching RegistrationState = iota
	RegHome
	RegSearching
	RegDenied
	RegUnknown
	RegRoaming
)

func (s RegistrationState) String() string {
	switch s {
	case RegNotSearching:
		return "auto-registration disabled"
	case RegHome:
		return "registered home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "registration denied"
	case RegRoaming:
		return "registered roaming"
	default:
		return "unknown"
	}
}

var reRegistration = regexp.MustCompile(`\+CREG: *(?:\d+ *, *)?(\d+)`)

// ParseRegistration extracts the registration state from a +CREG reply.
// Both the query form "+CREG: n,stat" and the unsolicited "+CREG: stat" are
// accepted.
func ParseRegistration(raw string) (RegistrationState, error) {
	match := reRegistration.FindStringSubmatch(raw)
	if match == nil {
		return RegUnknown, protocolError("malformed registration reply %q", raw)
	}
	stat, err := strconv.Atoi(match[1])
	if err != nil || stat < 0 || stat > int(RegRoaming) {
		return RegUnknown, protocolError("malformed registration reply %q", raw)
	}
	return RegistrationState(stat), nil
}

func (m *Modem) waitForRegistration(ctx context.Context, cfg PollConfig) error {
	var last RegistrationState
	err := poll(ctx, cfg, func(int) (bool, error) {
		resp, err := m.Exec(ctx, at.CmdRegistration)
		if err != nil {
			if isATError(err) {
				return false, fmt.Errorf("%w: %v", ErrRegistration, err)
			}
			return false, err
		}
		state, err := ParseRegistration(resp.Raw)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrRegistration, err)
		}
		last = state

		switch state {
		case RegHome, RegRoaming:
			m.logger.Info("Network registered", "state", state)
			return true, nil
		case RegSearching:
			m.logger.Debug("Searching for network")
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s", ErrRegistration, state)
		}
	})
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: still %s", ErrRegistration, last)
	}
	return err
}

var reQuoted = regexp.MustCompile(`"([^"]*)"`)

// discoverStorage lists the stores usable for reading and deleting messages
// (the first group of the AT+CPMS=? reply). Failure is not fatal.
func (m *Modem) discoverStorage(ctx context.Context) []message.Location {
	resp, err := m.Exec(ctx, at.CmdStorageQuery)
	if err != nil {
		m.logger.Warn("Storage discovery failed, using default location", "error", err)
		return nil
	}
	data := resp.Data(at.RespStorage)
	if len(data) == 0 {
		return nil
	}
	first, _, _ := strings.Cut(data[0], ")")
	var locs []message.Location
	for _, q := range reQuoted.FindAllStringSubmatch(first, -1) {
		locs = append(locs, message.Location(q[1]))
	}
	return locs
}
