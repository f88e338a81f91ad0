package modem

import (
	"context"
	"strconv"
	"strings"

	"i4.energy/across/gsmgw/at"
)

// Info identifies the device behind a modem.
type Info struct {
	Manufacturer string
	Model        string
	// Serial is the IMEI.
	Serial   string
	IMSI     string
	Revision string
}

// Info returns the identity read during bring-up.
func (m *Modem) Info() Info {
	return m.info
}

// queryInfo reads the device identity. Every field is best effort.
func (m *Modem) queryInfo(ctx context.Context) Info {
	field := func(cmd string) string {
		resp, err := m.Exec(ctx, cmd)
		if err != nil {
			m.logger.Debug("Device information unavailable", "command", cmd, "error", err)
			return ""
		}
		return firstData(resp, cmd)
	}
	return Info{
		Manufacturer: field(at.CmdManufacturer),
		Model:        field(at.CmdModel),
		Serial:       field(at.CmdSerialNo),
		IMSI:         field(at.CmdIMSI),
		Revision:     field(at.CmdRevision),
	}
}

// firstData returns the first information line of resp, skipping an echo of
// cmd and removing a "+XXXX:" prefix.
func firstData(resp Response, cmd string) string {
	for _, line := range resp.Lines {
		if line == cmd {
			continue
		}
		if _, ok := at.MatchTerminator(line); ok {
			continue
		}
		if strings.HasPrefix(line, "+") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				line = v
			}
		}
		return strings.Trim(strings.TrimSpace(line), `"`)
	}
	return ""
}

// Ping checks that the modem answers.
func (m *Modem) Ping(ctx context.Context) error {
	return m.expectOK(ctx, at.CmdAt)
}

// SignalLevel returns the received signal strength as a percentage, or -1
// when the modem does not know it.
func (m *Modem) SignalLevel(ctx context.Context) (int, error) {
	resp, err := m.Exec(ctx, at.CmdSignal)
	if err != nil {
		return -1, err
	}
	data := resp.Data(at.UrcSignalStrength)
	if len(data) == 0 {
		return -1, protocolError("no signal quality in %q", resp.Raw)
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(fieldAt(splitFields(data[0]), 0)))
	if err != nil {
		return -1, protocolError("malformed signal quality %q", data[0])
	}
	if rssi == 99 || rssi < 0 {
		return -1, nil
	}
	return min(rssi, 31) * 100 / 31, nil
}

// BatteryLevel returns the battery charge percentage.
func (m *Modem) BatteryLevel(ctx context.Context) (int, error) {
	resp, err := m.Exec(ctx, at.CmdBattery)
	if err != nil {
		return -1, err
	}
	data := resp.Data(at.RespBattery)
	if len(data) == 0 {
		return -1, protocolError("no battery level in %q", resp.Raw)
	}
	level, err := strconv.Atoi(strings.TrimSpace(fieldAt(splitFields(data[0]), 1)))
	if err != nil {
		return -1, protocolError("malformed battery level %q", data[0])
	}
	return level, nil
}
