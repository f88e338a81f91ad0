package modem

import (
	"net"
	"sync"
)

// Telnet command bytes (RFC 854).
const (
	telnetIAC  = 255
	telnetDont = 254
	telnetDo   = 253
	telnetWont = 252
	telnetWill = 251
	telnetSB   = 250
	telnetSE   = 240
)

type telnetState int

const (
	tsData telnetState = iota
	tsIAC
	tsOption
	tsSub
	tsSubIAC
)

// telnetConn filters option negotiation out of the byte stream and refuses
// every option the server proposes, leaving a plain NVT data channel.
type telnetConn struct {
	net.Conn
	mu    sync.Mutex
	state telnetState
	verb  byte
}

func newTelnetConn(c net.Conn) *telnetConn {
	return &telnetConn{Conn: c}
}

func (t *telnetConn) Read(p []byte) (int, error) {
	for {
		n, err := t.Conn.Read(p)
		if n == 0 {
			return 0, err
		}
		out, replies := t.filter(p[:n])
		if len(replies) > 0 {
			if _, werr := t.Conn.Write(replies); werr != nil && err == nil {
				err = werr
			}
		}
		if len(out) > 0 || err != nil {
			return copy(p, out), err
		}
	}
}

// filter compacts data in place and returns the negotiation replies.
func (t *telnetConn) filter(data []byte) ([]byte, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := data[:0]
	var replies []byte
	for _, c := range data {
		switch t.state {
		case tsData:
			if c == telnetIAC {
				t.state = tsIAC
				continue
			}
			out = append(out, c)
		case tsIAC:
			switch c {
			case telnetIAC:
				out = append(out, c)
				t.state = tsData
			case telnetDo, telnetDont, telnetWill, telnetWont:
				t.verb = c
				t.state = tsOption
			case telnetSB:
				t.state = tsSub
			default:
				t.state = tsData
			}
		case tsOption:
			switch t.verb {
			case telnetDo:
				replies = append(replies, telnetIAC, telnetWont, c)
			case telnetWill:
				replies = append(replies, telnetIAC, telnetDont, c)
			}
			t.state = tsData
		case tsSub:
			if c == telnetIAC {
				t.state = tsSubIAC
			}
		case tsSubIAC:
			if c == telnetSE {
				t.state = tsData
			} else {
				t.state = tsSub
			}
		}
	}
	return out, replies
}

func (t *telnetConn) Write(p []byte) (int, error) {
	escaped := make([]byte, 0, len(p))
	for _, c := range p {
		if c == telnetIAC {
			escaped = append(escaped, telnetIAC)
		}
		escaped = append(escaped, c)
	}
	if _, err := t.Conn.Write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}
