package modem

import (
	"context"
	"io"
	"strings"
	"sync"

	"i4.energy/across/gsmgw/at"
)

// TestTransport is a scripted in-memory modem used by tests. Every command
// written to it is answered from its script: On registers the replies for a
// command, consumed one per call with the last one repeating. Unscripted
// commands are answered with OK. Reads block until a reply or injected data
// is available, like a real serial port would.
//
// The SMS payload written after a prompt (terminated by Ctrl-Z) is answered
// from the replies registered for at.CtrlZ.
type TestTransport struct {
	mu      sync.Mutex
	inbox   []byte
	ready   chan struct{}
	closed  bool
	script  map[string][]string
	pending strings.Builder
	writes  []string

	// CloseErr is returned by Close.
	CloseErr error
}

// NewTestTransport returns a transport that completes the default bring-up
// sequence: SIM ready, registered home, SM/ME storage and full indication
// support.
func NewTestTransport() *TestTransport {
	t := &TestTransport{
		ready:  make(chan struct{}),
		script: make(map[string][]string),
	}
	t.On(at.CmdSimStatus, "+CPIN: READY\r\nOK\r\n")
	t.On(at.CmdRegistration, "+CREG: 0,1\r\nOK\r\n")
	t.On(at.CmdManufacturer, "TestCo\r\nOK\r\n")
	t.On(at.CmdModel, "TM-1\r\nOK\r\n")
	t.On(at.CmdStorageQuery, "+CPMS: (\"SM\",\"ME\"),(\"SM\",\"ME\"),(\"SM\")\r\nOK\r\n")
	t.On(at.CmdIndicationsQry, "+CNMI: (0-2),(0-3),(0,2),(0-2),(0,1)\r\nOK\r\n")
	t.On(at.CtrlZ, "\r\n+CMGS: 1\r\n\r\nOK\r\n")
	return t
}

// On scripts the replies for cmd. An empty reply means the modem stays
// silent.
func (t *TestTransport) On(cmd string, replies ...string) *TestTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script[cmd] = replies
	return t
}

func (t *TestTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}

	for _, c := range string(p) {
		switch c {
		case '\r':
			t.answer(strings.TrimSpace(t.pending.String()))
			t.pending.Reset()
		case 0x1a:
			t.writes = append(t.writes, t.pending.String()+at.CtrlZ)
			t.pending.Reset()
			t.reply(at.CtrlZ)
		case 0x1b:
			t.writes = append(t.writes, at.Esc)
			t.pending.Reset()
		default:
			t.pending.WriteRune(c)
		}
	}
	return len(p), nil
}

func (t *TestTransport) answer(cmd string) {
	if cmd == "" {
		return
	}
	t.writes = append(t.writes, cmd)
	if strings.HasPrefix(cmd, "AT+CMGS=") {
		if _, ok := t.script[cmd]; !ok {
			t.push("\r\n> ")
			return
		}
	}
	t.reply(cmd)
}

func (t *TestTransport) reply(key string) {
	replies, ok := t.script[key]
	if !ok {
		t.push("\r\nOK\r\n")
		return
	}
	if len(replies) == 0 {
		return
	}
	r := replies[0]
	if len(replies) > 1 {
		t.script[key] = replies[1:]
	}
	t.push(r)
}

func (t *TestTransport) push(s string) {
	if s == "" {
		return
	}
	t.inbox = append(t.inbox, s...)
	close(t.ready)
	t.ready = make(chan struct{})
}

// SendData queues data to be read by the transport.
// This simulates unsolicited output from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.push(data)
	}
}

func (t *TestTransport) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.inbox) > 0 {
			n := copy(p, t.inbox)
			t.inbox = t.inbox[n:]
			t.mu.Unlock()
			return n, nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, io.EOF
		}
		wait := t.ready
		t.mu.Unlock()
		<-wait
	}
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.ready)
	return t.CloseErr
}

// Closed reports whether Close was called.
func (t *TestTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Writes returns the commands and payloads written so far.
func (t *TestTransport) Writes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// Count returns how many times cmd was written.
func (t *TestTransport) Count(cmd string) int {
	n := 0
	for _, w := range t.Writes() {
		if w == cmd {
			n++
		}
	}
	return n
}

// TestDialer hands out a fixed TestTransport.
type TestDialer struct {
	Transport *TestTransport
}

func (d TestDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Transport, nil
}
