package modem_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

const storedPDU = "07911326040000F0040B911346610089F60000208062917314080CC8F71D14969741F977FD07"

func submits(tt *modem.TestTransport) int {
	n := 0
	for _, w := range tt.Writes() {
		if strings.HasPrefix(w, "AT+CMGS=") {
			n++
		}
	}
	return n
}

func TestSend(t *testing.T) {
	textMode := func(b *modem.ConfigBuilder) { b.WithProtocol(modem.ProtocolText) }

	t.Run("Text mode success", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\n+CMGS: 123\r\n\r\nOK\r\n")
		m := newModem(t, tt, textMode)

		ref, err := m.SendText(context.Background(), "+1234567890", "Hello World")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != 123 {
			t.Errorf("expected reference 123, got %d", ref)
		}

		writes := tt.Writes()
		cmd := indexOf(writes, `AT+CMGS="+1234567890"`)
		body := indexOf(writes, "Hello World\x1a")
		if cmd < 0 || body != cmd+1 {
			t.Errorf("expected command then body, got %q", writes)
		}
	})

	t.Run("PDU mode success", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\n+CMGS: 42\r\n\r\nOK\r\n")
		m := newModem(t, tt)

		ref, err := m.Send(context.Background(), message.NewOutbound("+31641600986", "Hello"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != 42 {
			t.Errorf("expected reference 42, got %d", ref)
		}
		if submits(tt) != 1 {
			t.Errorf("expected one submit, got %q", tt.Writes())
		}
	})

	t.Run("Missing reference is tolerated", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\nOK\r\n")
		m := newModem(t, tt)

		ref, err := m.Send(context.Background(), message.NewOutbound("+31641600986", "Hello"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != -1 {
			t.Errorf("expected unknown reference, got %d", ref)
		}
	})

	t.Run("Long message is sent in segments", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\n+CMGS: 10\r\n\r\nOK\r\n", "\r\n+CMGS: 11\r\n\r\nOK\r\n")
		m := newModem(t, tt)

		ref, err := m.Send(context.Background(), message.NewOutbound("+31641600986", strings.Repeat("a", 200)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != 11 {
			t.Errorf("expected reference of last segment, got %d", ref)
		}
		if submits(tt) != 2 {
			t.Errorf("expected two submits, got %d", submits(tt))
		}
	})

	t.Run("Transient error retries the whole submit", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\n+CMS ERROR: 500\r\n", "\r\n+CMGS: 7\r\n\r\nOK\r\n")
		m := newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithRetries(modem.Retries{Send: 3}) })

		ref, err := m.Send(context.Background(), message.NewOutbound("+31641600986", "Hello"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref != 7 {
			t.Errorf("expected reference 7, got %d", ref)
		}
		if submits(tt) != 2 {
			t.Errorf("expected two submits, got %d", submits(tt))
		}
	})

	t.Run("Error on network rejection", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CtrlZ, "\r\n+CMS ERROR: 500\r\n")
		m := newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithRetries(modem.Retries{Send: 2}) })

		_, err := m.Send(context.Background(), message.NewOutbound("+31641600986", "Hello"))
		var atErr *modem.ATError
		if !errors.As(err, &atErr) {
			t.Fatalf("expected *ATError, got: %v", err)
		}
		if code, ok := atErr.CMS(); !ok || code != 500 {
			t.Errorf("expected CMS 500, got %d", atErr.Code)
		}
		if submits(tt) != 2 {
			t.Errorf("expected two submits, got %d", submits(tt))
		}
	})

	t.Run("Error on no prompt", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CMGS="+1"`, "ERROR\r\n")
		m := newModem(t, tt, textMode)

		_, err := m.SendText(context.Background(), "+1", "Hello World")
		if !errors.As(err, new(*modem.ATError)) {
			t.Errorf("expected *ATError, got: %v", err)
		}
	})

	t.Run("Timeout waiting for the prompt", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CMGS="+1"`, "")
		m := newModem(t, tt, textMode, func(b *modem.ConfigBuilder) {
			b.WithDelays(modem.Delays{
				AfterReset:  time.Millisecond,
				SIMPoll:     time.Millisecond,
				NetworkPoll: time.Millisecond,
				Step:        20 * time.Millisecond,
				Retry:       time.Millisecond,
			}).WithRetries(modem.Retries{Prompt: 2})
		})

		_, err := m.SendText(context.Background(), "+1", "Hello World")
		if !errors.Is(err, modem.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got: %v", err)
		}
		if tt.Count(at.Esc) != 1 {
			t.Errorf("expected the prompt to be aborted, writes: %q", tt.Writes())
		}
	})

	t.Run("Text mode refuses binary payloads", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := newModem(t, tt, textMode)

		_, err := m.Send(context.Background(), message.NewBinaryOutbound("+1", []byte{1, 2}))
		if !errors.Is(err, modem.ErrProtocol) {
			t.Errorf("expected ErrProtocol, got: %v", err)
		}
	})
}

func TestReadMessages(t *testing.T) {
	t.Run("PDU listing", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On("AT+CMGL=4",
			"\r\n+CMGL: 1,1,,39\r\n"+storedPDU+"\r\n+CMGL: 2,1,,5\r\nZZZZ\r\n\r\nOK\r\n",
			"\r\nOK\r\n")
		m := newModem(t, tt)

		msgs, err := m.ReadMessages(context.Background(), modem.ClassAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}

		in, ok := msgs[0].(*message.Inbound)
		if !ok {
			t.Fatalf("expected *message.Inbound, got %T", msgs[0])
		}
		if in.Originator != "+31641600986" || in.Text != "How are you?" {
			t.Errorf("unexpected message %q from %q", in.Text, in.Originator)
		}
		if in.MemLocation != "SM" || !slices.Equal(in.MemIndex, []int{1}) {
			t.Errorf("unexpected memory slot %s/%v", in.MemLocation, in.MemIndex)
		}

		if _, ok := msgs[1].(*message.Unknown); !ok {
			t.Errorf("expected undecodable PDU as *message.Unknown, got %T", msgs[1])
		}
		if indexOf(tt.Writes(), `AT+CPMS="ME"`) < 0 {
			t.Errorf("expected every storage to be listed, writes: %q", tt.Writes())
		}
	})

	t.Run("Text listing", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CMGL="ALL"`,
			"\r\n+CMGL: 1,\"REC UNREAD\",\"+31641600986\",,\"07/02/18,00:05:10+32\"\r\nHello there\r\n"+
				"+CMGL: 2,\"REC READ\",6,33,\"+31641600986\",145,\"07/02/18,00:05:10+32\",\"07/02/18,00:05:12+32\",0\r\n\r\nOK\r\n",
			"\r\nOK\r\n")
		m := newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithProtocol(modem.ProtocolText) })

		msgs, err := m.ReadMessages(context.Background(), modem.ClassAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}

		in := msgs[0].(*message.Inbound)
		if in.Text != "Hello there" || in.Originator != "+31641600986" {
			t.Errorf("unexpected message %q from %q", in.Text, in.Originator)
		}
		wantTime := time.Date(2007, 2, 17, 16, 5, 10, 0, time.UTC)
		if !in.ServiceAt.Equal(wantTime) {
			t.Errorf("expected %v, got %v", wantTime, in.ServiceAt)
		}

		sr, ok := msgs[1].(*message.StatusReport)
		if !ok {
			t.Fatalf("expected *message.StatusReport, got %T", msgs[1])
		}
		if sr.RefNo != 33 || sr.Status != message.DeliveryDelivered {
			t.Errorf("unexpected status report ref=%d status=%v", sr.RefNo, sr.Status)
		}
	})

	t.Run("Text listing with numeric originators", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(`AT+CMGL="ALL"`,
			"\r\n+CMGL: 3,\"REC READ\",\"+31641600986\",,\"07/02/18,00:05:10+32\"\r\nPlus\r\n"+
				"+CMGL: 4,\"REC READ\",\"12345\",,\"07/02/18,00:05:10+32\",129,5\r\nShort\r\n\r\nOK\r\n",
			"\r\nOK\r\n")
		m := newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithProtocol(modem.ProtocolText) })

		msgs, err := m.ReadMessages(context.Background(), modem.ClassAll)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		for i, want := range []string{"+31641600986", "12345"} {
			in, ok := msgs[i].(*message.Inbound)
			if !ok {
				t.Fatalf("expected *message.Inbound at %d, got %T", i, msgs[i])
			}
			if in.Originator != want {
				t.Errorf("expected originator %q, got %q", want, in.Originator)
			}
		}
	})

	t.Run("Read single message", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On("AT+CMGR=5", "\r\n+CMGR: 1,,39\r\n"+storedPDU+"\r\n\r\nOK\r\n")
		m := newModem(t, tt)

		msg, err := m.ReadMessage(context.Background(), "SM", 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		loc, idx, ok := message.Indices(msg)
		if !ok || loc != "SM" || !slices.Equal(idx, []int{5}) {
			t.Errorf("unexpected slot %s/%v", loc, idx)
		}
	})
}

func TestDeleteMessage(t *testing.T) {
	tt := modem.NewTestTransport()
	m := newModem(t, tt)

	if err := m.DeleteMessage(context.Background(), "ME", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	writes := tt.Writes()
	sel := indexOf(writes, `AT+CPMS="ME"`)
	del := indexOf(writes, "AT+CMGD=3")
	if sel < 0 || del != sel+1 {
		t.Errorf("expected storage selection then delete, got %q", writes)
	}

	tt.On("AT+CMGD=9", "+CMS ERROR: 321\r\n")
	if err := m.DeleteMessage(context.Background(), modem.LocationDefault, 9); !errors.As(err, new(*modem.ATError)) {
		t.Errorf("expected *ATError, got: %v", err)
	}
}
