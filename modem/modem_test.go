package modem_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

func TestModemNew(t *testing.T) {
	t.Run("Initialization Success", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := newModem(t, tt)

		want := []string{
			at.CmdReset,
			at.CmdEchoOff,
			at.CmdSimStatus,
			at.CmdManufacturer,
			at.CmdRegistration,
			at.CmdVerboseErrors,
			at.CmdStorageQuery,
			"AT+CNMI=2,1,0,2,0",
			at.CmdSetPDUMode,
			at.CmdCallerID,
		}
		writes := tt.Writes()
		last := -1
		for _, cmd := range want {
			i := indexOf(writes[last+1:], cmd)
			if i < 0 {
				t.Fatalf("command %q missing or out of order in %q", cmd, writes)
			}
			last += i + 1
		}

		if !m.Indications() {
			t.Error("expected indications to be enabled")
		}
		if got := m.Storage(); !slices.Equal(got, []message.Location{"SM", "ME"}) {
			t.Errorf("unexpected storage: %v", got)
		}
		if got := m.Info().Manufacturer; got != "TestCo" {
			t.Errorf("expected manufacturer TestCo, got %q", got)
		}
		if got := m.Dialect().Name(); got != "generic" {
			t.Errorf("expected generic dialect, got %q", got)
		}
	})

	t.Run("ErrSIMPinRequired when SIM PIN is required but not provided", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdSimStatus, "+CPIN: SIM PIN\r\nOK\r\n")

		config, err := newConfig(t, tt).Build()
		if err != nil {
			t.Fatalf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrSIMPinRequired) {
			t.Errorf("expected ErrSIMPinRequired, got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when error occurs")
		}
		if !tt.Closed() {
			t.Error("transport should be closed after a failed bring-up")
		}
	})

	t.Run("Enters PIN and waits for the SIM", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdSimStatus, "+CPIN: SIM PIN\r\n", "+CME ERROR: 14\r\n", "+CPIN: READY\r\nOK\r\n")

		newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithSimPIN("1234") })

		if n := tt.Count(`AT+CPIN="1234"`); n != 1 {
			t.Errorf("expected PIN to be entered once, got %d", n)
		}
		if n := tt.Count(at.CmdSimStatus); n != 3 {
			t.Errorf("expected 3 SIM status polls, got %d", n)
		}
	})

	t.Run("SIM state errors", func(t *testing.T) {
		tests := []struct {
			name  string
			reply string
			want  error
		}{
			{"PIN2 without PIN2", "+CPIN: SIM PIN2\r\nOK\r\n", modem.ErrSIMPin2Required},
			{"PUK", "+CPIN: SIM PUK\r\nOK\r\n", modem.ErrSIMBlocked},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				tt := modem.NewTestTransport()
				tt.On(at.CmdSimStatus, tc.reply)
				config, _ := newConfig(t, tt).Build()

				_, err := modem.New(context.Background(), config)
				if !errors.Is(err, tc.want) {
					t.Errorf("expected %v, got: %v", tc.want, err)
				}
			})
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		m, err := modem.New(context.Background(), modem.Config{})
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer from New(), got: %v", err)
		}
		if m != nil {
			t.Error("New() should return nil modem when no dialer provided")
		}
	})

	t.Run("ErrNotInitialized on nil transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		config, err := modem.NewConfigBuilder().
			WithDialer(mockDialer).
			Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		_, err = modem.New(context.Background(), config)
		if !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized from New(), got: %v", err)
		}
	})

	t.Run("Falls back to polling without indications", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdIndicationsQry, "ERROR\r\n")

		m := newModem(t, tt)
		if m.Indications() {
			t.Error("expected indications to be disabled")
		}
	})

	t.Run("Falls back to the default storage", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdStorageQuery, "+CMS ERROR: 302\r\n")

		m := newModem(t, tt)
		if got := m.Storage(); !slices.Equal(got, []message.Location{modem.LocationDefault}) {
			t.Errorf("unexpected storage: %v", got)
		}
	})

	t.Run("Text mode selected", func(t *testing.T) {
		tt := modem.NewTestTransport()
		newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithProtocol(modem.ProtocolText) })

		if tt.Count(at.CmdSetTextMode) != 1 || tt.Count(at.CmdSetPDUMode) != 0 {
			t.Errorf("expected text mode selection, writes: %q", tt.Writes())
		}
	})
}

func TestRegistration(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		wantErr bool
	}{
		{"home", []string{"+CREG: 0,1\r\nOK\r\n"}, false},
		{"roaming", []string{"+CREG: 0,5\r\nOK\r\n"}, false},
		{"searching then home", []string{"+CREG: 0,2\r\nOK\r\n", "+CREG: 0,2\r\nOK\r\n", "+CREG: 0,1\r\nOK\r\n"}, false},
		{"searching forever", []string{"+CREG: 0,2\r\nOK\r\n"}, true},
		{"denied", []string{"+CREG: 0,3\r\nOK\r\n"}, true},
		{"auto-registration disabled", []string{"+CREG: 0,0\r\nOK\r\n"}, true},
		{"unknown", []string{"+CREG: 0,4\r\nOK\r\n"}, true},
		{"malformed", []string{"+CREG: what\r\nOK\r\n"}, true},
		{"error", []string{"ERROR\r\n"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tt := modem.NewTestTransport()
			tt.On(at.CmdRegistration, tc.replies...)

			config, err := newConfig(t, tt).
				WithRetries(modem.Retries{Network: 4}).
				Build()
			if err != nil {
				t.Fatalf("unexpected error from Build(): %v", err)
			}

			m, err := modem.New(context.Background(), config)
			if tc.wantErr {
				if !errors.Is(err, modem.ErrRegistration) {
					t.Errorf("expected ErrRegistration, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			m.Close()
		})
	}
}

func TestParseRegistration(t *testing.T) {
	tests := []struct {
		raw     string
		want    modem.RegistrationState
		wantErr bool
	}{
		{"+CREG: 0,1", modem.RegHome, false},
		{"+CREG: 2,5,\"1A2B\",\"00C3\"", modem.RegRoaming, false},
		{"+CREG: 3", modem.RegDenied, false},
		{"+CREG: 0,9", modem.RegUnknown, true},
		{"garbage", modem.RegUnknown, true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := modem.ParseRegistration(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestModemClose(t *testing.T) {
	t.Run("Closes underlying transport successfully", func(t *testing.T) {
		tt := modem.NewTestTransport()
		config, _ := newConfig(t, tt).Build()

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
		if !tt.Closed() {
			t.Error("transport should be closed")
		}
		select {
		case <-m.Done():
		case <-time.After(time.Second):
			t.Error("reader did not stop")
		}
	})

	t.Run("Returns transport error on close failure", func(t *testing.T) {
		tt := modem.NewTestTransport()
		closeError := errors.New("transport close failed")
		tt.CloseErr = closeError
		config, _ := newConfig(t, tt).Build()

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Close(); err != closeError {
			t.Errorf("expected transport error, got: %v", err)
		}
	})

	t.Run("ErrAlreadyClosed on double close", func(t *testing.T) {
		tt := modem.NewTestTransport()
		config, _ := newConfig(t, tt).Build()

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Fatalf("unexpected error from New(): %v", err)
		}
		if err := m.Close(); err != nil {
			t.Errorf("first close should succeed, got error: %v", err)
		}
		if err := m.Close(); err != modem.ErrAlreadyClosed {
			t.Errorf("expected ErrAlreadyClosed on second close, got: %v", err)
		}
		if _, err := m.Exec(context.Background(), at.CmdAt); !errors.Is(err, modem.ErrAlreadyClosed) {
			t.Errorf("expected ErrAlreadyClosed from Exec after Close, got: %v", err)
		}
	})
}

func TestModemReader(t *testing.T) {
	t.Run("Stops on EOF", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := newModem(t, tt)

		tt.Close()
		select {
		case <-m.Done():
		case <-time.After(time.Second):
			t.Fatal("reader did not stop on EOF")
		}
		if !errors.Is(m.Err(), io.EOF) {
			t.Errorf("expected EOF, got: %v", m.Err())
		}
	})

	t.Run("Dispatch URCs to the designated channel", func(t *testing.T) {
		tt := modem.NewTestTransport()
		m := newModem(t, tt)

		tt.SendData("\r\n+CMTI: \"SM\",1\r\n")

		select {
		case ev := <-m.URC():
			if ev.Kind != at.EventInboundMessage {
				t.Errorf("expected inbound message event, got %v", ev.Kind)
			}
			if ev.Raw != `+CMTI: "SM",1` {
				t.Errorf("unexpected raw event %q", ev.Raw)
			}
		case <-time.After(time.Second):
			t.Error("expected URC to be received within timeout")
		}
	})

	t.Run("URC trailing a reply is dispatched without another command", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdSignal, "\r\n+CSQ: 20,99\r\n\r\nOK\r\n\r\n+CDSI: \"SM\",3\r\n")
		m := newModem(t, tt)

		if _, err := m.SignalLevel(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		select {
		case ev := <-m.URC():
			if ev.Kind != at.EventStatusReport || ev.Raw != `+CDSI: "SM",3` {
				t.Errorf("unexpected event %v %q", ev.Kind, ev.Raw)
			}
		case <-time.After(time.Second):
			t.Error("URC was not dispatched")
		}
	})

	t.Run("URC inside a reply is dispatched and not returned", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdSignal, "\r\n+CMTI: \"SM\",4\r\n+CSQ: 20,99\r\n\r\nOK\r\n")
		m := newModem(t, tt)

		level, err := m.SignalLevel(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if level != 64 {
			t.Errorf("expected signal level 64, got %d", level)
		}

		select {
		case ev := <-m.URC():
			if ev.Kind != at.EventInboundMessage {
				t.Errorf("expected inbound message event, got %v", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Error("URC was not dispatched")
		}
	})
}

func TestModemExec(t *testing.T) {
	t.Run("Numeric errors", func(t *testing.T) {
		tests := []struct {
			reply string
			code  int
		}{
			{"+CME ERROR: 10\r\n", 5010},
			{"+CMS ERROR: 301\r\n", 6301},
			{"ERROR\r\n", 9000},
		}
		tt := modem.NewTestTransport()
		m := newModem(t, tt)

		for _, tc := range tests {
			tt.On("AT+TEST", tc.reply)
			_, err := m.Exec(context.Background(), "AT+TEST")

			var atErr *modem.ATError
			if !errors.As(err, &atErr) {
				t.Fatalf("expected *ATError, got: %v", err)
			}
			if atErr.Code != tc.code {
				t.Errorf("expected code %d, got %d", tc.code, atErr.Code)
			}
		}
	})

	t.Run("Timeout leaves the modem usable", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On("AT+SLOW", "")
		m := newModem(t, tt, func(b *modem.ConfigBuilder) { b.WithATTimeout(50 * time.Millisecond) })

		_, err := m.Exec(context.Background(), "AT+SLOW")
		if !errors.Is(err, modem.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got: %v", err)
		}
		if err := m.Ping(context.Background()); err != nil {
			t.Errorf("expected ping to succeed after timeout, got: %v", err)
		}
	})

	t.Run("Cancellation while waiting", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On("AT+SLOW", "")
		m := newModem(t, tt)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := m.Exec(ctx, "AT+SLOW")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected the caller's deadline, got: %v", err)
		}
	})

	t.Run("Device information", func(t *testing.T) {
		tt := modem.NewTestTransport()
		tt.On(at.CmdBattery, "+CBC: 0,85\r\nOK\r\n")
		m := newModem(t, tt)

		level, err := m.BatteryLevel(context.Background())
		if err != nil || level != 85 {
			t.Errorf("expected battery 85, got %d (%v)", level, err)
		}
	})
}
