package modem

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestDialerValidation(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		dialer  Dialer
		ctx     context.Context
		wantErr error
		wantMsg string
	}{
		{name: "Serial without port", dialer: SerialDialer{}, ctx: context.Background(), wantMsg: "gsm: serial port name is required"},
		{name: "Serial with nil context", dialer: SerialDialer{PortName: "/dev/ttyUSB0"}, wantMsg: "gsm: context is nil"},
		{name: "Serial with cancelled context", dialer: SerialDialer{PortName: "/dev/nonexistent"}, ctx: cancelled, wantErr: context.Canceled},
		{name: "Serial port missing", dialer: SerialDialer{PortName: "/dev/nonexistent"}, ctx: context.Background()},
		{
			name: "Serial port missing with explicit mode",
			dialer: SerialDialer{
				PortName: "/dev/nonexistent",
				Mode:     &serial.Mode{BaudRate: 9600, Parity: serial.EvenParity, DataBits: 7, StopBits: serial.OneStopBit},
			},
			ctx: context.Background(),
		},
		{name: "TCP without address", dialer: TCPDialer{}, ctx: context.Background(), wantMsg: "gsm: network address is required"},
		{name: "TCP with nil context", dialer: TCPDialer{Address: "127.0.0.1:1"}, wantMsg: "gsm: context is nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := tt.dialer.Dial(tt.ctx)
			if err == nil {
				transport.Close()
				t.Fatal("expected an error")
			}
			if transport != nil {
				t.Error("expected no transport on error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantMsg != "" && err.Error() != tt.wantMsg {
				t.Errorf("expected %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestTCPDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	transport, err := TCPDialer{Address: ln.Addr().String(), Timeout: time.Second}.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer transport.Close()

	server := <-accepted
	defer server.Close()

	if _, err := server.Write([]byte("OK\r\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	buf := make([]byte, 16)
	n, err := transport.Read(buf)
	if err != nil || string(buf[:n]) != "OK\r\n" {
		t.Errorf("unexpected read %q %v", buf[:n], err)
	}
}

func TestTelnetFilter(t *testing.T) {
	tc := newTelnetConn(nil)

	input := []byte{
		'O',
		telnetIAC, telnetDo, 1, // DO ECHO
		'K',
		telnetIAC, telnetWill, 3, // WILL SUPPRESS-GO-AHEAD
		telnetIAC, telnetSB, 24, 1, telnetIAC, telnetSE, // subnegotiation
		telnetIAC, telnetIAC, // escaped 0xFF
		'\r', '\n',
	}
	out, replies := tc.filter(input)

	if want := []byte{'O', 'K', 0xFF, '\r', '\n'}; !bytes.Equal(out, want) {
		t.Errorf("expected data %v, got %v", want, out)
	}
	wantReplies := []byte{telnetIAC, telnetWont, 1, telnetIAC, telnetDont, 3}
	if !bytes.Equal(replies, wantReplies) {
		t.Errorf("expected replies %v, got %v", wantReplies, replies)
	}
}

func TestTelnetFilterSplitSequence(t *testing.T) {
	tc := newTelnetConn(nil)

	out1, _ := tc.filter([]byte{'A', telnetIAC})
	out2, replies := tc.filter([]byte{telnetDo, 1, 'B'})

	if string(out1) != "A" || string(out2) != "B" {
		t.Errorf("unexpected data %q %q", out1, out2)
	}
	if !bytes.Equal(replies, []byte{telnetIAC, telnetWont, 1}) {
		t.Errorf("unexpected replies %v", replies)
	}
}
