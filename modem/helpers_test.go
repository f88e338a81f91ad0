package modem_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"i4.energy/across/gsmgw/modem"
)

var fastDelays = modem.Delays{
	AfterReset:  time.Millisecond,
	SIMPoll:     time.Millisecond,
	NetworkPoll: time.Millisecond,
	Step:        200 * time.Millisecond,
	Retry:       time.Millisecond,
}

// newConfig returns a builder dialing tt through a gomock dialer.
func newConfig(t *testing.T, tt *modem.TestTransport) *modem.ConfigBuilder {
	t.Helper()
	ctrl := gomock.NewController(t)
	dialer := modem.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(tt, nil)

	return modem.NewConfigBuilder().
		WithDialer(dialer).
		WithATTimeout(time.Second).
		WithDelays(fastDelays)
}

// newModem brings up a modem over tt and closes it when the test ends.
func newModem(t *testing.T, tt *modem.TestTransport, configure ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()
	b := newConfig(t, tt)
	for _, fn := range configure {
		fn(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func indexOf(writes []string, cmd string) int {
	for i, w := range writes {
		if w == cmd {
			return i
		}
	}
	return -1
}
