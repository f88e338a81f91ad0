package gateway

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

// fakeDriver is an in-memory device. Stored messages are returned by every
// ReadMessages until deleted.
type fakeDriver struct {
	mu      sync.Mutex
	stored  []message.Message
	deleted []int
	sent    []*message.Outbound
	sendErr []error

	// gate, when set, holds ReadMessages until it is closed; entered is
	// signalled on every read.
	gate    chan struct{}
	entered chan struct{}

	reads       atomic.Int32
	hangups     atomic.Int32
	pingErr     atomic.Value
	indications bool
	urc         chan modem.Event
	done        chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
}

func newFakeDriver(stored ...message.Message) *fakeDriver {
	return &fakeDriver{
		stored:      stored,
		indications: true,
		entered:     make(chan struct{}, 16),
		urc:         make(chan modem.Event, 16),
		done:        make(chan struct{}),
	}
}

func (d *fakeDriver) Ping(context.Context) error {
	if err, ok := d.pingErr.Load().(error); ok {
		return err
	}
	return nil
}

func (d *fakeDriver) Send(_ context.Context, m *message.Outbound) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sendErr) > 0 {
		err := d.sendErr[0]
		d.sendErr = d.sendErr[1:]
		if err != nil {
			return -1, err
		}
	}
	d.sent = append(d.sent, m)
	return len(d.sent), nil
}

func (d *fakeDriver) ReadMessages(ctx context.Context, _ modem.Class) ([]message.Message, error) {
	d.reads.Add(1)
	select {
	case d.entered <- struct{}{}:
	default:
	}
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.stored), nil
}

func (d *fakeDriver) store(m ...message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stored = append(d.stored, m...)
}

func (d *fakeDriver) DeleteMessage(_ context.Context, _ message.Location, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, index)
	d.stored = slices.DeleteFunc(d.stored, func(m message.Message) bool {
		_, indices, _ := message.Indices(m)
		return slices.Equal(indices, []int{index})
	})
	return nil
}

func (d *fakeDriver) deletedIndices() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := slices.Clone(d.deleted)
	slices.Sort(out)
	return out
}

func (d *fakeDriver) sentMessages() []*message.Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sent)
}

func (d *fakeDriver) SendUSSD(_ context.Context, request string, _ bool) (modem.USSDResponse, error) {
	return modem.USSDResponse{Status: modem.USSDDone, Content: "reply to " + request}, nil
}

func (d *fakeDriver) DecodeUSSD(raw string) (modem.USSDResponse, error) {
	return modem.ParseUSSD(raw)
}

func (d *fakeDriver) HangUp(context.Context) error {
	d.hangups.Add(1)
	return nil
}

func (d *fakeDriver) SignalLevel(context.Context) (int, error) { return 80, nil }

func (d *fakeDriver) Info() modem.Info {
	return modem.Info{Manufacturer: "TestCo", Model: "TM-1"}
}

func (d *fakeDriver) Indications() bool       { return d.indications }
func (d *fakeDriver) URC() <-chan modem.Event { return d.urc }
func (d *fakeDriver) Done() <-chan struct{}   { return d.done }
func (d *fakeDriver) Err() error              { return errors.New("transport lost") }

func (d *fakeDriver) Close() error {
	d.closed.Store(true)
	return nil
}

// fail simulates the reader stopping.
func (d *fakeDriver) fail() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *fakeDriver) event(ev modem.Event) {
	d.urc <- ev
}

func (d *fakeDriver) connector() ConnectorFunc {
	return func(context.Context) (Driver, error) { return d, nil }
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startGateway starts a gateway over d and stops it at cleanup.
func startGateway(t *testing.T, d *fakeDriver, configure func(*Config)) *Gateway {
	t.Helper()
	config := Config{ID: "gw1", Connector: d.connector(), Inbound: true, DeleteInbound: true}
	if configure != nil {
		configure(&config)
	}
	g, err := New(config)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = g.Stop() })
	return g
}

func single(idx int, text string) *message.Inbound {
	m := message.NewInbound()
	m.Originator = "+31641600986"
	m.Text = text
	m.Payload = []byte(text)
	m.MemLocation = "SM"
	m.MemIndex = []int{idx}
	return m
}

func part(ref, max, seq, idx int, septets []byte) *message.Inbound {
	m := single(idx, "")
	m.MPRef, m.MPMax, m.MPSeq = ref, max, seq
	m.Payload = septets
	m.EndsWithMultiChar = len(septets) > 0 && septets[len(septets)-1] == 0x1b
	return m
}
