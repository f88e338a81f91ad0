package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
)

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// A single reader goroutine pumps the transport into a circular buffer; every
// command/response exchange runs under the commander lock so that no two
// exchanges interleave on the wire. Unsolicited events are delivered on URC().
type Modem struct {
	// transport provides the physical connection to the modem (serial, TCP, etc.)
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	buf  *CircularBuffer
	sync *synchronizer

	// commander is a one slot semaphore, so that waiting for it can be
	// abandoned when the caller's context ends.
	commander chan struct{}
	// released wakes the idle watcher after an exchange, in case events
	// arrived behind the reply.
	released chan struct{}

	dialect     Dialect
	info        Info
	storage     []message.Location
	indications bool

	closed atomic.Bool
	// cancel stops the reader goroutine.
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// PollConfig bounds a polling loop such as waiting for SIM readiness or
// network registration.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Modem instance with the given configuration.
// It dials the transport, starts the reader and runs the bring-up sequence,
// bounded by the configured init timeout.
//
// Returns an error if the transport connection or modem initialization
// fails; the transport is closed in that case.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	buf := NewCircularBuffer(config.BufferSize, config.BufferTimeout, config.Overflow)
	m := &Modem{
		transport: transport,
		config:    config,
		logger:    config.Logger,
		buf:       buf,
		sync:      newSynchronizer(buf, config.EventQueue, config.TrailerGrace, config.Logger),
		commander: make(chan struct{}, 1),
		released:  make(chan struct{}, 1),
		dialect:   Generic{},
		done:      make(chan struct{}),
	}

	// The reader outlives ctx, which may only bound initialisation.
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	go m.read(readCtx)
	go m.watch(readCtx)

	initCtx := ctx
	if config.InitTimeout > 0 {
		var cancelInit context.CancelFunc
		initCtx, cancelInit = context.WithTimeout(ctx, config.InitTimeout)
		defer cancelInit()
	}

	if err := m.bringUp(initCtx); err != nil {
		m.shutdown()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}
	return m, nil
}

func (m *Modem) read(ctx context.Context) {
	defer close(m.done)

	err := m.sync.pump(ctx, m.transport)
	if m.closed.Load() || errors.Is(err, context.Canceled) {
		err = ErrAlreadyClosed
	}
	m.errMu.Lock()
	m.err = err
	m.errMu.Unlock()
	m.buf.Close(err)
	m.logger.Debug("Modem reader stopped", "error", err)
}

// watch dispatches unsolicited lines that arrive while no exchange holds the
// commander lock. During an exchange the reply reader dispatches them.
func (m *Modem) watch(ctx context.Context) {
	for {
		arrived := m.buf.Arrival()
		if m.buf.Len() > 0 {
			select {
			case m.commander <- struct{}{}:
				m.sync.drain(ctx)
				<-m.commander
			default:
			}
		}
		select {
		case <-arrived:
		case <-m.released:
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Done is closed when the reader stops, either because the transport failed
// or because the modem was closed.
func (m *Modem) Done() <-chan struct{} {
	return m.done
}

// Err returns the reason the reader stopped, or nil while it runs.
func (m *Modem) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// URC returns a read-only channel that receives unsolicited events. The
// channel is bounded; events are dropped and counted when nobody drains it.
func (m *Modem) URC() <-chan Event {
	return m.sync.events
}

// LostEvents returns how many unsolicited events were dropped.
func (m *Modem) LostEvents() uint64 {
	return m.sync.lost.Load()
}

// Indications reports whether new message indications were confirmed during
// bring-up. When false, the caller must poll the message store.
func (m *Modem) Indications() bool {
	return m.indications
}

// Dialect returns the vendor dialect chosen during bring-up.
func (m *Modem) Dialect() Dialect {
	return m.dialect
}

// Storage returns the message stores discovered during bring-up.
func (m *Modem) Storage() []message.Location {
	return m.storage
}

// Close shuts down the modem and releases all resources.
// It stops the reader and closes the transport. After calling Close(), the
// modem cannot be reused.
func (m *Modem) Close() error {
	if m.closed.Swap(true) {
		return ErrAlreadyClosed
	}
	return m.shutdown()
}

func (m *Modem) shutdown() error {
	m.closed.Store(true)
	m.cancel()
	m.buf.Close(ErrAlreadyClosed)
	return m.transport.Close()
}

// acquire takes the commander lock.
func (m *Modem) acquire(ctx context.Context) (func(), error) {
	if m.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	select {
	case m.commander <- struct{}{}:
		return m.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Modem) release() {
	<-m.commander
	select {
	case m.released <- struct{}{}:
	default:
	}
}

// Exec sends cmd and waits for its terminator. A reply carrying an error
// terminator is returned together with an *ATError.
func (m *Modem) Exec(ctx context.Context, cmd string) (Response, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()
	return m.exec(ctx, cmd)
}

// exec runs one exchange; the caller holds the commander lock.
func (m *Modem) exec(ctx context.Context, cmd string) (Response, error) {
	resp, err := m.transact(ctx, strings.TrimSpace(cmd)+at.CR, m.config.ATTimeout, at.EventNone)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp, resp.Err(cmd)
}

// expectOK runs cmd and fails unless the modem answers OK.
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	_, err := m.Exec(ctx, cmd)
	return err
}

func (m *Modem) transact(ctx context.Context, raw string, timeout time.Duration, intercept at.EventKind) (Response, error) {
	m.sync.drain(ctx)
	if err := m.write(raw); err != nil {
		return Response{Code: at.CodeInvalid}, err
	}
	return m.await(ctx, timeout, intercept)
}

func (m *Modem) write(raw string) error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	m.logger.Debug("AT write", "data", strings.TrimSpace(raw))
	if _, err := m.transport.Write([]byte(raw)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// await waits for the next reply block for at most timeout. Expiry of the
// window, as opposed to the caller's context, is reported as ErrTimeout.
func (m *Modem) await(ctx context.Context, timeout time.Duration, intercept at.EventKind) (Response, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := m.sync.response(waitCtx, intercept)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return resp, ErrTimeout
		}
		return resp, err
	}
	m.logger.Debug("AT read", "response", resp.Raw, "code", resp.Code)
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll calls fn until it reports done, fails, or the retry budget is spent.
func poll(ctx context.Context, cfg PollConfig, fn func(attempt int) (bool, error)) error {
	retries := max(cfg.MaxRetries, 1)
	for attempt := 1; attempt <= retries; attempt++ {
		done, err := fn(attempt)
		if err != nil || done {
			return err
		}
		if attempt < retries {
			if err := sleep(ctx, cfg.Interval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrTimeout, retries)
}

func isATError(err error) bool {
	var atErr *ATError
	return errors.As(err, &atErr)
}
