// Package gateway runs one GSM modem: it brings the device up, watches it,
// fetches and reassembles inbound messages, answers calls and USSD replies,
// and drains the gateway's outbound queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

var (
	// ErrNotStarted is returned by device operations while the gateway is
	// not in the Started state.
	ErrNotStarted = errors.New("gateway not started")

	// ErrNoConnector is returned by New when Config.Connector is nil.
	ErrNoConnector = errors.New("gateway: no connector configured")
)

// State is the lifecycle state of a gateway.
type State int32

const (
	Stopped State = iota
	Stopping
	Starting
	Started
	Failure
	Restart
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Stopping:
		return "stopping"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Failure:
		return "failure"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// Queue is the outbound queue a gateway drains. *queue.Manager implements
// it.
type Queue interface {
	Dequeue(ctx context.Context, gateway string) (*message.Outbound, error)
	Complete(m *message.Outbound)
	Fail(m *message.Outbound, cause message.FailureCause) bool
	Reject(m *message.Outbound, cause message.FailureCause)
	Requeue(m *message.Outbound)
}

// Callbacks receive gateway notifications. Nil callbacks are skipped; a nil
// Orphan keeps every orphaned message.
type Callbacks struct {
	Status  func(gateway string, old, new State)
	Inbound func(gateway string, m message.Message)
	Call    func(gateway string, caller string)
	USSD    func(gateway string, resp modem.USSDResponse)
	Orphan  func(gateway string, m *message.Inbound) OrphanDecision
}

// Config holds the settings of one gateway.
type Config struct {
	ID        string
	Connector Connector
	// Queue is drained when Outbound is set.
	Queue    Queue
	Inbound  bool
	Outbound bool
	// DeleteInbound removes delivered messages from the device. When unset
	// delivered slots are remembered so that they are reported once.
	DeleteInbound bool
	// KeepAlive is the interval between liveness checks; zero disables it.
	KeepAlive time.Duration
	// PollInterval paces inbound fetches when the device does not push
	// new-message indications.
	PollInterval time.Duration
	// OrphanAge is how long parts of an incomplete message are kept before
	// the orphan callback is asked about them.
	OrphanAge time.Duration
	// SendInterval is the minimum spacing between two submits; zero sends
	// as fast as the device allows.
	SendInterval time.Duration
	Callbacks    Callbacks
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = 72 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are the counters of a gateway since it was created.
type Stats struct {
	Inbound  uint64 `json:"inbound"`
	Outbound uint64 `json:"outbound"`
	Failed   uint64 `json:"failed"`
	Restarts uint64 `json:"restarts"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter

	// lifecycle serialises Start, Stop and Restart; transition serialises
	// state changes so that the status callback sees them in order.
	lifecycle  sync.Mutex
	transition sync.Mutex
	state      atomic.Int32

	driverMu sync.RWMutex
	driver   Driver
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// fetchMu keeps inbound fetch cycles from overlapping. fetchPending
	// collapses concurrent fetch requests into one.
	fetchMu      sync.Mutex
	pendingMu    sync.Mutex
	fetchPending bool
	fetchSignal  chan struct{}

	parts *reassembler
	seen  map[string]struct{}

	inbound, outbound, failed, restarts atomic.Uint64
}

// New returns a stopped gateway.
func New(config Config) (*Gateway, error) {
	if config.Connector == nil {
		return nil, ErrNoConnector
	}
	if config.Outbound && config.Queue == nil {
		return nil, fmt.Errorf("gateway %s: outbound requires a queue", config.ID)
	}
	config.setDefaults()

	limit := rate.Inf
	if config.SendInterval > 0 {
		limit = rate.Every(config.SendInterval)
	}
	return &Gateway{
		config:      config,
		logger:      config.Logger.With("component", "gateway", "gateway", config.ID),
		limiter:     rate.NewLimiter(limit, 1),
		fetchSignal: make(chan struct{}, 1),
		parts:       newReassembler(),
		seen:        make(map[string]struct{}),
	}, nil
}

func (g *Gateway) ID() string { return g.config.ID }

func (g *Gateway) State() State { return State(g.state.Load()) }

// Inbound reports whether the gateway receives messages.
func (g *Gateway) Inbound() bool { return g.config.Inbound }

// Outbound reports whether the gateway sends messages.
func (g *Gateway) Outbound() bool { return g.config.Outbound }

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Inbound:  g.inbound.Load(),
		Outbound: g.outbound.Load(),
		Failed:   g.failed.Load(),
		Restarts: g.restarts.Load(),
	}
}

// setState notifies the status callback and then applies the change.
func (g *Gateway) setState(next State) {
	g.transition.Lock()
	defer g.transition.Unlock()
	g.applyState(next)
}

func (g *Gateway) applyState(next State) {
	old := g.State()
	if old == next {
		return
	}
	g.logger.Info("Gateway state changed", "from", old, "to", next)
	if cb := g.config.Callbacks.Status; cb != nil {
		cb(g.config.ID, old, next)
	}
	g.state.Store(int32(next))
}

// markRestart moves a started gateway to Restart. It is called by the
// background tasks when the device stops answering.
func (g *Gateway) markRestart(reason error) {
	g.transition.Lock()
	defer g.transition.Unlock()
	if g.State() != Started {
		return
	}
	g.logger.Warn("Gateway needs a restart", "error", reason)
	g.applyState(Restart)
}

// Start connects the device and launches the background tasks. The tasks
// run until Stop or until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	return g.start(ctx)
}

func (g *Gateway) start(ctx context.Context) error {
	switch g.State() {
	case Started, Starting:
		return nil
	case Restart:
		if err := g.stop(); err != nil {
			g.logger.Warn("Error while stopping for restart", "error", err)
		}
	}
	g.setState(Starting)

	driver, err := g.config.Connector.Connect(ctx)
	if err != nil {
		g.setState(Failure)
		return fmt.Errorf("gateway %s: %w", g.config.ID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.driverMu.Lock()
	g.driver = driver
	g.cancel = cancel
	g.driverMu.Unlock()

	info := driver.Info()
	g.logger.Info("Gateway connected",
		"manufacturer", info.Manufacturer, "model", info.Model,
		"indications", driver.Indications())

	g.setState(Started)
	g.run(runCtx, driver)
	return nil
}

// Stop cancels the background tasks and closes the device. Messages taken
// from the queue but not confirmed are put back.
func (g *Gateway) Stop() error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	return g.stop()
}

func (g *Gateway) stop() error {
	if g.State() == Stopped {
		return nil
	}
	g.setState(Stopping)

	g.driverMu.Lock()
	driver, cancel := g.driver, g.cancel
	g.driver, g.cancel = nil, nil
	g.driverMu.Unlock()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	var err error
	if driver != nil {
		if cerr := driver.Close(); cerr != nil && !errors.Is(cerr, modem.ErrAlreadyClosed) {
			err = fmt.Errorf("gateway %s: close: %w", g.config.ID, cerr)
		}
	}
	g.setState(Stopped)
	return err
}

// Restart stops and starts the gateway. A failed start leaves it in the
// Restart state so that the next watchdog round tries again.
func (g *Gateway) Restart(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.restarts.Add(1)
	if err := g.stop(); err != nil {
		g.logger.Warn("Error while stopping for restart", "error", err)
	}
	if err := g.start(ctx); err != nil {
		g.setState(Restart)
		return err
	}
	return nil
}

func (g *Gateway) current() (Driver, error) {
	g.driverMu.RLock()
	defer g.driverMu.RUnlock()
	if g.driver == nil || g.State() != Started {
		return nil, ErrNotStarted
	}
	return g.driver, nil
}

// Info returns the device identity, or false when the gateway is not
// started.
func (g *Gateway) Info() (modem.Info, bool) {
	d, err := g.current()
	if err != nil {
		return modem.Info{}, false
	}
	return d.Info(), true
}

// SignalLevel returns the device signal level as a percentage.
func (g *Gateway) SignalLevel(ctx context.Context) (int, error) {
	d, err := g.current()
	if err != nil {
		return -1, err
	}
	return d.SignalLevel(ctx)
}

// SendUSSD sends a USSD request and returns the network reply.
func (g *Gateway) SendUSSD(ctx context.Context, request string, interactive bool) (modem.USSDResponse, error) {
	d, err := g.current()
	if err != nil {
		return modem.USSDResponse{}, err
	}
	resp, err := d.SendUSSD(ctx, request, interactive)
	if err != nil {
		g.checkDriver(err)
	}
	return resp, err
}

// DeleteMessage removes m from device memory. Every memory index of a
// multi-part message is deleted.
func (g *Gateway) DeleteMessage(ctx context.Context, m message.Message) error {
	d, err := g.current()
	if err != nil {
		return err
	}
	loc, indices, ok := message.Indices(m)
	if !ok {
		return nil
	}
	return deleteIndices(ctx, d, loc, indices)
}

func deleteIndices(ctx context.Context, d Driver, loc message.Location, indices []int) error {
	var errs []error
	for _, idx := range indices {
		if err := d.DeleteMessage(ctx, loc, idx); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%d: %w", loc, idx, err))
		}
	}
	return errors.Join(errs...)
}

// checkDriver marks the gateway for restart when err shows that the device
// no longer answers.
func (g *Gateway) checkDriver(err error) {
	if isDeviceFailure(err) {
		g.markRestart(err)
	}
}

// isDeviceFailure reports whether err is a timeout or a transport failure
// rather than a reply from the device.
func isDeviceFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, new(*modem.ATError)), errors.Is(err, modem.ErrProtocol):
		return false
	default:
		return true
	}
}
