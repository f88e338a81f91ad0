// Package service owns the running gateways, the outbound queue and the
// listeners that are told about everything that happens to them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
	"i4.energy/across/gsmgw/queue"
)

var (
	ErrDuplicateGateway = errors.New("service: duplicate gateway id")
	ErrNoGateway        = errors.New("service: no gateway available")
	ErrUnknownGateway   = errors.New("service: unknown gateway")
	ErrNotRunning       = errors.New("service: not running")
)

// Settings are the service-wide options.
type Settings struct {
	// Watchdog is the interval at which gateways needing a restart are
	// restarted.
	Watchdog time.Duration
	// ConcurrentStart starts and stops gateways in parallel.
	ConcurrentStart bool
	// Orphans is the decision applied to orphaned message parts.
	Orphans gateway.OrphanDecision
	Logger  *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	settings Settings
	logger   *slog.Logger
	queue    *queue.Manager

	mu       sync.RWMutex
	gateways map[string]*gateway.Gateway
	order    []string
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []Listener

	next atomic.Uint64
}

// New builds a service whose queue reports results to the listeners.
func New(settings Settings, qc queue.Config) *Service {
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}
	if settings.Watchdog <= 0 {
		settings.Watchdog = 60 * time.Second
	}
	s := &Service{
		settings: settings,
		logger:   settings.Logger.With("component", "service"),
		gateways: make(map[string]*gateway.Gateway),
	}
	if qc.Logger == nil {
		qc.Logger = settings.Logger
	}
	qc.OnResult = s.outbound
	s.queue = queue.New(qc)
	return s
}

// Queue returns the outbound queue.
func (s *Service) Queue() *queue.Manager {
	return s.queue
}

// AddGateway creates a gateway from config. The queue and the callbacks
// are supplied by the service.
func (s *Service) AddGateway(config gateway.Config) (*gateway.Gateway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gateways[config.ID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateGateway, config.ID)
	}

	config.Queue = s.queue
	config.Callbacks = s.callbacks()
	if config.Logger == nil {
		config.Logger = s.settings.Logger
	}
	g, err := gateway.New(config)
	if err != nil {
		return nil, err
	}
	s.gateways[config.ID] = g
	s.order = append(s.order, config.ID)
	s.queue.AddGateway(config.ID)
	return g, nil
}

// Gateway returns the gateway with id.
func (s *Service) Gateway(id string) (*gateway.Gateway, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gateways[id]
	return g, ok
}

// Gateways returns every gateway in the order they were added.
func (s *Service) Gateways() []*gateway.Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Gateway, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.gateways[id])
	}
	return out
}

// Start reloads the queue, starts every gateway and the watchdog. A gateway
// that fails to start is left to the watchdog.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.queue.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("service: start queue: %w", err)
	}

	_ = s.each(runCtx, func(ctx context.Context, g *gateway.Gateway) error {
		if err := g.Start(ctx); err != nil {
			s.logger.Error("Gateway failed to start", "gateway", g.ID(), "error", err)
		}
		return nil
	})

	s.wg.Add(1)
	go s.watchdog(runCtx)
	s.logger.Info("Service started", "gateways", len(s.Gateways()))
	return nil
}

// Stop stops the watchdog and every gateway, then closes the queue.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	s.wg.Wait()

	var (
		errMu sync.Mutex
		errs  []error
	)
	_ = s.each(context.Background(), func(_ context.Context, g *gateway.Gateway) error {
		if err := g.Stop(); err != nil {
			errMu.Lock()
			errs = append(errs, err)
			errMu.Unlock()
		}
		return nil
	})
	if err := s.queue.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("service: close queue: %w", err))
	}
	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// Run starts the service and stops it when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// each applies fn to every gateway, in parallel when configured so.
func (s *Service) each(ctx context.Context, fn func(context.Context, *gateway.Gateway) error) error {
	gateways := s.Gateways()
	if !s.settings.ConcurrentStart {
		for _, g := range gateways {
			if err := fn(ctx, g); err != nil {
				return err
			}
		}
		return nil
	}

	// The gateways keep ctx for their background tasks, so it must outlive
	// the group.
	var eg errgroup.Group
	for _, g := range gateways {
		eg.Go(func() error { return fn(ctx, g) })
	}
	return eg.Wait()
}

// watchdog restarts gateways that asked for it or failed to start.
func (s *Service) watchdog(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.settings.Watchdog)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, g := range s.Gateways() {
			switch g.State() {
			case gateway.Restart, gateway.Failure:
			default:
				continue
			}
			s.logger.Info("Watchdog restarting gateway", "gateway", g.ID(), "state", g.State())
			if err := g.Restart(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Gateway restart failed", "gateway", g.ID(), "error", err)
			}
		}
	}
}

// Send queues m. When m names no gateway one is picked among the started
// outbound gateways in turn. Once queued, m belongs to the gateway's send
// loop; the returned copy shows m as it was accepted and is safe to read.
func (s *Service) Send(m *message.Outbound) (message.Outbound, error) {
	if m.GatewayID == "" {
		g, err := s.route()
		if err != nil {
			return message.Outbound{}, err
		}
		m.GatewayID = g.ID()
	} else if _, ok := s.Gateway(m.GatewayID); !ok {
		return message.Outbound{}, fmt.Errorf("%w: %q", ErrUnknownGateway, m.GatewayID)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	accepted := *m
	accepted.Status = message.StatusQueued
	if err := s.queue.Enqueue(m); err != nil {
		return message.Outbound{}, err
	}
	s.logger.Debug("Message queued", "uuid", accepted.UUID, "gateway", accepted.GatewayID)
	return accepted, nil
}

// route picks the next outbound gateway, preferring started ones.
func (s *Service) route() (*gateway.Gateway, error) {
	var started, outbound []*gateway.Gateway
	for _, g := range s.Gateways() {
		if !g.Outbound() {
			continue
		}
		outbound = append(outbound, g)
		if g.State() == gateway.Started {
			started = append(started, g)
		}
	}
	candidates := started
	if len(candidates) == 0 {
		candidates = outbound
	}
	if len(candidates) == 0 {
		return nil, ErrNoGateway
	}
	return candidates[int(s.next.Add(1)-1)%len(candidates)], nil
}

// SendUSSD sends a USSD request through gateway id.
func (s *Service) SendUSSD(ctx context.Context, id, request string, interactive bool) (modem.USSDResponse, error) {
	g, ok := s.Gateway(id)
	if !ok {
		return modem.USSDResponse{}, fmt.Errorf("%w: %q", ErrUnknownGateway, id)
	}
	return g.SendUSSD(ctx, request, interactive)
}

// Remove deletes a queued message.
func (s *Service) Remove(id string) bool {
	return s.queue.Remove(id)
}

// GatewayIDs returns the ids in the order the gateways were added.
func (s *Service) GatewayIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}
