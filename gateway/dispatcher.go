package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/gsmgw/at"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

// run launches the background tasks for driver. They all stop when ctx is
// done; none of them holds the device between two commands.
func (g *Gateway) run(ctx context.Context, d Driver) {
	g.spawn(func() { g.watch(ctx, d) })
	g.spawn(func() { g.notify(ctx, d) })
	if g.config.KeepAlive > 0 {
		g.spawn(func() { g.keepAlive(ctx, d) })
	}
	if g.config.Inbound {
		g.spawn(func() { g.fetcher(ctx, d) })
		if !d.Indications() {
			g.logger.Info("Device does not push indications, polling for messages", "interval", g.config.PollInterval)
			g.spawn(func() { g.poll(ctx) })
		}
		g.RequestFetch()
	}
	if g.config.Outbound {
		g.spawn(func() { g.sendLoop(ctx, d) })
	}
}

func (g *Gateway) spawn(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// watch marks the gateway for restart when the device reader stops.
func (g *Gateway) watch(ctx context.Context, d Driver) {
	select {
	case <-ctx.Done():
	case <-d.Done():
		err := d.Err()
		if err == nil {
			err = modem.ErrAlreadyClosed
		}
		g.markRestart(fmt.Errorf("device reader stopped: %w", err))
	}
}

func (g *Gateway) keepAlive(ctx context.Context, d Driver) {
	ticker := time.NewTicker(g.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if g.State() != Started {
				continue
			}
			if err := d.Ping(ctx); err != nil && ctx.Err() == nil {
				g.markRestart(fmt.Errorf("keep-alive: %w", err))
			}
		}
	}
}

// notify is the single consumer of the device's unsolicited events.
func (g *Gateway) notify(ctx context.Context, d Driver) {
	// ringing is set by a RING that was not followed by a caller id.
	ringing := false
	for {
		var ev modem.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-d.URC():
		}

		switch ev.Kind {
		case at.EventInboundMessage, at.EventStatusReport:
			if g.config.Inbound {
				g.RequestFetch()
			}
		case at.EventRing:
			if ringing {
				g.answerCall(ctx, d, "")
			}
			ringing = !ringing
		case at.EventCallerID:
			ringing = false
			caller, _ := modem.ParseCallerID(ev.Raw)
			g.answerCall(ctx, d, caller)
		case at.EventUSSD:
			resp, err := d.DecodeUSSD(ev.Raw)
			if err != nil {
				g.logger.Warn("Malformed USSD reply", "raw", ev.Raw, "error", err)
				continue
			}
			if cb := g.config.Callbacks.USSD; cb != nil {
				cb(g.config.ID, resp)
			}
		default:
			g.logger.Debug("Ignoring unsolicited event", "kind", ev.Kind, "raw", ev.Raw)
		}
	}
}

// answerCall reports an incoming call and hangs it up.
func (g *Gateway) answerCall(ctx context.Context, d Driver, caller string) {
	g.logger.Info("Incoming call", "caller", caller)
	if cb := g.config.Callbacks.Call; cb != nil {
		cb(g.config.ID, caller)
	}
	if err := d.HangUp(ctx); err != nil {
		g.logger.Warn("Could not hang up", "error", err)
		g.checkDriver(err)
	}
}

// RequestFetch asks for the device message store to be read. Requests made
// while one is already pending are merged into it.
func (g *Gateway) RequestFetch() {
	g.pendingMu.Lock()
	if g.fetchPending {
		g.pendingMu.Unlock()
		return
	}
	g.fetchPending = true
	g.pendingMu.Unlock()

	select {
	case g.fetchSignal <- struct{}{}:
	default:
	}
}

func (g *Gateway) fetcher(ctx context.Context, d Driver) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.fetchSignal:
		}

		g.pendingMu.Lock()
		g.fetchPending = false
		g.pendingMu.Unlock()

		if err := g.fetch(ctx, d); err != nil && ctx.Err() == nil {
			g.logger.Warn("Inbound fetch failed", "error", err)
			g.checkDriver(err)
		}
	}
}

// poll stands in for new-message indications on devices without them.
func (g *Gateway) poll(ctx context.Context) {
	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RequestFetch()
		}
	}
}

func slotKey(loc message.Location, idx int) string {
	return fmt.Sprintf("%s/%d", loc, idx)
}

// fetch reads every stored message, delivers the complete ones and settles
// orphaned parts.
func (g *Gateway) fetch(ctx context.Context, d Driver) error {
	g.fetchMu.Lock()
	defer g.fetchMu.Unlock()

	msgs, err := d.ReadMessages(ctx, modem.ClassAll)
	if err != nil {
		return err
	}

	listed := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		loc, indices, _ := message.Indices(m)
		for _, idx := range indices {
			listed[slotKey(loc, idx)] = struct{}{}
		}
	}
	for key := range g.seen {
		if _, ok := listed[key]; !ok {
			delete(g.seen, key)
		}
	}

	for _, m := range msgs {
		if g.wasSeen(m) {
			continue
		}
		switch m.Kind() {
		case message.KindUnknown:
			g.logger.Warn("Discarding undecodable message", "message", message.Describe(m))
			g.discard(ctx, d, m)
		case message.KindStatusReport:
			g.deliver(ctx, d, m)
		default:
			in, ok := m.(*message.Inbound)
			if !ok {
				continue
			}
			if !in.Multipart() {
				g.deliver(ctx, d, in)
				continue
			}
			joined, err := g.parts.add(in)
			if err != nil {
				g.logger.Warn("Could not join message parts", "error", err)
				continue
			}
			if joined != nil {
				g.deliver(ctx, d, joined)
			}
		}
	}

	g.settleOrphans(ctx, d)
	return nil
}

func (g *Gateway) wasSeen(m message.Message) bool {
	loc, indices, ok := message.Indices(m)
	if !ok {
		return false
	}
	for _, idx := range indices {
		if _, seen := g.seen[slotKey(loc, idx)]; !seen {
			return false
		}
	}
	return true
}

func (g *Gateway) deliver(ctx context.Context, d Driver, m message.Message) {
	m.Head().GatewayID = g.config.ID
	g.inbound.Add(1)
	g.logger.Info("Message received", "message", message.Describe(m))
	if cb := g.config.Callbacks.Inbound; cb != nil {
		cb(g.config.ID, m)
	}

	if g.config.DeleteInbound {
		g.discard(ctx, d, m)
		return
	}
	loc, indices, _ := message.Indices(m)
	for _, idx := range indices {
		g.seen[slotKey(loc, idx)] = struct{}{}
	}
}

func (g *Gateway) discard(ctx context.Context, d Driver, m message.Message) {
	loc, indices, ok := message.Indices(m)
	if !ok {
		return
	}
	if err := deleteIndices(ctx, d, loc, indices); err != nil {
		g.logger.Warn("Could not delete message", "message", message.Describe(m), "error", err)
	}
}

func (g *Gateway) settleOrphans(ctx context.Context, d Driver) {
	for _, m := range g.parts.orphans(time.Now(), g.config.OrphanAge) {
		decision := Keep
		if cb := g.config.Callbacks.Orphan; cb != nil {
			decision = cb(g.config.ID, m)
		}
		g.logger.Info("Orphaned message parts", "message", message.Describe(m), "decision", decision)
		if decision != Delete {
			continue
		}
		if err := deleteIndices(ctx, d, m.MemLocation, m.MemIndex); err != nil {
			g.logger.Warn("Could not delete orphaned parts", "error", err)
		}
		g.parts.forget(m)
	}
}

// sendLoop drains the gateway's queue one message at a time.
func (g *Gateway) sendLoop(ctx context.Context, d Driver) {
	for {
		m, err := g.config.Queue.Dequeue(ctx, g.config.ID)
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Error("Outbound queue unavailable", "error", err)
			}
			return
		}
		if err := g.limiter.Wait(ctx); err != nil {
			g.config.Queue.Requeue(m)
			return
		}
		if g.State() != Started {
			g.config.Queue.Requeue(m)
			<-ctx.Done()
			return
		}
		if !g.send(ctx, d, m) {
			return
		}
	}
}

// send submits m and settles it with the queue. It returns false when the
// loop must stop.
func (g *Gateway) send(ctx context.Context, d Driver, m *message.Outbound) bool {
	ref, err := d.Send(ctx, m)
	switch {
	case err == nil:
		m.RefNo = ref
		m.Dispatched = time.Now()
		g.outbound.Add(1)
		g.logger.Info("Message sent", "uuid", m.UUID, "recipient", m.Recipient, "ref", ref)
		g.config.Queue.Complete(m)
		return true

	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		g.config.Queue.Requeue(m)
		return false
	}

	g.failed.Add(1)
	g.logger.Warn("Send failed", "uuid", m.UUID, "recipient", m.Recipient, "error", err)

	var atErr *modem.ATError
	switch {
	case errors.Is(err, modem.ErrProtocol):
		g.config.Queue.Reject(m, message.CauseBadFormat)
	case errors.Is(err, modem.ErrTimeout):
		g.config.Queue.Fail(m, message.CauseTimeout)
	case errors.As(err, &atErr):
		g.config.Queue.Fail(m, failureCause(atErr))
	default:
		g.config.Queue.Requeue(m)
		g.markRestart(err)
		return false
	}
	return true
}

// failureCause maps a submit error reply to a failure cause.
func failureCause(err *modem.ATError) message.FailureCause {
	code, ok := err.CMS()
	if !ok {
		return message.CauseGatewayFailure
	}
	switch code {
	case 1, 28:
		return message.CauseBadNumber
	case 304, 305:
		return message.CauseBadFormat
	case 331:
		return message.CauseNoRoute
	case 332:
		return message.CauseTimeout
	default:
		return message.CauseGatewayFailure
	}
}
