package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
	"i4.energy/across/gsmgw/service"
)

// DefaultPrefix is the first token of every subject.
const DefaultPrefix = "smsgw"

// Publisher is the part of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig configures the connection made by DialNATS.
type NATSConfig struct {
	URL           string
	Name          string
	Prefix        string
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        *slog.Logger
}

// NATS publishes every service event as JSON on
// <prefix>.<gateway>.<event>. Publishing failures are logged and dropped.
type NATS struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

var _ service.Listener = (*NATS)(nil)

// NewNATS publishes through pub.
func NewNATS(pub Publisher, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		pub:    pub,
		prefix: prefix,
		logger: logger.With("component", "nats"),
		now:    time.Now,
	}
}

// DialNATS connects to the server at config.URL.
func DialNATS(config NATSConfig) (*NATS, error) {
	if config.Name == "" {
		config.Name = "gsmgw"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = -1
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", config.URL, err)
	}

	n := NewNATS(nc, config.Prefix, logger)
	n.conn = nc
	return n, nil
}

// Close flushes and closes the connection opened by DialNATS.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// Subject returns the subject of event for gw.
func (n *NATS) Subject(gw, event string) string {
	if gw == "" {
		gw = "_"
	}
	return n.prefix + "." + gw + "." + event
}

func (n *NATS) publish(gw, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	subject := n.Subject(gw, event)
	if err := n.pub.Publish(subject, data); err != nil {
		n.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

func (n *NATS) GatewayStatus(gw string, old, new gateway.State) {
	n.publish(gw, "status", StatusEvent{Gateway: gw, Old: old.String(), New: new.String(), Time: n.now()})
}

func (n *NATS) InboundMessage(gw string, m message.Message) {
	n.publish(gw, "inbound", NewMessage(m))
}

func (n *NATS) OutboundMessage(m *message.Outbound) {
	n.publish(m.GatewayID, "outbound", NewMessage(m))
}

func (n *NATS) InboundCall(gw string, caller string) {
	n.publish(gw, "call", CallEvent{Gateway: gw, Caller: caller, Time: n.now()})
}

func (n *NATS) USSDReply(gw string, resp modem.USSDResponse) {
	n.publish(gw, "ussd", USSDEvent{Gateway: gw, Status: resp.Status.String(), Content: resp.Content, Time: n.now()})
}

func (n *NATS) OrphanedMessage(gw string, m *message.Inbound, decision gateway.OrphanDecision) {
	n.publish(gw, "orphan", OrphanEvent{Message: NewMessage(m), Decision: decision.String()})
}
