package service

import (
	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
)

// Listener is told about gateway and message events. Methods are called from
// the gateways' background tasks and must not block for long.
type Listener interface {
	GatewayStatus(gw string, old, new gateway.State)
	InboundMessage(gw string, m message.Message)
	// OutboundMessage is called once per message, when it was sent or has
	// permanently failed.
	OutboundMessage(m *message.Outbound)
	InboundCall(gw string, caller string)
	USSDReply(gw string, resp modem.USSDResponse)
	OrphanedMessage(gw string, m *message.Inbound, decision gateway.OrphanDecision)
}

// NopListener ignores every event. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) GatewayStatus(string, gateway.State, gateway.State) {}
func (NopListener) InboundMessage(string, message.Message) {}
func (NopListener) OutboundMessage(*message.Outbound) {}
func (NopListener) InboundCall(string, string) {}
func (NopListener) USSDReply(string, modem.USSDResponse) {}
func (NopListener) OrphanedMessage(string, *message.Inbound, gateway.OrphanDecision) {}

// Subscribe adds l to the listeners.
func (s *Service) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(fn func(Listener)) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func (s *Service) outbound(m *message.Outbound) {
	s.notify(func(l Listener) { l.OutboundMessage(m) })
}

// callbacks fans the gateway callbacks out to the listeners.
func (s *Service) callbacks() gateway.Callbacks {
	return gateway.Callbacks{
		Status: func(gw string, old, new gateway.State) {
			s.notify(func(l Listener) { l.GatewayStatus(gw, old, new) })
		},
		Inbound: func(gw string, m message.Message) {
			s.notify(func(l Listener) { l.InboundMessage(gw, m) })
		},
		Call: func(gw string, caller string) {
			s.notify(func(l Listener) { l.InboundCall(gw, caller) })
		},
		USSD: func(gw string, resp modem.USSDResponse) {
			s.notify(func(l Listener) { l.USSDReply(gw, resp) })
		},
		Orphan: func(gw string, m *message.Inbound) gateway.OrphanDecision {
			decision := s.settings.Orphans
			s.notify(func(l Listener) { l.OrphanedMessage(gw, m, decision) })
			return decision
		},
	}
}
