package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"i4.energy/across/gsmgw/gateway"
	"i4.energy/across/gsmgw/message"
	"i4.energy/across/gsmgw/modem"
	"i4.energy/across/gsmgw/notify"
	"i4.energy/across/gsmgw/queue"
	"i4.energy/across/gsmgw/service"
)

// SendRequest is the body of a send request, over HTTP or MQTT
type SendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	// Payload is sent as an 8-bit message instead of Message
	Payload  []byte `json:"payload,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	From     string `json:"from,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Gateway  string `json:"gateway,omitempty"`
	// Validity is a duration such as "24h"
	Validity     string    `json:"validity,omitempty"`
	StatusReport bool      `json:"status_report,omitempty"`
	ScheduledAt  time.Time `json:"scheduled_at,omitzero"`
}

var errBadRequest = errors.New("both 'to' and 'message' fields are required")

// Outbound validates the request and builds the message
func (r SendRequest) Outbound() (*message.Outbound, error) {
	if r.To == "" || (r.Message == "" && len(r.Payload) == 0) {
		return nil, errBadRequest
	}

	var m *message.Outbound
	if len(r.Payload) > 0 {
		m = message.NewBinaryOutbound(r.To, r.Payload)
	} else {
		m = message.NewOutbound(r.To, r.Message)
		m.Encoding = message.ParseEncoding(strings.ToLower(r.Encoding))
	}
	m.From = r.From
	m.Priority = r.Priority
	m.GatewayID = r.Gateway
	m.StatusReq = r.StatusReport
	m.ScheduledAt = r.ScheduledAt
	if r.Validity != "" {
		d, err := time.ParseDuration(r.Validity)
		if err != nil {
			return nil, errors.New("invalid validity: " + err.Error())
		}
		m.Validity = d
	}
	return m, nil
}

// Server handles incoming HTTP requests for interacting with the
// configured gateways
type Server struct {
	Logger  *slog.Logger
	Service *service.Service
	// Token, when set, is required as a bearer token on /api routes
	Token string

	router chi.Router
}

// NewServer builds the routes once
func NewServer(logger *slog.Logger, svc *service.Service, token string) *Server {
	s := &Server{Logger: logger, Service: svc, Token: token}
	s.router = s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/messages", s.handleSend)
		r.Delete("/messages/{uuid}", s.handleRemove)
		r.Get("/queue", s.handleQueue)
		r.Get("/gateways", s.handleGateways)
		r.Route("/gateways/{id}", func(r chi.Router) {
			r.Get("/", s.handleGateway)
			r.Post("/ussd", s.handleUSSD)
		})
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != s.Token {
				s.sendError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSend queues a message for delivery
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m, err := req.Outbound()
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	queued, err := s.Service.Send(m)
	if err != nil {
		s.Logger.Error("Failed to queue SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), sendStatus(err))
		return
	}

	s.Logger.Info("SMS queued", "uuid", queued.UUID, "to", queued.Recipient, "gateway", queued.GatewayID)
	s.sendJSON(w, notify.NewMessage(&queued), http.StatusAccepted)
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownGateway), errors.Is(err, queue.ErrUnknownGateway):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoGateway):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrNoRecipient):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if !s.Service.Remove(chi.URLParam(r, "uuid")) {
		s.sendError(w, "message not queued", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueView struct {
	Pending  map[string]int              `json:"pending"`
	Delayed  int                         `json:"delayed"`
	Messages map[string][]notify.Message `json:"messages"`
	Later    []notify.Message            `json:"later"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	q := s.Service.Queue()
	view := queueView{
		Pending:  q.Counts(),
		Delayed:  q.Delayed(),
		Messages: make(map[string][]notify.Message),
		Later:    views(q.DelayedMessages()),
	}
	for _, id := range s.Service.GatewayIDs() {
		view.Messages[id] = views(q.Snapshot(id))
	}
	s.sendJSON(w, view, http.StatusOK)
}

func views(msgs []*message.Outbound) []notify.Message {
	out := make([]notify.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, notify.NewMessage(m))
	}
	return out
}

type gatewayView struct {
	ID       string        `json:"id"`
	State    string        `json:"state"`
	Inbound  bool          `json:"inbound"`
	Outbound bool          `json:"outbound"`
	Pending  int           `json:"pending"`
	Stats    gateway.Stats `json:"stats"`
	Device   *deviceView   `json:"device,omitempty"`
	Signal   *int          `json:"signal,omitempty"`
}

type deviceView struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	IMEI         string `json:"imei,omitempty"`
	IMSI         string `json:"imsi,omitempty"`
	Revision     string `json:"revision,omitempty"`
}

func (s *Server) gatewayView(g *gateway.Gateway) gatewayView {
	view := gatewayView{
		ID:       g.ID(),
		State:    g.State().String(),
		Inbound:  g.Inbound(),
		Outbound: g.Outbound(),
		Pending:  s.Service.Queue().Pending(g.ID()),
		Stats:    g.Stats(),
	}
	if info, ok := g.Info(); ok {
		view.Device = &deviceView{
			Manufacturer: info.Manufacturer,
			Model:        info.Model,
			IMEI:         info.Serial,
			IMSI:         info.IMSI,
			Revision:     info.Revision,
		}
	}
	return view
}

func (s *Server) handleGateways(w http.ResponseWriter, _ *http.Request) {
	gateways := s.Service.Gateways()
	out := make([]gatewayView, 0, len(gateways))
	for _, g := range gateways {
		out = append(out, s.gatewayView(g))
	}
	s.sendJSON(w, out, http.StatusOK)
}

// handleGateway also queries the signal level of a started gateway
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	g, ok := s.Service.Gateway(chi.URLParam(r, "id"))
	if !ok {
		s.sendError(w, "unknown gateway", http.StatusNotFound)
		return
	}
	view := s.gatewayView(g)
	if level, err := g.SignalLevel(r.Context()); err == nil {
		view.Signal = &level
	} else if !errors.Is(err, gateway.ErrNotStarted) {
		s.Logger.Warn("Failed to read signal level", "gateway", g.ID(), "error", err)
	}
	s.sendJSON(w, view, http.StatusOK)
}

func (s *Server) handleUSSD(w http.ResponseWriter, r *http.Request) {
	type USSDRequest struct {
		Request     string `json:"request"`
		Interactive bool   `json:"interactive"`
	}
	type USSDResponse struct {
		Status  string `json:"status"`
		Content string `json:"content"`
	}

	var req USSDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Request == "" {
		s.sendError(w, "'request' field is required", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	resp, err := s.Service.SendUSSD(r.Context(), id, req.Request, req.Interactive)
	if err != nil {
		s.Logger.Error("USSD request failed", "gateway", id, "error", err)
		s.sendError(w, err.Error(), ussdStatus(err))
		return
	}
	s.sendJSON(w, USSDResponse{Status: resp.Status.String(), Content: resp.Content}, http.StatusOK)
}

func ussdStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownGateway):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, modem.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
