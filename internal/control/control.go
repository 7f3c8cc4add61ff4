// Package control exposes the radio engine over HTTP.
//
// REST routes under /v1/radio map one-to-one onto operator controls; their
// effect is asynchronous and shows up in the next snapshot. GET /v1/radio/ws
// streams every snapshot over a websocket and accepts the same controls as
// JSON commands. /healthz, /readyz and /metrics are served alongside.
package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxwave/internal/health"
	"github.com/MrWong99/voxwave/internal/observe"
	"github.com/MrWong99/voxwave/internal/radio"
)

// Radio is the engine surface driven by the server. *radio.Engine
// satisfies it.
type Radio interface {
	Snapshot() radio.Snapshot
	Subscribe() (<-chan radio.Snapshot, func())
	Frequencies() []float64

	Connect()
	Disconnect()
	TogglePower()
	PTTDown()
	PTTUp()
	ToggleMode()
	CycleFrequency()
	SetVolume(v int) error
	SetSquelch(v int) error
}

// Operator commands accepted by [Server.Apply] and the websocket.
const (
	OpConnect        = "connect"
	OpDisconnect     = "disconnect"
	OpTogglePower    = "power_toggle"
	OpPTTDown        = "ptt_down"
	OpPTTUp          = "ptt_up"
	OpToggleMode     = "mode_toggle"
	OpCycleFrequency = "frequency_cycle"
	OpSetVolume      = "set_volume"
	OpSetSquelch     = "set_squelch"
)

var (
	// ErrUnknownOp is returned by [Server.Apply] for an unrecognised command.
	ErrUnknownOp = errors.New("control: unknown op")

	// ErrMissingValue is returned when a level command carries no value.
	ErrMissingValue = errors.New("control: value is required")
)

// Server serves the control API for one [Radio].
type Server struct {
	radio          Radio
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	allowAnyOrigin bool
	upgrader       websocket.Upgrader
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. The default serves the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithCheckers adds readiness checks to the radio's own.
func WithCheckers(checkers ...health.Checker) Option {
	return func(s *Server) {
		s.health = health.New(append([]health.Checker{health.RadioChecker(s.radio)}, checkers...)...)
	}
}

// WithAllowAnyOrigin accepts websocket upgrades from any browser origin.
func WithAllowAnyOrigin() Option {
	return func(s *Server) { s.allowAnyOrigin = true }
}

// New returns a Server for r.
func New(r Radio, opts ...Option) *Server {
	s := &Server{radio: r}
	s.health = health.New(health.RadioChecker(r))
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows same-origin browsers and clients that send no Origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	s.health.Register(r)
	r.Handle("/metrics", s.metricsHandler)

	r.Route("/v1/radio", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Get("/ws", s.handleWS)

		r.Post("/connect", s.handleOp(OpConnect))
		r.Post("/disconnect", s.handleOp(OpDisconnect))
		r.Post("/power/toggle", s.handleOp(OpTogglePower))
		r.Post("/ptt/down", s.handleOp(OpPTTDown))
		r.Post("/ptt/up", s.handleOp(OpPTTUp))
		r.Post("/mode/toggle", s.handleOp(OpToggleMode))
		r.Post("/frequency/cycle", s.handleOp(OpCycleFrequency))

		r.Put("/volume", s.handleLevel(OpSetVolume))
		r.Put("/squelch", s.handleLevel(OpSetSquelch))
	})
	return r
}

// Apply executes one operator command. value is only read by the level
// commands.
func (s *Server) Apply(op string, value *int) error {
	switch op {
	case OpConnect:
		s.radio.Connect()
	case OpDisconnect:
		s.radio.Disconnect()
	case OpTogglePower:
		s.radio.TogglePower()
	case OpPTTDown:
		s.radio.PTTDown()
	case OpPTTUp:
		s.radio.PTTUp()
	case OpToggleMode:
		s.radio.ToggleMode()
	case OpCycleFrequency:
		s.radio.CycleFrequency()
	case OpSetVolume, OpSetSquelch:
		if value == nil {
			return ErrMissingValue
		}
		if op == OpSetVolume {
			return s.radio.SetVolume(*value)
		}
		return s.radio.SetSquelch(*value)
	default:
		return ErrUnknownOp
	}
	return nil
}

// ─── REST ─────────────────────────────────────────────────────────────────────

// radioResponse is the body of GET /v1/radio.
type radioResponse struct {
	radio.Snapshot
	Frequencies []float64 `json:"frequencies"`
}

type acceptedResponse struct {
	Status string `json:"status"`
	Op     string `json:"op"`
}

type levelRequest struct {
	Value *int `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, radioResponse{
		Snapshot:    s.radio.Snapshot(),
		Frequencies: s.radio.Frequencies(),
	})
}

func (s *Server) handleOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := s.Apply(op, nil); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_op", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Op: op})
	}
}

func (s *Server) handleLevel(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req levelRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if err := s.Apply(op, req.Value); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_value", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Op: op})
	}
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
