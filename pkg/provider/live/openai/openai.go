// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded 24 kHz mono PCM16 in both directions;
// microphone chunks in other formats are converted before they are appended
// to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only PCM16 rate the Realtime API accepts.
	sampleRate   = 24000
	writeTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithTranscriptionModel sets the model used for input audio transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.transcriptionModel = model
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputFormat:        audio.Format{SampleRate: sampleRate, Channels: 1},
		OutputFormat:       audio.Format{SampleRate: sampleRate, Channels: 1},
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and sends a session.update event. The
// session reports [live.Callbacks.OnOpen] once the server acknowledges the
// configuration.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		cb:     cb,
		input:  audio.FormatConverter{Target: audio.Format{SampleRate: sampleRate, Channels: 1}},
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(buildSessionUpdate(cfg, p.transcriptionModel)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

func buildSessionUpdate(cfg live.SessionConfig, transcriptionModel string) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn  *websocket.Conn
	cb    live.Callbacks
	input audio.FormatConverter

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them to the
// callbacks. OnClose fires exactly once when it exits.
func (s *session) receiveLoop() {
	defer s.cb.Close()

	opened := false
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !isNormalClosure(err) {
				s.cb.Error(fmt.Errorf("openai: read: %w", err))
			}
			s.shutdown()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "session.created", "session.updated":
			if !opened {
				opened = true
				s.cb.Open()
			}
		default:
			if m, ok := toMessage(&evt); ok {
				s.cb.Message(m)
			} else if evt.Type == "error" {
				s.cb.Error(toError(evt.Error))
			}
		}
	}
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func toError(d *serverErrorDetail) error {
	if d == nil || d.Message == "" {
		return errors.New("openai: unknown error")
	}
	if d.Code != "" {
		return fmt.Errorf("openai: %s: %s", d.Code, d.Message)
	}
	return errors.New("openai: " + d.Message)
}

// toMessage maps the server events the engine cares about onto a
// live.Message. It reports false for every other event type.
func toMessage(evt *serverEvent) (live.Message, bool) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return live.Message{}, false
		}
		return live.Message{Audio: []audio.EncodedChunk{{
			Data:     evt.Delta,
			MIMEType: audio.PCMMIMEType(sampleRate),
		}}}, true

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return live.Message{}, false
		}
		return live.Message{OutputTranscription: evt.Transcript}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return live.Message{}, false
		}
		return live.Message{InputTranscription: evt.Transcript}, true

	case "input_audio_buffer.speech_started":
		return live.Message{Interrupted: true}, true

	case "response.done":
		return live.Message{TurnComplete: true}, true
	}
	return live.Message{}, false
}

// shutdown marks the session closed and cancels its context. Idempotent.
func (s *session) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.cancel()
	return true
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends one PCM16 chunk to the input audio buffer. Chunks in any
// other format are converted to 24 kHz mono first.
func (s *session) SendAudio(chunk audio.WireChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	if chunk.SampleRate == 0 {
		f, err := audio.ParseMIMEType(chunk.MIMEType, s.input.Target)
		if err != nil {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		chunk.SampleRate, chunk.Channels = f.SampleRate, f.Channels
	}
	data := s.input.Convert(chunk).Data

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if !s.shutdown() {
		return nil
	}
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
