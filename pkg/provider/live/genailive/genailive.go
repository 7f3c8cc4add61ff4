// Package genailive implements the live.Provider interface on top of the
// official Google Gen AI Go SDK (google.golang.org/genai).
//
// It is an alternative to the hand-rolled gemini package: the SDK owns the
// wire format and URL construction, this package maps its Live session onto
// [live.Session] and [live.Callbacks].
package genailive

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
	"github.com/MrWong99/voxwave/pkg/provider/live/gemini"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const defaultAPIVersion = "v1beta"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept as
// is; anything else is dialled over wss. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version segment of the endpoint.
func WithAPIVersion(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.apiVersion = v
		}
	}
}

// Provider implements live.Provider via the Gen AI SDK.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      gemini.DefaultModel,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns the same static metadata as the Gemini Live protocol.
func (p *Provider) Capabilities() live.Capabilities {
	return gemini.New(p.apiKey).Capabilities()
}

// Connect opens a Live session through the SDK. OnOpen fires once the server
// acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: p.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	sdkSess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	s := &session{sess: sdkSess, cb: cb}
	go s.receiveLoop()
	return s, nil
}

// connectConfig translates cfg into the SDK's Live connect configuration.
func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	c := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		c.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		c.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		c.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		c.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return c
}

type session struct {
	sess *genai.Session
	cb   live.Callbacks

	// writeMu serialises writes; the SDK's connection allows one writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) receiveLoop() {
	defer s.cb.Close()

	opened := false
	for {
		msg, err := s.sess.Receive()
		if err != nil {
			if !s.isClosed() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.cb.Error(fmt.Errorf("genailive: receive: %w", err))
				}
				s.Close()
			}
			return
		}
		if msg.SetupComplete != nil && !opened {
			opened = true
			s.cb.Open()
		}
		if msg.ServerContent != nil {
			s.cb.Message(toMessage(msg.ServerContent))
		}
	}
}

func toMessage(sc *genai.LiveServerContent) live.Message {
	var m live.Message
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			m.Audio = append(m.Audio, audio.EncodedChunk{
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscription = sc.OutputTranscription.Text
	}
	if sc.InputTranscription != nil {
		m.InputTranscription = sc.InputTranscription.Text
	}
	m.Interrupted = sc.Interrupted
	m.TurnComplete = sc.TurnComplete
	return m
}

// SendAudio pushes one PCM chunk as realtime input.
func (s *session) SendAudio(chunk audio.WireChunk) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	mimeType := chunk.MIMEType
	if mimeType == "" {
		mimeType = audio.PCMMIMEType(audio.DefaultInputSampleRate)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk.Data, MIMEType: mimeType},
	}); err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

// Close terminates the connection. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sess.Close()
}
