// Package live defines the Provider interface for live conversational audio
// backends.
//
// A live provider wraps a remote service that accepts a continuous stream of
// microphone audio and answers with streamed synthesised speech, optional
// transcriptions of both directions, and interruption signals when the
// service abandons an in-progress reply. Examples include the Gemini Live
// API and the OpenAI Realtime API.
//
// The remote side is modelled as an opaque duplex stream: [Provider.Connect]
// opens it and registers a [Callbacks] set, [Session.SendAudio] pushes
// encoded chunks, and [Session.Close] ends it.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
)

// ErrSessionClosed is returned by [Session.SendAudio] after the session ended.
var ErrSessionClosed = errors.New("live: session closed")

// SessionConfig is the configuration payload sent when a session is opened.
type SessionConfig struct {
	// Model overrides the provider's default model identifier when non-empty.
	Model string

	// Instructions is the system-level prompt for the remote model.
	Instructions string

	// Voice selects a prebuilt output voice. Empty keeps the provider default.
	Voice string

	// InputTranscription requests transcripts of the operator's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// Message is one inbound event from a remote session. All fields are
// independent and may co-occur on the same message; zero values mean
// "absent".
type Message struct {
	// Audio holds inline response audio fragments in arrival order.
	Audio []audio.EncodedChunk

	// OutputTranscription is a text fragment of what the model said.
	OutputTranscription string

	// InputTranscription is a text fragment of what the operator said.
	InputTranscription string

	// Interrupted reports that the model abandoned its in-progress reply.
	Interrupted bool

	// TurnComplete reports that the model finished its reply.
	TurnComplete bool
}

// Callbacks is the set of handlers a session reports to.
//
// Implementations invoke the callbacks sequentially from a single goroutine,
// never concurrently. OnOpen fires at most once, when the remote side
// acknowledged the setup. OnError reports asynchronous failures and may be
// followed by more messages or by OnClose. OnClose fires exactly once, after
// every other callback, when the session ends for any reason, including a
// local [Session.Close]. Any nil callback is skipped.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnError   func(error)
	OnClose   func()
}

// Open invokes OnOpen if set.
func (c Callbacks) Open() {
	if c.OnOpen != nil {
		c.OnOpen()
	}
}

// Message invokes OnMessage if set.
func (c Callbacks) Message(m Message) {
	if c.OnMessage != nil {
		c.OnMessage(m)
	}
}

// Error invokes OnError if set.
func (c Callbacks) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close invokes OnClose if set.
func (c Callbacks) Close() {
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Session is an open duplex stream to the remote service. It is an interface
// so that test code can supply mock implementations without a live
// connection.
//
// All methods must be safe for concurrent use.
type Session interface {
	// SendAudio pushes one encoded chunk to the remote side. The chunk must
	// be in the format reported by [Capabilities.InputFormat] or declare its
	// own rate in MIMEType. Returns [ErrSessionClosed] after the session
	// ended.
	SendAudio(chunk audio.WireChunk) error

	// Close requests the session to end and releases its resources. OnClose
	// fires once teardown completes. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputFormat is the audio format the remote side expects.
	InputFormat audio.Format

	// OutputFormat is the audio format response chunks arrive in.
	OutputFormat audio.Format

	// MaxSessionDuration is the provider-imposed session lifetime. Zero means
	// no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names this provider accepts.
	Voices []string
}

// Provider is the abstraction over any live conversational audio backend.
type Provider interface {
	// Connect opens a new session and registers cb. It returns once the
	// transport is established and the configuration has been sent; the
	// remote acknowledgement arrives later through cb.OnOpen. Callbacks may
	// begin firing before Connect returns.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, network error, or ctx already cancelled). In that case no
	// callback is ever invoked. The caller owns the returned Session and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
