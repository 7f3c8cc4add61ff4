// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to drive the remote side from a test: Open, Emit, Fail and
// RemoteClose invoke the callbacks registered at Connect, and every chunk
// passed to SendAudio is recorded.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg, callbacks)
//	ms := p.LastSession()
//	ms.Open()
//	ms.Emit(live.Message{OutputTranscription: "Copy."})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
)

// Compile-time assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, blocks Connect until a value is received or the
	// context is cancelled.
	Gate chan struct{}

	// OpenOnConnect makes Connect invoke OnOpen before it returns.
	OpenOnConnect bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
	notify   chan *Session
}

func (p *Provider) notifyCh() chan *Session {
	if p.notify == nil {
		p.notify = make(chan *Session, 64)
	}
	return p.notify
}

// Connect records the call and returns a new Session bound to cb, or
// ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	connectErr := p.ConnectErr
	openOnConnect := p.OpenOnConnect
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	s := &Session{cb: cb, Cfg: cfg}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.notifyCh() <- s
	p.mu.Unlock()

	if openOnConnect {
		s.Open()
	}
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// SetConnectErr replaces ConnectErr. Thread-safe.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recent session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// NextSession waits up to timeout for the next session Connect hands out and
// returns it, or nil on timeout. Sessions are delivered in creation order.
func (p *Provider) NextSession(timeout time.Duration) *Session {
	p.mu.Lock()
	ch := p.notifyCh()
	p.mu.Unlock()
	select {
	case s := <-ch:
		return s
	case <-time.After(timeout):
		return nil
	}
}

// Session is a mock implementation of live.Session driven by the test.
type Session struct {
	mu sync.Mutex

	// Cfg is the SessionConfig the session was opened with.
	Cfg live.SessionConfig

	// SendErr, if non-nil, is returned from SendAudio while the session is
	// open.
	SendErr error

	cb          live.Callbacks
	sent        []audio.WireChunk
	closed      bool
	closeCalls  int
	closeFired  bool
	callbacksMu sync.Mutex
}

// SendAudio records chunk. It returns live.ErrSessionClosed after Close or
// RemoteClose.
func (s *Session) SendAudio(chunk audio.WireChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, chunk)
	return nil
}

// Close marks the session closed and fires OnClose once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.closed = true
	s.mu.Unlock()
	s.fireClose()
	return nil
}

// Sent returns a copy of every chunk accepted by SendAudio.
func (s *Session) Sent() []audio.WireChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.WireChunk(nil), s.sent...)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCallCount returns how often Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Open invokes OnOpen.
func (s *Session) Open() {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.cb.Open()
}

// Emit invokes OnMessage with m.
func (s *Session) Emit(m live.Message) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.cb.Message(m)
}

// Fail invokes OnError with err.
func (s *Session) Fail(err error) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.cb.Error(err)
}

// RemoteClose simulates the remote side ending the session: it marks the
// session closed and fires OnClose once.
func (s *Session) RemoteClose() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.fireClose()
}

func (s *Session) fireClose() {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.mu.Lock()
	if s.closeFired {
		s.mu.Unlock()
		return
	}
	s.closeFired = true
	s.mu.Unlock()
	s.cb.Close()
}
