package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
	"github.com/MrWong99/voxwave/pkg/provider/live/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

type recorder struct {
	mu       sync.Mutex
	opened   chan struct{}
	closed   chan struct{}
	messages chan live.Message
	errs     chan error
	order    []string
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 1),
		closed:   make(chan struct{}, 1),
		messages: make(chan live.Message, 16),
		errs:     make(chan error, 16),
	}
}

func (r *recorder) note(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *recorder) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen:    func() { r.note("open"); r.opened <- struct{}{} },
		OnMessage: func(m live.Message) { r.note("message"); r.messages <- m },
		OnError:   func(err error) { r.note("error"); r.errs <- err },
		OnClose:   func() { r.note("close"); r.closed <- struct{}{} },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

func pcm16(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("key").Capabilities()
	if caps.InputFormat != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("InputFormat = %+v, want 24000 Hz mono", caps.InputFormat)
	}
	if caps.OutputFormat != (audio.Format{SampleRate: 24000, Channels: 1}) {
		t.Errorf("OutputFormat = %+v, want 24000 Hz mono", caps.OutputFormat)
	}
	if len(caps.Voices) == 0 {
		t.Error("expected at least one voice")
	}
}

func TestConnect_HeadersAndModel(t *testing.T) {
	t.Parallel()

	type request struct {
		model, auth, beta string
	}
	got := make(chan request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- request{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	req := wait(t, got, "request")
	if req.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q, want %q", req.model, "gpt-4o-mini-realtime")
	}
	if req.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", req.auth, "Bearer sk-test")
	}
	if req.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q, want %q", req.beta, "realtime=v1")
	}
}

func TestConnect_SessionConfigOverridesModel(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r.URL.Query().Get("model")
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{Model: "override"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if m := wait(t, got, "model"); m != "override" {
		t.Errorf("model = %q, want %q", m, "override")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string   `json:"voice"`
			Instructions            string   `json:"instructions"`
			Modalities              []string `json:"modalities"`
			InputAudioFormat        string   `json:"input_audio_format"`
			OutputAudioFormat       string   `json:"output_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	got := make(chan update, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg update
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv)), openai.WithTranscriptionModel("gpt-4o-transcribe")).
		Connect(context.Background(), live.SessionConfig{
			Instructions:       "Keep transmissions short.",
			Voice:              "ash",
			InputTranscription: true,
		}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	msg := wait(t, got, "session.update")
	if msg.Type != "session.update" {
		t.Errorf("type = %q, want %q", msg.Type, "session.update")
	}
	if msg.Session.Voice != "ash" {
		t.Errorf("voice = %q, want %q", msg.Session.Voice, "ash")
	}
	if msg.Session.Instructions != "Keep transmissions short." {
		t.Errorf("instructions = %q", msg.Session.Instructions)
	}
	if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16/pcm16", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
	}
	if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model != "gpt-4o-transcribe" {
		t.Errorf("input_audio_transcription = %+v, want model gpt-4o-transcribe", msg.Session.InputAudioTranscription)
	}
}

func TestOnOpen_AfterSessionUpdated(t *testing.T) {
	t.Parallel()
	proceed := make(chan struct{})
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-proceed
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-rec.opened:
		t.Fatal("OnOpen fired before the server acknowledged the session")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)
	wait(t, rec.opened, "OnOpen")

	select {
	case <-rec.opened:
		t.Error("OnOpen fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAudio_ResamplesTo24kHz(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 2)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		for range 2 {
			var msg appendMsg
			readJSON(t, conn, &msg)
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	// Two 16 kHz samples become three at 24 kHz.
	in := pcm16(100, 200)
	if err := sess.SendAudio(audio.WireChunk{Data: in, MIMEType: audio.PCMMIMEType(16000)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg := wait(t, got, "append")
	if msg.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q, want %q", msg.Type, "input_audio_buffer.append")
	}
	raw, _ := base64.StdEncoding.DecodeString(msg.Audio)
	if len(raw) != 6 {
		t.Errorf("resampled payload = %d bytes, want 6", len(raw))
	}

	// A chunk already at 24 kHz passes through untouched.
	native := pcm16(1, 2, 3)
	if err := sess.SendAudio(audio.WireChunk{Data: native, MIMEType: audio.PCMMIMEType(24000), SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg = wait(t, got, "append")
	if msg.Audio != base64.StdEncoding.EncodeToString(native) {
		t.Errorf("audio = %q, want unchanged payload", msg.Audio)
	}
}

func TestSendAudio_AfterClose(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio(audio.WireChunk{Data: pcm16(1)}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestReceive_MapsServerEvents(t *testing.T) {
	t.Parallel()

	delta := base64.StdEncoding.EncodeToString(pcm16(5, 6))
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": delta})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Ro"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "transcript": "Roger."})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Base, come in."})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wait(t, rec.opened, "OnOpen")

	m := wait(t, rec.messages, "audio message")
	if len(m.Audio) != 1 || m.Audio[0].Data != delta {
		t.Fatalf("audio = %+v, want one chunk with the delta", m.Audio)
	}
	if m.Audio[0].MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("MIMEType = %q, want %q", m.Audio[0].MIMEType, "audio/pcm;rate=24000")
	}

	// Transcript deltas are not forwarded; only the completed transcript is.
	if m := wait(t, rec.messages, "output transcription"); m.OutputTranscription != "Roger." {
		t.Errorf("OutputTranscription = %q, want %q", m.OutputTranscription, "Roger.")
	}
	if m := wait(t, rec.messages, "input transcription"); m.InputTranscription != "Base, come in." {
		t.Errorf("InputTranscription = %q, want %q", m.InputTranscription, "Base, come in.")
	}
	if m := wait(t, rec.messages, "interruption"); !m.Interrupted {
		t.Error("expected Interrupted on speech_started")
	}
	if m := wait(t, rec.messages, "turn complete"); !m.TurnComplete {
		t.Error("expected TurnComplete on response.done")
	}
}

func TestErrorEvent_ReachesOnError(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "code": "invalid_api_key", "message": "bad key"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	got := wait(t, rec.errs, "OnError")
	if !strings.Contains(got.Error(), "bad key") || !strings.Contains(got.Error(), "invalid_api_key") {
		t.Errorf("error = %v, want code and message", got)
	}
}

func TestAbnormalClose_ErrorThenClose(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		conn.Close(websocket.StatusInternalError, "boom")
	})

	rec := newRecorder()
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wait(t, rec.closed, "OnClose")
	order := rec.snapshot()
	want := []string{"open", "error", "close"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("callback order = %v, want %v", order, want)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := sess.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	wait(t, rec.closed, "OnClose")
	select {
	case <-rec.closed:
		t.Error("OnClose fired twice")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case err := <-rec.errs:
		t.Errorf("unexpected OnError after local close: %v", err)
	default:
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	called := false
	_, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).
		Connect(context.Background(), live.SessionConfig{}, live.Callbacks{
			OnClose: func() { called = true },
		})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if called {
		t.Error("OnClose fired for a session that never opened")
	}
}
