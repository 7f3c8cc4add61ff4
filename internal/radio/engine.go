// Package radio implements the live audio session engine: the connection
// lifecycle, the transmission gate, the playback scheduler and the
// transcription log.
//
// All engine state is owned by a single goroutine started with [Engine.Run].
// Operator input, capture frames, remote callbacks, decode completions and
// playback completions are posted to that goroutine as events and handled
// one at a time, so none of the state needs locking. Observers read the
// latest immutable [Snapshot] through [Engine.Snapshot] or
// [Engine.Subscribe].
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxwave/internal/observe"
	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
)

const (
	// DefaultReconnectDelay is the grace period between tearing a session
	// down for a configuration change and opening the next one.
	DefaultReconnectDelay = 500 * time.Millisecond

	defaultEventQueue = 256
	defaultSendQueue  = 32
)

var (
	// ErrConnectTimeout is reported when the remote side does not
	// acknowledge a session within the configured connect timeout.
	ErrConnectTimeout = errors.New("radio: timed out waiting for session acknowledgement")

	// ErrAlreadyRunning is returned by a second call to [Engine.Run].
	ErrAlreadyRunning = errors.New("radio: engine already running")
)

// Decoder turns inbound encoded chunks into playable buffers. *audio.Codec
// satisfies it.
type Decoder interface {
	Decode(chunk audio.EncodedChunk) (audio.Buffer, error)
}

// SessionSettings are the remote session parameters that are not part of the
// operator configuration.
type SessionSettings struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice. Empty uses [DefaultVoice].
	Voice string

	// Instructions is a text/template for the system instruction. Empty uses
	// [DefaultInstructions].
	Instructions string
}

// Options configures an [Engine].
type Options struct {
	// Provider opens remote sessions. Required.
	Provider live.Provider

	// ProviderName labels logs and metrics.
	ProviderName string

	// Devices supplies the microphone and the output device. Required.
	Devices audio.Platform

	// Decoder overrides the codec used for inbound chunks.
	Decoder Decoder

	// Configuration is the power-on configuration. Zero uses
	// [DefaultConfiguration].
	Configuration Configuration

	// Frequencies is the channel plan. Empty uses [DefaultFrequencies].
	Frequencies []float64

	Session SessionSettings

	// TranscriptLines bounds the transcription log. Zero uses
	// [DefaultTranscriptLines].
	TranscriptLines int

	// ReconnectDelay is the pause before reopening a session after a
	// configuration change. Zero uses [DefaultReconnectDelay].
	ReconnectDelay time.Duration

	// ConnectTimeout bounds the CONNECTING state. Zero waits indefinitely.
	ConnectTimeout time.Duration

	// InputFormat and OutputFormat are the device formats. Zero values use
	// 16 kHz mono and 24 kHz mono.
	InputFormat  audio.Format
	OutputFormat audio.Format

	// BlockSize is the number of samples per capture frame. Zero uses
	// [audio.DefaultBlockSize].
	BlockSize int

	// SendQueue bounds the outbound chunk queue. Zero uses 32.
	SendQueue int

	// Metrics records engine metrics. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine is the live audio session engine.
//
// Operator methods post an event and return immediately; their effect is
// visible in the next snapshot. All methods are safe for concurrent use.
type Engine struct {
	provider     live.Provider
	providerName string
	devices      audio.Platform
	codec        *audio.Codec
	decoder      Decoder
	frequencies  []float64
	inputFormat  audio.Format
	outputFormat audio.Format
	blockSize    int
	sendQueue    int
	reconnDelay  time.Duration
	connTimeout  time.Duration
	metrics      *observe.Metrics

	events   chan func()
	quit     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	quitOnce sync.Once
	running  atomic.Bool
	wg       sync.WaitGroup

	// Playback completions arrive on the output device's goroutine, which
	// must never wait for the loop. They queue here instead of in events.
	endedMu  sync.Mutex
	ended    []playbackEnd
	endedSig chan struct{}

	snap   atomic.Pointer[Snapshot]
	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}

	// Loop-owned state below.
	runCtx     context.Context
	state      ConnectionState
	cfg        Configuration
	session    SessionSettings
	prompt     *Prompt
	gate       *Gate
	transcript *TranscriptLog
	slot       *slot
	epoch      uint64
	lastErr    *ErrorInfo
	dirty      bool

	reconnectTimer *time.Timer
	reconnectGen   uint64
}

// New validates opts and returns an Engine in the DISCONNECTED state.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, errors.New("radio: provider is required")
	}
	if opts.Devices == nil {
		return nil, errors.New("radio: audio devices are required")
	}

	frequencies := opts.Frequencies
	if len(frequencies) == 0 {
		frequencies = DefaultFrequencies
	}
	cfg := opts.Configuration
	if cfg == (Configuration{}) {
		cfg = DefaultConfiguration()
		cfg.Frequency = frequencies[0]
	}
	if err := cfg.Validate(frequencies); err != nil {
		return nil, err
	}
	prompt, err := NewPrompt(opts.Session.Instructions)
	if err != nil {
		return nil, err
	}

	inputFormat := opts.InputFormat
	if inputFormat.SampleRate == 0 {
		inputFormat = audio.Format{SampleRate: audio.DefaultInputSampleRate, Channels: 1}
	}
	outputFormat := opts.OutputFormat
	if outputFormat.SampleRate == 0 {
		outputFormat = audio.Format{SampleRate: audio.DefaultOutputSampleRate, Channels: 1}
	}
	wireFormat := opts.Provider.Capabilities().InputFormat
	if wireFormat.SampleRate == 0 {
		wireFormat = audio.Format{SampleRate: audio.DefaultInputSampleRate, Channels: 1}
	}
	codec := audio.NewCodec(wireFormat, outputFormat)
	var decoder Decoder = codec
	if opts.Decoder != nil {
		decoder = opts.Decoder
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	e := &Engine{
		provider:     opts.Provider,
		providerName: opts.ProviderName,
		devices:      opts.Devices,
		codec:        codec,
		decoder:      decoder,
		frequencies:  frequencies,
		inputFormat:  inputFormat,
		outputFormat: outputFormat,
		blockSize:    cmpOr(opts.BlockSize, audio.DefaultBlockSize),
		sendQueue:    cmpOr(opts.SendQueue, defaultSendQueue),
		reconnDelay:  cmpOr(opts.ReconnectDelay, DefaultReconnectDelay),
		connTimeout:  opts.ConnectTimeout,
		metrics:      metrics,

		events:   make(chan func(), defaultEventQueue),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		endedSig: make(chan struct{}, 1),
		subs:     make(map[chan Snapshot]struct{}),

		runCtx:     context.Background(),
		state:      StateDisconnected,
		cfg:        cfg,
		session:    opts.Session,
		prompt:     prompt,
		gate:       NewGate(cfg.Mode),
		transcript: NewTranscriptLog(opts.TranscriptLines),
	}
	e.snap.Store(e.buildSnapshot())
	return e, nil
}

func cmpOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

// Run drives the engine until ctx is cancelled or [Engine.Close] is called.
// On exit it closes the session, then releases the capture stream and the
// output device, and waits for every helper goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runCtx = ctx

	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.quit:
			return nil
		case fn := <-e.events:
			fn()
		case <-e.endedSig:
			e.drainEnded()
		}
		if e.dirty {
			e.dirty = false
			e.publish()
		}
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	e.cancelReconnect()
	if e.slot != nil {
		e.releaseSlot()
	}
	e.setState(StateDisconnected)
	e.wg.Wait()
	e.publish()

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		close(ch)
		delete(e.subs, ch)
	}
	close(e.stopped)
}

// Close stops the loop and waits for teardown. It is safe to call more than
// once and before Run.
func (e *Engine) Close() error {
	e.quitOnce.Do(func() { close(e.quit) })
	if e.running.Load() {
		<-e.stopped
	}
	return nil
}

// post queues fn for the loop. It reports false once the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// tryPost queues fn without blocking and reports whether it was queued.
func (e *Engine) tryPost(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	default:
		return false
	}
}

// ─── Observable state ─────────────────────────────────────────────────────────

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. Slow readers only see the latest snapshot. The channel is
// closed when the engine stops or cancel is called.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- e.Snapshot()

	e.subsMu.Lock()
	select {
	case <-e.stopped:
		e.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
		})
	}
}

// Frequencies returns the channel plan.
func (e *Engine) Frequencies() []float64 {
	return append([]float64(nil), e.frequencies...)
}

func (e *Engine) buildSnapshot() *Snapshot {
	cfg := e.cfg
	cfg.Mode = e.gate.Mode()
	s := &Snapshot{
		State:            e.state,
		Configuration:    cfg,
		Transmitting:     e.gate.Transmitting(),
		Receiving:        e.slot.receiving(),
		Transcript:       e.transcript.Lines(),
		Epoch:            e.epoch,
		ReconnectPending: e.reconnectTimer != nil,
	}
	if e.slot != nil {
		s.SessionID = e.slot.id
	}
	if e.lastErr != nil {
		errInfo := *e.lastErr
		s.LastError = &errInfo
	}
	return s
}

func (e *Engine) publish() {
	snap := e.buildSnapshot()
	e.snap.Store(snap)

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- *snap:
		default:
			// Latest wins: replace the unread snapshot.
			select {
			case <-ch:
			default:
			}
			ch <- *snap
		}
	}
}

func (e *Engine) setState(s ConnectionState) {
	if e.state == s {
		return
	}
	slog.Info("radio: state changed", "from", e.state, "to", s, "epoch", e.epoch)
	e.state = s
	e.dirty = true
	e.metrics.RecordStateTransition(context.Background(), s.String())
}

func (e *Engine) recordError(kind ErrorKind, err error) {
	e.lastErr = &ErrorInfo{Kind: kind, Message: err.Error(), At: time.Now()}
	e.dirty = true
	e.metrics.RecordProviderError(context.Background(), e.providerName, string(kind))
}

// ─── Operator input ───────────────────────────────────────────────────────────

// Connect opens a session unless one already exists.
func (e *Engine) Connect() { e.post(e.connect) }

// Disconnect closes the current session, if any, and cancels a pending
// reconnect.
func (e *Engine) Disconnect() { e.post(e.disconnect) }

// TogglePower connects when there is no session and disconnects otherwise.
func (e *Engine) TogglePower() {
	e.post(func() {
		if e.slot == nil && e.reconnectTimer == nil {
			e.connect()
			return
		}
		e.disconnect()
	})
}

// PTTDown records a push-to-talk press. The key stays held across
// connects and reconnects; frames are only sent while a session is live.
func (e *Engine) PTTDown() {
	e.post(func() {
		e.gate.PressPTT(e.live())
		e.dirty = true
	})
}

// PTTUp records a push-to-talk release.
func (e *Engine) PTTUp() {
	e.post(func() {
		e.gate.ReleasePTT()
		e.dirty = true
	})
}

// ToggleMode switches between push-to-talk and open mic.
func (e *Engine) ToggleMode() {
	e.post(func() {
		cfg := e.cfg
		if e.gate.Mode() == ModePushToTalk {
			cfg.Mode = ModeOpenMic
		} else {
			cfg.Mode = ModePushToTalk
		}
		e.applyConfiguration(cfg)
	})
}

// SetVolume sets the playback level for buffers scheduled from now on.
func (e *Engine) SetVolume(v int) error {
	if err := validateLevel("volume", v); err != nil {
		return err
	}
	e.post(func() {
		cfg := e.cfg
		cfg.Volume = v
		e.applyConfiguration(cfg)
	})
	return nil
}

// SetSquelch sets the squelch level.
func (e *Engine) SetSquelch(v int) error {
	if err := validateLevel("squelch", v); err != nil {
		return err
	}
	e.post(func() {
		cfg := e.cfg
		cfg.Squelch = v
		e.applyConfiguration(cfg)
	})
	return nil
}

// CycleFrequency tunes to the next channel and, when a session exists,
// reconnects with instructions for the new frequency.
func (e *Engine) CycleFrequency() {
	e.post(func() {
		cfg := e.cfg
		cfg.Frequency = NextFrequency(e.frequencies, cfg.Frequency)
		e.applyConfiguration(cfg)
	})
}

// UpdateConfiguration replaces the whole configuration. Changes that alter
// the session instructions reconnect an existing session.
func (e *Engine) UpdateConfiguration(cfg Configuration) error {
	if err := cfg.Validate(e.frequencies); err != nil {
		return err
	}
	e.post(func() { e.applyConfiguration(cfg) })
	return nil
}

// UpdateSession replaces the session settings. An existing session is
// reconnected when the model, voice or rendered instructions change.
func (e *Engine) UpdateSession(settings SessionSettings) error {
	prompt, err := NewPrompt(settings.Instructions)
	if err != nil {
		return err
	}
	e.post(func() {
		changed := settings.Model != e.session.Model || settings.Voice != e.session.Voice
		e.session = settings
		e.prompt = prompt
		e.dirty = true
		if changed || e.instructionsChanged() {
			e.reconnectWithNewConfiguration()
		}
	})
	return nil
}

func (e *Engine) applyConfiguration(cfg Configuration) {
	prev := e.cfg
	e.cfg = cfg
	e.gate.SetMode(cfg.Mode)
	e.dirty = true

	if cfg.Frequency != prev.Frequency || e.instructionsChanged() {
		slog.Info("radio: configuration affects the session",
			"frequency", FormatFrequency(cfg.Frequency), "mode", cfg.Mode)
		e.reconnectWithNewConfiguration()
	}
}

// instructionsChanged reports whether the current slot was opened with other
// instructions than the current configuration renders.
func (e *Engine) instructionsChanged() bool {
	if e.slot == nil {
		return false
	}
	text, err := e.prompt.Render(e.cfg)
	return err != nil || text != e.slot.instructions
}

func (e *Engine) live() bool {
	return e.state == StateConnected && e.slot.live()
}

func (e *Engine) gain() float64 {
	return float64(e.cfg.Volume) / 100
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func (e *Engine) connect() {
	if e.slot != nil {
		return
	}
	e.cancelReconnect()

	e.epoch++
	ctx, cancel := context.WithCancel(e.runCtx)
	s := &slot{
		epoch:     e.epoch,
		id:        uuid.NewString(),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	e.slot = s
	e.setState(StateConnecting)
	e.dirty = true

	instructions, err := e.prompt.Render(e.cfg)
	if err != nil {
		e.failSlot(KindSessionOpen, err)
		return
	}
	s.instructions = instructions

	voice := e.session.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	cfg := live.SessionConfig{
		Model:               e.session.Model,
		Instructions:        instructions,
		Voice:               voice,
		InputTranscription:  true,
		OutputTranscription: true,
	}

	if e.connTimeout > 0 {
		epoch := s.epoch
		s.timeout = time.AfterFunc(e.connTimeout, func() {
			e.post(func() { e.connectTimedOut(epoch) })
		})
	}

	slog.Info("radio: connecting",
		"session_id", s.id,
		"epoch", s.epoch,
		"provider", e.providerName,
		"frequency", FormatFrequency(e.cfg.Frequency),
	)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.open(ctx, s.epoch, s.id, cfg)
	}()
}

// open acquires the devices and opens the remote session. It runs on its own
// goroutine and reports every step back to the loop.
func (e *Engine) open(ctx context.Context, epoch uint64, id string, cfg live.SessionConfig) {
	ctx = observe.WithSession(ctx, id)
	ctx, span := observe.StartSpan(ctx, "radio.connect",
		attribute.String("provider", e.providerName),
		attribute.Int64("epoch", int64(epoch)),
	)

	fail := func(kind ErrorKind, err error) {
		observe.Logger(ctx).Debug("radio: open step failed", "kind", kind, "err", err)
		observe.EndSpan(span, err)
		e.post(func() { e.openFailed(epoch, kind, err) })
	}

	in, err := e.devices.OpenInput(ctx, e.inputFormat, e.blockSize)
	if err != nil {
		fail(KindDeviceAcquisition, fmt.Errorf("open input: %w", err))
		return
	}
	out, err := e.devices.OpenOutput(ctx, e.outputFormat)
	if err != nil {
		in.Close()
		fail(KindDeviceAcquisition, fmt.Errorf("open output: %w", err))
		return
	}
	// Devices reach the loop before any remote callback can.
	if !e.post(func() { e.devicesReady(epoch, in, out) }) {
		in.Close()
		out.Close()
		observe.EndSpan(span, nil)
		return
	}

	handle, err := e.provider.Connect(ctx, cfg, e.callbacks(epoch))
	if err != nil {
		fail(KindSessionOpen, err)
		return
	}
	observe.EndSpan(span, nil)
	if !e.post(func() { e.sessionReady(epoch, handle) }) {
		handle.Close()
	}
}

func (e *Engine) callbacks(epoch uint64) live.Callbacks {
	return live.Callbacks{
		OnOpen:    func() { e.post(func() { e.onOpen(epoch) }) },
		OnMessage: func(m live.Message) { e.post(func() { e.onMessage(epoch, m) }) },
		OnError:   func(err error) { e.post(func() { e.onRemoteError(epoch, err) }) },
		OnClose:   func() { e.post(func() { e.onClose(epoch) }) },
	}
}

// current returns the slot if it belongs to epoch.
func (e *Engine) current(epoch uint64) *slot {
	if e.slot == nil || e.slot.epoch != epoch {
		return nil
	}
	return e.slot
}

func (e *Engine) devicesReady(epoch uint64, in audio.CaptureStream, out audio.OutputContext) {
	s := e.current(epoch)
	if s == nil {
		e.release(nil, in, out)
		return
	}
	s.input = in
	s.output = out
	s.sched = NewScheduler(out, func(id uint64) { e.notifyEnded(epoch, id) })
}

func (e *Engine) sessionReady(epoch uint64, handle live.Session) {
	s := e.current(epoch)
	if s == nil {
		e.release(handle, nil, nil)
		return
	}
	s.handle = handle
	s.sender = startSender(handle, e.sendQueue, s.id, func(reason string) {
		e.metrics.RecordFrameDropped(context.Background(), reason)
	})
	e.dirty = true
	e.activate(s)
}

func (e *Engine) openFailed(epoch uint64, kind ErrorKind, err error) {
	if e.current(epoch) == nil {
		return
	}
	e.failSlot(kind, err)
}

func (e *Engine) connectTimedOut(epoch uint64) {
	s := e.current(epoch)
	if s == nil || s.opened {
		return
	}
	e.failSlot(KindSessionOpen, ErrConnectTimeout)
}

// failSlot tears the slot down and enters ERROR. Recovery is left to the
// operator.
func (e *Engine) failSlot(kind ErrorKind, err error) {
	err = wrapKind(err, kind)
	slog.Error("radio: session failed", "session_id", e.slot.id, "kind", kind, "err", err)
	e.releaseSlot()
	e.recordError(kind, err)
	e.setState(StateError)
}

func (e *Engine) onOpen(epoch uint64) {
	s := e.current(epoch)
	if s == nil || s.acked || e.state != StateConnecting {
		return
	}
	s.acked = true
	e.activate(s)
}

// activate enters CONNECTED once the remote side acknowledged the session
// and the handle returned by Connect reached the loop. Either may come
// first.
func (e *Engine) activate(s *slot) {
	if !s.acked || s.handle == nil || s.opened || e.state != StateConnecting {
		return
	}
	s.opened = true
	if s.timeout != nil {
		s.timeout.Stop()
	}
	e.lastErr = nil
	e.setState(StateConnected)
	e.metrics.ActiveSessions.Add(context.Background(), 1)
	e.metrics.ConnectDuration.Record(context.Background(), time.Since(s.startedAt).Seconds())
	slog.Info("radio: session open", "session_id", s.id, "epoch", s.epoch)

	// The callback reads the gate at every frame; it is bound once.
	s.input.Attach(func(frame audio.CaptureFrame) {
		e.metrics.FramesCaptured.Add(context.Background(), 1)
		if !e.tryPost(func() { e.onFrame(s.epoch, frame) }) {
			e.metrics.RecordFrameDropped(context.Background(), "queue_full")
		}
	})
}

func (e *Engine) onFrame(epoch uint64, frame audio.CaptureFrame) {
	s := e.current(epoch)
	if s == nil {
		return
	}
	was := e.gate.Transmitting()
	if e.gate.Evaluate(e.live()) {
		if s.sender.enqueue(e.codec.Encode(frame)) {
			e.metrics.FramesSent.Add(context.Background(), 1)
		} else {
			e.metrics.RecordFrameDropped(context.Background(), "send_backlog")
		}
	}
	if e.gate.Transmitting() != was {
		e.dirty = true
	}
}

func (e *Engine) onMessage(epoch uint64, m live.Message) {
	s := e.current(epoch)
	if s == nil || s.sched == nil {
		return
	}
	for _, chunk := range m.Audio {
		e.receiveChunk(s, chunk)
	}
	if e.transcript.Append(DirectionReceived, m.OutputTranscription) {
		e.dirty = true
	}
	if e.transcript.Append(DirectionSent, m.InputTranscription) {
		e.dirty = true
	}
	if m.Interrupted {
		n := s.sched.Flush()
		e.metrics.ActivePlayback.Add(context.Background(), int64(-n))
		e.metrics.Interruptions.Add(context.Background(), 1)
		slog.Debug("radio: interrupted", "session_id", s.id, "stopped", n)
		e.dirty = true
	}
}

// receiveChunk numbers the chunk and starts its decode. The result returns
// to the loop, where the scheduler restores arrival order.
func (e *Engine) receiveChunk(s *slot, chunk audio.EncodedChunk) {
	seq := s.sched.Receive()
	e.metrics.ChunksReceived.Add(context.Background(), 1)
	e.dirty = true

	epoch := s.epoch
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		start := time.Now()
		buf, err := e.decoder.Decode(chunk)
		e.metrics.DecodeDuration.Record(context.Background(), time.Since(start).Seconds())
		e.post(func() { e.onDecoded(epoch, seq, buf, err) })
	}()
}

func (e *Engine) onDecoded(epoch uint64, seq uint64, buf audio.Buffer, err error) {
	s := e.current(epoch)
	if s == nil {
		return
	}
	if err != nil {
		err = wrapKind(err, KindDecode)
	}
	n, errs := s.sched.Deliver(seq, buf, err, e.gain())
	e.metrics.ActivePlayback.Add(context.Background(), int64(n))
	for _, err := range errs {
		if KindOf(err) == KindDecode {
			e.metrics.DecodeFailures.Add(context.Background(), 1)
		}
		slog.Warn("radio: dropped inbound chunk", "session_id", s.id, "err", err)
	}
	e.dirty = true
}

type playbackEnd struct {
	epoch, id uint64
}

// notifyEnded queues a playback completion without blocking.
func (e *Engine) notifyEnded(epoch, id uint64) {
	e.endedMu.Lock()
	e.ended = append(e.ended, playbackEnd{epoch: epoch, id: id})
	e.endedMu.Unlock()
	select {
	case e.endedSig <- struct{}{}:
	default:
	}
}

func (e *Engine) drainEnded() {
	e.endedMu.Lock()
	batch := e.ended
	e.ended = nil
	e.endedMu.Unlock()
	for _, pe := range batch {
		e.onPlaybackEnded(pe.epoch, pe.id)
	}
}

func (e *Engine) onPlaybackEnded(epoch uint64, id uint64) {
	s := e.current(epoch)
	if s == nil || s.sched == nil {
		return
	}
	if s.sched.Ended(id) {
		e.metrics.ActivePlayback.Add(context.Background(), -1)
		e.dirty = true
	}
}

func (e *Engine) onRemoteError(epoch uint64, err error) {
	s := e.current(epoch)
	if s == nil {
		return
	}
	err = wrapKind(err, KindRemote)
	slog.Error("radio: remote error", "session_id", s.id, "err", err)
	e.gate.Reset()
	e.recordError(KindRemote, err)
	e.setState(StateError)
}

func (e *Engine) onClose(epoch uint64) {
	s := e.current(epoch)
	if s == nil {
		return
	}
	slog.Info("radio: session closed by remote", "session_id", s.id)
	e.releaseSlot()
	if e.state != StateError {
		e.setState(StateDisconnected)
	}
}

func (e *Engine) disconnect() {
	e.cancelReconnect()
	if e.slot == nil {
		return
	}
	slog.Info("radio: disconnecting", "session_id", e.slot.id)
	e.releaseSlot()
	e.setState(StateDisconnected)
}

// reconnectWithNewConfiguration drops the current session at once and opens
// a new one after the reconnect delay. Without a session it does nothing.
func (e *Engine) reconnectWithNewConfiguration() {
	if e.slot == nil {
		return
	}
	e.disconnect()

	e.reconnectGen++
	gen := e.reconnectGen
	e.reconnectTimer = time.AfterFunc(e.reconnDelay, func() {
		e.post(func() { e.reconnectFired(gen) })
	})
	e.dirty = true
}

func (e *Engine) reconnectFired(gen uint64) {
	if e.reconnectTimer == nil || gen != e.reconnectGen {
		return
	}
	e.reconnectTimer = nil
	e.connect()
}

func (e *Engine) cancelReconnect() {
	if e.reconnectTimer == nil {
		return
	}
	e.reconnectTimer.Stop()
	e.reconnectTimer = nil
	e.reconnectGen++
	e.dirty = true
}

// releaseSlot drops the slot immediately and releases its resources in the
// background: session first, then capture, then output.
func (e *Engine) releaseSlot() {
	s := e.slot
	e.slot = nil
	e.dirty = true

	s.cancel()
	if s.timeout != nil {
		s.timeout.Stop()
	}
	if s.sender != nil {
		s.sender.stop()
	}
	if s.sched != nil {
		n := s.sched.Flush()
		e.metrics.ActivePlayback.Add(context.Background(), int64(-n))
	}
	if s.opened {
		e.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	e.gate.Reset()
	e.release(s.handle, s.input, s.output)
}

func (e *Engine) release(handle live.Session, in audio.CaptureStream, out audio.OutputContext) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if handle != nil {
			if err := handle.Close(); err != nil {
				slog.Warn("radio: close session", "err", err)
			}
		}
		if in != nil {
			if err := in.Close(); err != nil {
				slog.Warn("radio: close capture stream", "err", err)
			}
		}
		if out != nil {
			if err := out.Close(); err != nil {
				slog.Warn("radio: close output device", "err", err)
			}
		}
	}()
}
