// Package mock provides in-memory implementations of the [audio.Platform],
// [audio.CaptureStream], and [audio.OutputContext] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. The output context runs on
// a manual clock: nothing plays until the test calls [OutputContext.Advance].
//
// Typical usage:
//
//	p := &mock.Platform{}
//	engine := radio.New(p, provider, cfg)
//	...
//	p.LastInput().Emit(audio.CaptureFrame{Samples: make([]float32, 4096), SampleRate: 16000})
//	p.LastOutput().Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
)

// ErrClosed is returned by [OutputContext.Schedule] after Close.
var ErrClosed = errors.New("mock: output context closed")

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Use
// [CaptureStream.Emit] to simulate the hardware delivering a block.
type CaptureStream struct {
	mu sync.Mutex
	cb func(audio.CaptureFrame)

	// CallCountAttach records how many times Attach was called.
	CallCountAttach int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Attach implements [audio.CaptureStream].
func (s *CaptureStream) Attach(cb func(audio.CaptureFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountAttach++
	s.cb = cb
}

// Close implements [audio.CaptureStream]. After Close, Emit delivers nothing.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.cb = nil
	return nil
}

// Emit invokes the attached callback with frame on the calling goroutine and
// reports whether a callback was attached.
func (s *CaptureStream) Emit(frame audio.CaptureFrame) bool {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Attached reports whether a callback is currently attached.
func (s *CaptureStream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb != nil
}

// Closed reports whether Close has been called at least once.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// Voice is a buffer scheduled on a mock [OutputContext].
type Voice struct {
	ctx *OutputContext

	// Buffer, Start and Gain are the arguments Schedule was called with.
	Buffer audio.Buffer
	Start  time.Duration
	Gain   float64

	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice completed naturally.
func (v *Voice) Ended() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.ended
}

// OutputContext is a mock implementation of [audio.OutputContext] driven by a
// manual clock.
type OutputContext struct {
	mu     sync.Mutex
	format audio.Format
	now    time.Duration
	voices []*Voice
	closed bool

	// ScheduleError, when non-nil, is returned by Schedule.
	ScheduleError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputContext returns an OutputContext at format with its clock at zero.
func NewOutputContext(format audio.Format) *OutputContext {
	return &OutputContext{format: format}
}

// Format implements [audio.OutputContext].
func (o *OutputContext) Format() audio.Format {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.format
}

// Now implements [audio.OutputContext].
func (o *OutputContext) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.OutputContext]. It records the voice; it ends
// once the clock passes max(at, Now()) + buf.Duration().
func (o *OutputContext) Schedule(buf audio.Buffer, at time.Duration, gain float64, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	if o.closed {
		return nil, ErrClosed
	}
	v := &Voice{ctx: o, Buffer: buf, Start: max(at, o.now), Gain: gain, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v, nil
}

// Close implements [audio.OutputContext].
func (o *OutputContext) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	for _, v := range o.voices {
		if !v.ended {
			v.stopped = true
		}
	}
	return nil
}

// Closed reports whether Close has been called at least once.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// SetNow moves the clock to d without completing any voice. Use it to
// simulate a pipeline that fell behind.
func (o *OutputContext) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d and invokes, on the calling goroutine
// and in schedule order, the onEnded callback of every voice that finished.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []func()
	for _, v := range o.voices {
		if v.stopped || v.ended || v.Start+v.Buffer.Duration() > o.now {
			continue
		}
		v.ended = true
		if v.onEnded != nil {
			ended = append(ended, v.onEnded)
		}
	}
	o.mu.Unlock()
	for _, fn := range ended {
		fn()
	}
}

// Voices returns a snapshot of every voice scheduled so far, in schedule
// order.
func (o *OutputContext) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Platform.OpenInput] call.
type OpenInputCall struct {
	Format    audio.Format
	BlockSize int
}

// Platform is a mock implementation of [audio.Platform]. Each successful
// open returns a fresh mock stream or context.
type Platform struct {
	mu sync.Mutex

	// InputError, when non-nil, is returned by OpenInput.
	InputError error

	// OutputError, when non-nil, is returned by OpenOutput.
	OutputError error

	// OpenInputCalls records the arguments of every OpenInput call.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records the format of every OpenOutput call.
	OpenOutputCalls []audio.Format

	inputs  []*CaptureStream
	outputs []*OutputContext
}

// OpenInput implements [audio.InputDevice].
func (p *Platform) OpenInput(_ context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenInputCalls = append(p.OpenInputCalls, OpenInputCall{Format: format, BlockSize: blockSize})
	if p.InputError != nil {
		return nil, p.InputError
	}
	s := &CaptureStream{}
	p.inputs = append(p.inputs, s)
	return s, nil
}

// OpenOutput implements [audio.OutputDevice].
func (p *Platform) OpenOutput(_ context.Context, format audio.Format) (audio.OutputContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenOutputCalls = append(p.OpenOutputCalls, format)
	if p.OutputError != nil {
		return nil, p.OutputError
	}
	o := NewOutputContext(format)
	p.outputs = append(p.outputs, o)
	return o, nil
}

// Inputs returns every capture stream opened so far.
func (p *Platform) Inputs() []*CaptureStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*CaptureStream, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// Outputs returns every output context opened so far.
func (p *Platform) Outputs() []*OutputContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*OutputContext, len(p.outputs))
	copy(out, p.outputs)
	return out
}

// LastInput returns the most recently opened capture stream, or nil.
func (p *Platform) LastInput() *CaptureStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[len(p.inputs)-1]
}

// LastOutput returns the most recently opened output context, or nil.
func (p *Platform) LastOutput() *OutputContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outputs) == 0 {
		return nil
	}
	return p.outputs[len(p.outputs)-1]
}

// Compile-time interface assertions.
var (
	_ audio.Platform      = (*Platform)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
	_ audio.Voice         = (*Voice)(nil)
)
