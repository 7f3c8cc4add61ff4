package mixer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputContext = (*Timeline)(nil)

var (
	// ErrClosed is returned by [Timeline.Schedule] after Close.
	ErrClosed = errors.New("mixer: timeline closed")

	// ErrFormatMismatch is returned when a buffer's format differs from the
	// timeline's.
	ErrFormatMismatch = errors.New("mixer: buffer format does not match timeline")
)

// defaultQueueCap is the initial capacity hint for the pending voice queue.
const defaultQueueCap = 16

// voice is one buffer placed on the timeline.
type voice struct {
	tl      *Timeline
	samples []float32
	frames  int64
	start   int64 // frame index on the timeline
	cursor  int64 // frames already rendered
	gain    float32
	onEnded func()
	seq     uint64
	stopped bool
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.tl.mu.Lock()
	v.stopped = true
	v.tl.mu.Unlock()
}

// Timeline is a software [audio.OutputContext]. Its clock is the number of
// frames rendered so far; callers drive it with [Timeline.Render] (directly
// or through [Timeline.Pump]).
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	pending voiceHeap
	active  []*voice
	seq     uint64
	closed  bool
}

// New creates a Timeline running at format. Channels defaults to mono.
func New(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	t := &Timeline{
		format:  format,
		pending: make(voiceHeap, 0, defaultQueueCap),
	}
	heap.Init(&t.pending)
	return t
}

// Format implements [audio.OutputContext].
func (t *Timeline) Format() audio.Format { return t.format }

// Now implements [audio.OutputContext]. It returns the duration of audio
// rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

// Schedule implements [audio.OutputContext]. at is rounded to the nearest
// frame; instants before the current position start at the current position.
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, gain float64, onEnded func()) (audio.Voice, error) {
	if buf.SampleRate != t.format.SampleRate || max(buf.Channels, 1) != t.format.Channels {
		return nil, fmt.Errorf("%w: got %dHz/%dch, want %dHz/%dch", ErrFormatMismatch,
			buf.SampleRate, buf.Channels, t.format.SampleRate, t.format.Channels)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	t.seq++
	v := &voice{
		tl:      t,
		samples: buf.Samples,
		frames:  int64(buf.Frames()),
		start:   max(t.timeFrame(at), t.pos),
		gain:    float32(gain),
		onEnded: onEnded,
		seq:     t.seq,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Render mixes the next n frames, advances the clock by n frames and returns
// the interleaved samples clamped to [-1, 1]. onEnded callbacks of voices
// that finished within the rendered span are invoked before Render returns,
// in start order.
func (t *Timeline) Render(n int) []float32 {
	ch := t.format.Channels
	out := make([]float32, n*ch)

	t.mu.Lock()
	end := t.pos + int64(n)
	for t.pending.Len() > 0 && t.pending[0].start < end {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	var ended []func()
	keep := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		for f := max(v.start-t.pos, 0); f < int64(n) && v.cursor < v.frames; f++ {
			for c := range ch {
				out[f*int64(ch)+int64(c)] += v.samples[v.cursor*int64(ch)+int64(c)] * v.gain
			}
			v.cursor++
		}
		if v.cursor >= v.frames {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		keep = append(keep, v)
	}
	clear(t.active[len(keep):])
	t.active = keep
	t.pos = end
	t.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	for _, fn := range ended {
		fn()
	}
	return out
}

// Pump renders audio in real time: every period it renders period's worth of
// frames and hands them to output as little-endian PCM16. It returns when ctx
// is cancelled, the timeline is closed, or output fails.
func (t *Timeline) Pump(ctx context.Context, period time.Duration, output func([]byte) error) error {
	n := int(t.timeFrame(period))
	if n <= 0 {
		return fmt.Errorf("mixer: period %v too short for %dHz", period, t.format.SampleRate)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if t.isClosed() {
			return nil
		}
		if err := output(audio.FloatToPCM16(t.Render(n))); err != nil {
			return fmt.Errorf("mixer: output: %w", err)
		}
	}
}

// Idle reports whether no voice is playing or pending.
func (t *Timeline) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len() == 0 && len(t.active) == 0
}

// Close stops every voice without invoking their callbacks. Close is
// idempotent and always returns nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, v := range t.pending {
		v.stopped = true
	}
	for _, v := range t.active {
		v.stopped = true
	}
	t.pending = t.pending[:0]
	t.active = nil
	return nil
}

func (t *Timeline) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// frameTime converts a frame index to a clock instant.
func (t *Timeline) frameTime(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(t.format.SampleRate)
}

// timeFrame converts a clock instant to the nearest frame index.
func (t *Timeline) timeFrame(d time.Duration) int64 {
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}
