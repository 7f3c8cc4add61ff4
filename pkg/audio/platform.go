// Package audio defines the device boundaries, frame and buffer types, and
// the wire codec used by the VoxWave session engine.
//
// The two device abstractions are:
//
//   - [InputDevice] opens a [CaptureStream] that delivers fixed-size blocks of
//     microphone samples to a single attached callback at the hardware's
//     cadence.
//   - [OutputDevice] opens an [OutputContext] that exposes a monotonic clock
//     and accepts buffers scheduled at arbitrary future instants on that
//     clock.
//
// Implementations live in adapter packages (audio/ffmpeg for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// engine stays decoupled from the device backend.
//
// This package lives under pkg/ because external code is expected to
// implement [Platform] for other audio backends.
package audio

import (
	"context"
	"time"
)

// CaptureStream is an open microphone stream.
//
// Implementations must be safe for concurrent use.
type CaptureStream interface {
	// Attach registers cb as the per-block callback. Only one callback is
	// active at a time; a later call replaces the earlier one. Attaching nil
	// detaches. The callback runs on the device's goroutine and must not
	// block.
	Attach(cb func(CaptureFrame))

	// Close stops capture and releases the device. It is safe to call Close
	// more than once.
	Close() error
}

// InputDevice acquires microphone capture streams.
type InputDevice interface {
	// OpenInput acquires the microphone and starts a capture stream at the
	// requested format, delivering blocks of blockSize samples.
	OpenInput(ctx context.Context, format Format, blockSize int) (CaptureStream, error)
}

// Voice is a single buffer scheduled on an [OutputContext].
type Voice interface {
	// Stop silences the voice immediately. The onEnded callback passed to
	// [OutputContext.Schedule] is not invoked for stopped voices. Stop is
	// idempotent.
	Stop()
}

// OutputContext is an open playback context with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// Format returns the sample format buffers must be supplied in.
	Format() Format

	// Now returns the context's current playback position. It never
	// decreases.
	Now() time.Duration

	// Schedule plays buf starting at the given instant on the context clock,
	// attenuated by gain (1.0 = unity). onEnded is invoked exactly once when
	// the buffer finishes playing naturally; it runs on an internal goroutine
	// and must not block. An instant in the past starts playback immediately.
	Schedule(buf Buffer, at time.Duration, gain float64, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device. It is safe to call
	// Close more than once.
	Close() error
}

// OutputDevice acquires playback contexts.
type OutputDevice interface {
	// OpenOutput acquires the speaker and returns a playback context running
	// at the requested format.
	OpenOutput(ctx context.Context, format Format) (OutputContext, error)
}

// Platform bundles the input and output side of one audio backend.
type Platform interface {
	InputDevice
	OutputDevice
}
