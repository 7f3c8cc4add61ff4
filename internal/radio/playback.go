package radio

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
)

// playbackHandle is one scheduled buffer that has not finished yet.
type playbackHandle struct {
	voice    audio.Voice
	start    time.Duration
	duration time.Duration
}

// decoded is a finished decode waiting for its turn.
type decoded struct {
	buf audio.Buffer
	err error
}

// Scheduler is the playback scheduler. It places decoded buffers back to
// back on the output clock, releases them strictly in the order their chunks
// were received, and tracks the active playback set.
//
// Chunks are numbered by [Scheduler.Receive] as they arrive. Decodes may
// finish in any order; [Scheduler.Deliver] parks early results until every
// earlier sequence number has been scheduled or dropped.
//
// A Scheduler is owned by the engine loop and is not safe for concurrent
// use. The onEnded hook is invoked on the output device's goroutine and must
// hand the id back to the loop, which then calls [Scheduler.Ended].
type Scheduler struct {
	out     audio.OutputContext
	onEnded func(id uint64)

	nextStart time.Duration
	active    map[uint64]*playbackHandle
	nextID    uint64

	received uint64
	released uint64
	ready    map[uint64]decoded
}

// NewScheduler returns a Scheduler that plays on out.
func NewScheduler(out audio.OutputContext, onEnded func(id uint64)) *Scheduler {
	return &Scheduler{
		out:     out,
		onEnded: onEnded,
		active:  make(map[uint64]*playbackHandle),
		ready:   make(map[uint64]decoded),
	}
}

// Receive registers an inbound chunk and returns its sequence number.
// [Scheduler.Receiving] is true from this point on.
func (s *Scheduler) Receive() uint64 {
	seq := s.received
	s.received++
	return seq
}

// Deliver hands over the decode result for seq. Results for sequence
// numbers discarded by a flush are ignored. Every buffer that becomes
// releasable is scheduled with gain. It returns the number of buffers
// scheduled and the errors of chunks that were dropped.
func (s *Scheduler) Deliver(seq uint64, buf audio.Buffer, err error, gain float64) (int, []error) {
	if seq < s.released || seq >= s.received {
		return 0, nil
	}
	s.ready[seq] = decoded{buf: buf, err: err}

	var (
		scheduled int
		errs      []error
	)
	for {
		d, ok := s.ready[s.released]
		if !ok {
			break
		}
		delete(s.ready, s.released)
		s.released++

		if d.err != nil {
			errs = append(errs, d.err)
			continue
		}
		if err := s.schedule(d.buf, gain); err != nil {
			errs = append(errs, err)
			continue
		}
		scheduled++
	}
	return scheduled, errs
}

func (s *Scheduler) schedule(buf audio.Buffer, gain float64) error {
	dur := buf.Duration()
	if dur <= 0 {
		return nil
	}
	start := max(s.nextStart, s.out.Now())

	id := s.nextID
	s.nextID++
	voice, err := s.out.Schedule(buf, start, gain, func() {
		if s.onEnded != nil {
			s.onEnded(id)
		}
	})
	if err != nil {
		return fmt.Errorf("radio: schedule playback: %w", err)
	}
	s.active[id] = &playbackHandle{voice: voice, start: start, duration: dur}
	s.nextStart = start + dur
	return nil
}

// Ended removes a naturally finished handle from the active set. Unknown ids,
// e.g. from handles already flushed, are ignored. It reports whether the
// handle was active.
func (s *Scheduler) Ended(id uint64) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Flush stops every active handle, discards all chunks still waiting for
// decode, and resets the timeline cursor to zero. It returns the number of
// handles stopped.
func (s *Scheduler) Flush() int {
	n := len(s.active)
	for id, h := range s.active {
		h.voice.Stop()
		delete(s.active, id)
	}
	clear(s.ready)
	s.released = s.received
	s.nextStart = 0
	return n
}

// Receiving reports whether audio is playing or still on its way: the
// active set is non-empty or some received chunk is not yet scheduled.
func (s *Scheduler) Receiving() bool {
	return len(s.active) > 0 || s.released < s.received
}

// NextStart returns the timeline cursor.
func (s *Scheduler) NextStart() time.Duration { return s.nextStart }

// Active returns the size of the active playback set.
func (s *Scheduler) Active() int { return len(s.active) }

// Pending returns the number of received chunks not yet scheduled or
// dropped.
func (s *Scheduler) Pending() int { return int(s.received - s.released) }
