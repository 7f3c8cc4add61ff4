package radio

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
)

// slot is everything owned by one session epoch. A slot exists from the
// connect request until disconnect, open failure or remote close.
type slot struct {
	epoch     uint64
	id        string
	cancel    context.CancelFunc
	startedAt time.Time

	// instructions is the rendered system instruction the session was
	// opened with.
	instructions string

	input  audio.CaptureStream
	output audio.OutputContext
	sched  *Scheduler
	handle live.Session
	sender *sender

	// acked is set when the remote side acknowledged the session; opened
	// once the slot is fully usable and the state is CONNECTED.
	acked   bool
	opened  bool
	timeout *time.Timer
}

// live reports whether outbound audio can flow through this slot.
func (s *slot) live() bool {
	return s != nil && s.opened
}

// receiving reports whether the slot's scheduler has audio playing or
// pending.
func (s *slot) receiving() bool {
	return s != nil && s.sched != nil && s.sched.Receiving()
}

// sender moves outbound chunks off the engine loop. SendAudio may block on
// the network; the loop only ever enqueues without blocking.
type sender struct {
	ch   chan audio.WireChunk
	done chan struct{}
}

func startSender(sess live.Session, size int, sessionID string, onDrop func(reason string)) *sender {
	s := &sender{
		ch:   make(chan audio.WireChunk, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for chunk := range s.ch {
			err := sess.SendAudio(chunk)
			if err == nil {
				continue
			}
			onDrop("send_error")
			if errors.Is(err, live.ErrSessionClosed) {
				// Drain so the loop never sees a full queue for a dead session.
				for range s.ch {
				}
				return
			}
			slog.Debug("radio: send audio failed", "session_id", sessionID, "err", err)
		}
	}()
	return s
}

// enqueue hands chunk to the sender without blocking. It reports false when
// the queue is full.
func (s *sender) enqueue(chunk audio.WireChunk) bool {
	select {
	case s.ch <- chunk:
		return true
	default:
		return false
	}
}

// stop ends the sender after the queued chunks were attempted. It does not
// wait.
func (s *sender) stop() {
	close(s.ch)
}
