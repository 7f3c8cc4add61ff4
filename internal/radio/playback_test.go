package radio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxwave/internal/radio"
	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/audio/mock"
)

// testRate keeps buffer durations readable: one sample is one millisecond.
const testRate = 1000

func bufferOf(d time.Duration) audio.Buffer {
	return audio.Buffer{
		Samples:    make([]float32, int(d/time.Millisecond)),
		SampleRate: testRate,
		Channels:   1,
	}
}

type schedulerFixture struct {
	out   *mock.OutputContext
	sched *radio.Scheduler
	ended []uint64
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{out: mock.NewOutputContext(audio.Format{SampleRate: testRate, Channels: 1})}
	// The mock fires onEnded on the test goroutine, so the hook can feed the
	// scheduler directly.
	f.sched = radio.NewScheduler(f.out, func(id uint64) {
		f.ended = append(f.ended, id)
		f.sched.Ended(id)
	})
	return f
}

func (f *schedulerFixture) starts() []time.Duration {
	var out []time.Duration
	for _, v := range f.out.Voices() {
		out = append(out, v.Start)
	}
	return out
}

func assertStarts(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("starts = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("start[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScheduler_GaplessBackToBack(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)
	f.out.SetNow(10 * time.Second)

	// Two half-second chunks arriving together at now=10s.
	s1 := f.sched.Receive()
	s2 := f.sched.Receive()
	f.sched.Deliver(s1, bufferOf(500*time.Millisecond), nil, 1)
	if got := f.sched.NextStart(); got != 10500*time.Millisecond {
		t.Errorf("cursor after first = %v, want 10.5s", got)
	}
	f.sched.Deliver(s2, bufferOf(500*time.Millisecond), nil, 1)
	if got := f.sched.NextStart(); got != 11*time.Second {
		t.Errorf("cursor after second = %v, want 11s", got)
	}
	assertStarts(t, f.starts(), []time.Duration{10 * time.Second, 10500 * time.Millisecond})
}

func TestScheduler_NeverSchedulesInThePast(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	f.sched.Deliver(f.sched.Receive(), bufferOf(100*time.Millisecond), nil, 1)
	// The pipeline fell behind: the clock is past the cursor.
	f.out.SetNow(2 * time.Second)
	f.sched.Deliver(f.sched.Receive(), bufferOf(100*time.Millisecond), nil, 1)

	assertStarts(t, f.starts(), []time.Duration{0, 2 * time.Second})
	if got := f.sched.NextStart(); got != 2100*time.Millisecond {
		t.Errorf("cursor = %v, want 2.1s", got)
	}
}

func TestScheduler_CursorMonotonic(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	durations := []time.Duration{30, 10, 50, 20, 40}
	clock := []time.Duration{0, 5, 100, 100, 300}
	prev := time.Duration(0)
	for i, d := range durations {
		f.out.SetNow(clock[i] * time.Millisecond)
		f.sched.Deliver(f.sched.Receive(), bufferOf(d*time.Millisecond), nil, 1)
		cur := f.sched.NextStart()
		if cur < prev {
			t.Fatalf("cursor went backwards: %v -> %v", prev, cur)
		}
		prev = cur
	}
}

func TestScheduler_FIFOWhenDecodesFinishOutOfOrder(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	c1 := f.sched.Receive()
	c2 := f.sched.Receive()
	c3 := f.sched.Receive()

	// C3 and C2 finish decoding before C1.
	if n, _ := f.sched.Deliver(c3, bufferOf(30*time.Millisecond), nil, 1); n != 0 {
		t.Errorf("scheduled %d buffers before C1 was decoded, want 0", n)
	}
	if n, _ := f.sched.Deliver(c2, bufferOf(20*time.Millisecond), nil, 1); n != 0 {
		t.Errorf("scheduled %d buffers before C1 was decoded, want 0", n)
	}
	if !f.sched.Receiving() {
		t.Error("Receiving = false while chunks are waiting")
	}
	if n, errs := f.sched.Deliver(c1, bufferOf(10*time.Millisecond), nil, 1); n != 3 || len(errs) != 0 {
		t.Fatalf("Deliver(C1) = %d, %v, want 3 scheduled", n, errs)
	}

	voices := f.out.Voices()
	wantLens := []int{10, 20, 30}
	for i, v := range voices {
		if got := len(v.Buffer.Samples); got != wantLens[i] {
			t.Errorf("voice %d has %d samples, want %d (C%d)", i, got, wantLens[i], i+1)
		}
	}
	assertStarts(t, f.starts(), []time.Duration{0, 10 * time.Millisecond, 30 * time.Millisecond})
}

func TestScheduler_DecodeFailureReleasesSlot(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)
	boom := errors.New("bad payload")

	c1 := f.sched.Receive()
	c2 := f.sched.Receive()
	f.sched.Deliver(c2, bufferOf(20*time.Millisecond), nil, 1)
	n, errs := f.sched.Deliver(c1, audio.Buffer{}, boom, 1)
	if n != 1 {
		t.Errorf("scheduled = %d, want 1", n)
	}
	if len(errs) != 1 || !errors.Is(errs[0], boom) {
		t.Errorf("errs = %v, want [%v]", errs, boom)
	}
	assertStarts(t, f.starts(), []time.Duration{0})
}

func TestScheduler_ActiveSetAccounting(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	if f.sched.Receiving() {
		t.Fatal("Receiving = true on a fresh scheduler")
	}
	seq := f.sched.Receive()
	if !f.sched.Receiving() {
		t.Error("Receiving = false right after a chunk arrived")
	}
	f.sched.Deliver(seq, bufferOf(100*time.Millisecond), nil, 1)
	f.sched.Deliver(f.sched.Receive(), bufferOf(100*time.Millisecond), nil, 1)
	if got := f.sched.Active(); got != 2 {
		t.Fatalf("Active = %d, want 2", got)
	}

	f.out.Advance(100 * time.Millisecond)
	if got := f.sched.Active(); got != 1 {
		t.Errorf("Active after first ended = %d, want 1", got)
	}
	if !f.sched.Receiving() {
		t.Error("Receiving = false with one buffer still playing")
	}

	f.out.Advance(100 * time.Millisecond)
	if f.sched.Receiving() {
		t.Error("Receiving = true after the last buffer ended")
	}
	if len(f.ended) != 2 {
		t.Errorf("ended callbacks = %d, want 2", len(f.ended))
	}
}

func TestScheduler_FlushStopsEverything(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	f.sched.Deliver(f.sched.Receive(), bufferOf(500*time.Millisecond), nil, 1)
	f.sched.Deliver(f.sched.Receive(), bufferOf(500*time.Millisecond), nil, 1)
	inFlight := f.sched.Receive()

	if n := f.sched.Flush(); n != 2 {
		t.Errorf("Flush stopped %d handles, want 2", n)
	}
	for i, v := range f.out.Voices() {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}
	if got := f.sched.NextStart(); got != 0 {
		t.Errorf("cursor after flush = %v, want 0", got)
	}
	if f.sched.Receiving() {
		t.Error("Receiving = true after flush")
	}

	// A decode started before the interruption must not play.
	if n, _ := f.sched.Deliver(inFlight, bufferOf(100*time.Millisecond), nil, 1); n != 0 {
		t.Errorf("stale delivery scheduled %d buffers, want 0", n)
	}
	if got := len(f.out.Voices()); got != 2 {
		t.Errorf("voices = %d, want 2", got)
	}

	// Stopped voices never report natural completion.
	f.out.Advance(time.Second)
	if len(f.ended) != 0 {
		t.Errorf("ended callbacks after flush = %d, want 0", len(f.ended))
	}
}

func TestScheduler_ResumesAfterFlush(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	f.sched.Deliver(f.sched.Receive(), bufferOf(500*time.Millisecond), nil, 1)
	f.out.SetNow(200 * time.Millisecond)
	f.sched.Flush()

	f.sched.Deliver(f.sched.Receive(), bufferOf(100*time.Millisecond), nil, 1)
	assertStarts(t, f.starts(), []time.Duration{0, 200 * time.Millisecond})
}

func TestScheduler_GainCapturedAtScheduleTime(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)

	f.sched.Deliver(f.sched.Receive(), bufferOf(10*time.Millisecond), nil, 0.8)
	f.sched.Deliver(f.sched.Receive(), bufferOf(10*time.Millisecond), nil, 0.3)

	voices := f.out.Voices()
	if voices[0].Gain != 0.8 || voices[1].Gain != 0.3 {
		t.Errorf("gains = %v, %v, want 0.8, 0.3", voices[0].Gain, voices[1].Gain)
	}
}

func TestScheduler_ScheduleErrorDropsBuffer(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)
	f.out.ScheduleError = errors.New("device gone")

	n, errs := f.sched.Deliver(f.sched.Receive(), bufferOf(10*time.Millisecond), nil, 1)
	if n != 0 || len(errs) != 1 {
		t.Errorf("Deliver = %d, %v, want 0 and one error", n, errs)
	}
	if f.sched.Receiving() {
		t.Error("Receiving = true after the only chunk was dropped")
	}
	if got := f.sched.NextStart(); got != 0 {
		t.Errorf("cursor = %v, want 0", got)
	}
}

func TestScheduler_EndedIgnoresUnknownIDs(t *testing.T) {
	t.Parallel()
	f := newSchedulerFixture(t)
	if f.sched.Ended(42) {
		t.Error("Ended(42) = true for an unknown handle")
	}
}
