package mixer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/audio/mixer"
)

// testRate keeps frame arithmetic readable: one frame per millisecond.
const testRate = 1000

func newTimeline() *mixer.Timeline {
	return mixer.New(audio.Format{SampleRate: testRate, Channels: 1})
}

// constBuffer returns a mono buffer of n frames all set to v.
func constBuffer(n int, v float32) audio.Buffer {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.Buffer{Samples: s, SampleRate: testRate, Channels: 1}
}

func TestTimeline_ClockAdvancesWithRender(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	if got := tl.Now(); got != 0 {
		t.Fatalf("Now = %v, want 0", got)
	}
	tl.Render(250)
	if got := tl.Now(); got != 250*time.Millisecond {
		t.Errorf("Now = %v, want 250ms", got)
	}
}

func TestTimeline_SchedulesAtOffset(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	if _, err := tl.Schedule(constBuffer(3, 0.5), 2*time.Millisecond, 1, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got := tl.Render(6)
	want := []float32{0, 0, 0.5, 0.5, 0.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	tl.Schedule(constBuffer(3, 0.25), 0, 1, nil)
	tl.Schedule(constBuffer(3, 0.5), 3*time.Millisecond, 1, nil)
	got := tl.Render(7)
	want := []float32{0.25, 0.25, 0.25, 0.5, 0.5, 0.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTimeline_PastInstantStartsNow(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	tl.Render(10)
	tl.Schedule(constBuffer(2, 0.5), 0, 1, nil)
	got := tl.Render(3)
	want := []float32{0.5, 0.5, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestTimeline_GainAndClamp(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	tl.Schedule(constBuffer(2, 0.5), 0, 0.5, nil)
	tl.Schedule(constBuffer(1, 0.9), 1*time.Millisecond, 1, nil)
	tl.Schedule(constBuffer(1, 0.9), 1*time.Millisecond, 1, nil)
	got := tl.Render(2)
	if got[0] != 0.25 {
		t.Errorf("frame 0 = %v, want 0.25", got[0])
	}
	if got[1] != 1 {
		t.Errorf("frame 1 = %v, want clamped 1", got[1])
	}
}

func TestTimeline_OnEndedOrderAndOnce(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	tl.Schedule(constBuffer(2, 0.1), 0, 1, record("a"))
	tl.Schedule(constBuffer(2, 0.1), 2*time.Millisecond, 1, record("b"))

	tl.Render(3)
	mu.Lock()
	if len(order) != 1 || order[0] != "a" {
		t.Fatalf("after 3 frames order = %v, want [a]", order)
	}
	mu.Unlock()

	tl.Render(10)
	tl.Render(10)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
	if !tl.Idle() {
		t.Error("expected timeline to be idle")
	}
}

func TestTimeline_StopSuppressesOnEnded(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	var ended atomic.Int32
	playing, _ := tl.Schedule(constBuffer(5, 0.5), 0, 1, func() { ended.Add(1) })
	queued, _ := tl.Schedule(constBuffer(5, 0.5), 5*time.Millisecond, 1, func() { ended.Add(1) })

	got := tl.Render(2)
	if got[1] != 0.5 {
		t.Fatalf("frame 1 = %v, want 0.5", got[1])
	}
	playing.Stop()
	queued.Stop()
	playing.Stop()

	for i, s := range tl.Render(20) {
		if s != 0 {
			t.Fatalf("frame %d = %v after Stop, want silence", i, s)
		}
	}
	if n := ended.Load(); n != 0 {
		t.Errorf("onEnded called %d times, want 0", n)
	}
}

func TestTimeline_FormatMismatch(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	_, err := tl.Schedule(audio.Buffer{Samples: []float32{0}, SampleRate: 24000, Channels: 1}, 0, 1, nil)
	if !errors.Is(err, mixer.ErrFormatMismatch) {
		t.Errorf("err = %v, want ErrFormatMismatch", err)
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	var ended atomic.Int32
	tl.Schedule(constBuffer(5, 0.5), 0, 1, func() { ended.Add(1) })
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tl.Schedule(constBuffer(1, 0), 0, 1, nil); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Schedule after Close err = %v, want ErrClosed", err)
	}
	tl.Render(10)
	if n := ended.Load(); n != 0 {
		t.Errorf("onEnded called %d times after Close, want 0", n)
	}
}

func TestTimeline_Pump(t *testing.T) {
	t.Parallel()
	tl := newTimeline()
	tl.Schedule(constBuffer(20, 0.5), 0, 1, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		bytes int
	)
	errStop := errors.New("stop")
	err := tl.Pump(ctx, 10*time.Millisecond, func(pcm []byte) error {
		mu.Lock()
		defer mu.Unlock()
		bytes += len(pcm)
		if bytes >= 60 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Pump err = %v, want errStop", err)
	}
	if bytes != 60 {
		t.Errorf("bytes = %d, want 60 (3 periods of 10 frames)", bytes)
	}
	if got := tl.Now(); got != 30*time.Millisecond {
		t.Errorf("Now = %v, want 30ms", got)
	}
}
