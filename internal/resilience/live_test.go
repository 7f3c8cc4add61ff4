package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxwave/internal/resilience"
	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
	livemock "github.com/MrWong99/voxwave/pkg/provider/live/mock"
)

var pcm16k = live.Capabilities{InputFormat: audio.Format{SampleRate: 16000, Channels: 1}}

func TestLiveProvider_FailsOverOnConnect(t *testing.T) {
	t.Parallel()
	primary := &livemock.Provider{ConnectErr: errors.New("401 unauthorized"), ProviderCapabilities: pcm16k}
	backup := &livemock.Provider{ProviderCapabilities: pcm16k}

	p := resilience.NewLiveProvider("primary", primary, resilience.BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	if err := p.AddFallback("backup", backup); err != nil {
		t.Fatalf("AddFallback: %v", err)
	}

	sess, err := p.Connect(context.Background(), live.SessionConfig{Voice: "Puck"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess != backup.LastSession() {
		t.Error("session does not come from the backup provider")
	}
	if got := backup.LastSession().Cfg.Voice; got != "Puck" {
		t.Errorf("voice = %q, want %q", got, "Puck")
	}

	// The primary's circuit is now open and is skipped.
	if _, err := p.Connect(context.Background(), live.SessionConfig{}, live.Callbacks{}); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := primary.ConnectCount(); got != 1 {
		t.Errorf("primary connects = %d, want 1", got)
	}
	if got := backup.ConnectCount(); got != 2 {
		t.Errorf("backup connects = %d, want 2", got)
	}
	if s := p.Breaker("primary").State(); s != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", s)
	}
}

func TestLiveProvider_AllFail(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("dial tcp: connection refused")
	p := resilience.NewLiveProvider("only", &livemock.Provider{ConnectErr: dialErr}, resilience.BreakerConfig{})

	_, err := p.Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the dial error", err)
	}
}

func TestLiveProvider_CancelledContext(t *testing.T) {
	t.Parallel()
	primary := &livemock.Provider{}
	p := resilience.NewLiveProvider("primary", primary, resilience.BreakerConfig{MaxFailures: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Connect(ctx, live.SessionConfig{}, live.Callbacks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.ConnectCount() != 0 {
		t.Errorf("primary connects = %d, want 0", primary.ConnectCount())
	}
	if s := p.Breaker("primary").State(); s != resilience.StateClosed {
		t.Errorf("breaker = %v, want closed", s)
	}
}

func TestLiveProvider_RejectsFormatMismatch(t *testing.T) {
	t.Parallel()
	p := resilience.NewLiveProvider("gemini", &livemock.Provider{ProviderCapabilities: pcm16k}, resilience.BreakerConfig{})

	openai := &livemock.Provider{ProviderCapabilities: live.Capabilities{
		InputFormat: audio.Format{SampleRate: 24000, Channels: 1},
	}}
	if err := p.AddFallback("openai", openai); !errors.Is(err, resilience.ErrFormatMismatch) {
		t.Fatalf("err = %v, want ErrFormatMismatch", err)
	}
	if names := p.Names(); len(names) != 1 {
		t.Errorf("Names() = %v, want only the primary", names)
	}
	if got := p.Capabilities().InputFormat.SampleRate; got != 16000 {
		t.Errorf("input rate = %d, want 16000", got)
	}
}
