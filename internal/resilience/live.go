package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxwave/pkg/provider/live"
)

// ErrFormatMismatch is returned by [LiveProvider.AddFallback] when the
// fallback expects a different input format than the primary. The engine
// encodes microphone audio once for the primary's format.
var ErrFormatMismatch = errors.New("resilience: fallback input format differs from primary")

// LiveProvider is a [live.Provider] that connects through the first healthy
// provider of a [Group]. Only Connect is covered: once a session is open,
// its failures are reported through the session callbacks as usual.
type LiveProvider struct {
	group *Group[live.Provider]
	caps  live.Capabilities
}

var _ live.Provider = (*LiveProvider)(nil)

// NewLiveProvider wraps primary. Its capabilities are reported for the
// whole group.
func NewLiveProvider(name string, primary live.Provider, cfg BreakerConfig) *LiveProvider {
	return &LiveProvider{
		group: NewGroup(name, primary, cfg),
		caps:  primary.Capabilities(),
	}
}

// AddFallback registers p to be tried when the providers before it fail.
func (l *LiveProvider) AddFallback(name string, p live.Provider) error {
	if got := p.Capabilities().InputFormat; got != l.caps.InputFormat {
		return fmt.Errorf("%w: %s wants %d Hz/%d ch, primary %d Hz/%d ch", ErrFormatMismatch,
			name, got.SampleRate, got.Channels, l.caps.InputFormat.SampleRate, l.caps.InputFormat.Channels)
	}
	l.group.Add(name, p)
	return nil
}

// Names returns the provider names in the order they are tried.
func (l *LiveProvider) Names() []string { return l.group.Names() }

// Breaker returns the breaker of the named provider, or nil.
func (l *LiveProvider) Breaker(name string) *Breaker { return l.group.Breaker(name) }

// Connect opens a session with the first provider that accepts it. A failed
// Connect never invokes callbacks, so cb is safe to hand to the next
// provider.
func (l *LiveProvider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	return Do(l.group, func(p live.Provider) (live.Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Connect(ctx, cfg, cb)
	})
}

// Capabilities returns the primary provider's capabilities.
func (l *LiveProvider) Capabilities() live.Capabilities {
	return l.caps
}
