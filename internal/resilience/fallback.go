package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Group] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all providers failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary value and its fallbacks, each behind its own
// [Breaker]. Entries are tried in registration order.
//
// Add must not be called concurrently with Execute.
type Group[T any] struct {
	cfg     BreakerConfig
	entries []entry[T]
}

// NewGroup returns a Group with primary as its first entry. cfg is copied
// for every entry's breaker with Name set to the entry name.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Names returns the entry names in order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the breaker guarding the named entry, or nil.
func (g *Group[T]) Breaker(name string) *Breaker {
	for _, e := range g.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute calls fn with each entry until one succeeds.
func (g *Group[T]) Execute(fn func(T) error) error {
	_, err := Do(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Do calls fn with each entry of g until one succeeds and returns its
// result. Entries with an open breaker are skipped. A cancelled context
// stops the walk and is returned as is; otherwise the last error is
// wrapped in [ErrAllFailed].
func Do[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Info("resilience: served by fallback", "provider", e.name)
			}
			return result, nil
		}
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider with open circuit", "provider", e.name)
			continue
		}
		slog.Warn("resilience: provider failed", "provider", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
