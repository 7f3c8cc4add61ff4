package radio

import (
	"fmt"
	"slices"
	"time"
)

// ConnectionState is the lifecycle state of the remote session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the upper-case state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "DISCONNECTED":
		*s = StateDisconnected
	case "CONNECTING":
		*s = StateConnecting
	case "CONNECTED":
		*s = StateConnected
	case "ERROR":
		*s = StateError
	default:
		return fmt.Errorf("radio: unknown connection state %q", text)
	}
	return nil
}

// Mode is the transmission mode.
type Mode int

const (
	// ModePushToTalk transmits only while the PTT control is held.
	ModePushToTalk Mode = iota
	// ModeOpenMic transmits every captured frame while connected.
	ModeOpenMic
)

// String returns the mode's configuration name.
func (m Mode) String() string {
	switch m {
	case ModePushToTalk:
		return "push_to_talk"
	case ModeOpenMic:
		return "open_mic"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode parses a mode name as produced by [Mode.String]. "ptt" and
// "open" are accepted as short forms.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "push_to_talk", "ptt":
		return ModePushToTalk, nil
	case "open_mic", "open":
		return ModeOpenMic, nil
	}
	return ModePushToTalk, fmt.Errorf("radio: unknown mode %q", s)
}

// DefaultFrequencies is the channel plan cycled by [Engine.CycleFrequency],
// in MHz.
var DefaultFrequencies = []float64{144.100, 144.200, 144.300, 144.400, 144.500}

// Configuration is the operator-facing radio configuration.
type Configuration struct {
	// Frequency is the tuned channel in MHz, one of the engine's channel plan.
	Frequency float64 `json:"frequency"`

	Mode Mode `json:"mode"`

	// Volume is the playback level, 0..100.
	Volume int `json:"volume"`

	// Squelch is the squelch level, 0..100. It is carried for display only.
	Squelch int `json:"squelch"`
}

// DefaultConfiguration returns the power-on configuration.
func DefaultConfiguration() Configuration {
	return Configuration{
		Frequency: DefaultFrequencies[0],
		Mode:      ModePushToTalk,
		Volume:    80,
		Squelch:   20,
	}
}

// Validate reports whether every field is in range. frequencies is the
// channel plan; an empty plan accepts any positive frequency.
func (c Configuration) Validate(frequencies []float64) error {
	if err := validateLevel("volume", c.Volume); err != nil {
		return err
	}
	if err := validateLevel("squelch", c.Squelch); err != nil {
		return err
	}
	if c.Mode != ModePushToTalk && c.Mode != ModeOpenMic {
		return fmt.Errorf("radio: invalid mode %d", int(c.Mode))
	}
	if c.Frequency <= 0 {
		return fmt.Errorf("radio: frequency must be positive, got %v", c.Frequency)
	}
	if len(frequencies) > 0 && !slices.Contains(frequencies, c.Frequency) {
		return fmt.Errorf("radio: frequency %.3f is not in the channel plan", c.Frequency)
	}
	return nil
}

func validateLevel(name string, v int) error {
	if v < 0 || v > 100 {
		return fmt.Errorf("radio: %s must be in 0..100, got %d", name, v)
	}
	return nil
}

// NextFrequency returns the channel after current in plan, wrapping around.
// A frequency not in the plan yields the first channel.
func NextFrequency(plan []float64, current float64) float64 {
	if len(plan) == 0 {
		return current
	}
	i := slices.Index(plan, current)
	return plan[(i+1)%len(plan)]
}

// ErrorInfo is the operator-visible description of the last failure.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable view of the engine's observable state.
type Snapshot struct {
	State         ConnectionState  `json:"state"`
	Configuration Configuration    `json:"configuration"`
	Transmitting  bool             `json:"transmitting"`
	Receiving     bool             `json:"receiving"`
	Transcript    []TranscriptLine `json:"transcript"`

	// SessionID identifies the current session slot; empty when there is
	// none.
	SessionID string `json:"session_id,omitempty"`

	// Epoch counts session slots created since start.
	Epoch uint64 `json:"epoch"`

	// LastError is set while the state is ERROR and kept afterwards until the
	// next successful connect.
	LastError *ErrorInfo `json:"last_error,omitempty"`

	// ReconnectPending reports that a delayed reconnect is scheduled.
	ReconnectPending bool `json:"reconnect_pending"`
}
