// Package config provides the configuration schema, loader, and provider registry
// for the VoxWave radio client.
package config

import "time"

// LogLevel controls log verbosity for the VoxWave server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode is the configured transmission mode.
type Mode string

const (
	ModePushToTalk Mode = "push_to_talk"
	ModeOpenMic    Mode = "open_mic"
)

// IsValid reports whether m is a recognised transmission mode.
func (m Mode) IsValid() bool {
	return m == ModePushToTalk || m == ModeOpenMic
}

// Config is the root configuration structure for VoxWave.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the primary provider fails to open
	// a session. They must accept the primary's input audio format.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Resilience ResilienceConfig `yaml:"resilience"`
	Audio      AudioConfig      `yaml:"audio"`
	Radio      RadioConfig      `yaml:"radio"`
}

// ResilienceConfig tunes the circuit breaker guarding each provider's
// connect. Zero values use the breaker defaults.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failed connects that opens
	// a provider's circuit.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long an open circuit rejects connects before a probe
	// is let through.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed by a config reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the live session provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice selects the prebuilt output voice.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the audio backend and device formats.
type AudioConfig struct {
	// Backend selects the registered audio platform (e.g., "ffmpeg").
	Backend string `yaml:"backend"`

	// InputDevice names the capture device; empty uses the system default.
	InputDevice string `yaml:"input_device"`

	// InputSampleRate is the microphone rate in Hz (default 16000).
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz (default 24000).
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BlockSize is the number of samples per capture block (default 4096).
	BlockSize int `yaml:"block_size"`

	// Options holds backend-specific values (e.g., binary paths).
	Options map[string]any `yaml:"options"`
}

// RadioConfig holds the operator-facing radio settings and engine tuning.
type RadioConfig struct {
	// Frequencies is the channel plan in MHz. Empty uses the built-in plan.
	Frequencies []float64 `yaml:"frequencies"`

	// Frequency is the power-on channel. Zero uses the first channel.
	Frequency float64 `yaml:"frequency"`

	Mode Mode `yaml:"mode"`

	// Volume and Squelch are levels in 0..100. Nil uses the defaults
	// (80 and 20), so an explicit 0 can be configured.
	Volume  *int `yaml:"volume"`
	Squelch *int `yaml:"squelch"`

	// TranscriptLines bounds the visible transcription log (default 5).
	TranscriptLines int `yaml:"transcript_lines"`

	// ReconnectDelay is the pause before reopening a session after a
	// frequency change (default 500ms).
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ConnectTimeout bounds the wait for the session acknowledgement.
	// Zero waits indefinitely.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Instructions is a text/template for the system instruction with
	// {{.Frequency}}, {{.Mode}}, {{.Volume}} and {{.Squelch}} available.
	// Empty uses the built-in dispatcher prompt.
	Instructions string `yaml:"instructions"`
}

// VolumeOr returns the configured volume or def.
func (r RadioConfig) VolumeOr(def int) int {
	if r.Volume == nil {
		return def
	}
	return *r.Volume
}

// SquelchOr returns the configured squelch or def.
func (r RadioConfig) SquelchOr(def int) int {
	if r.Squelch == nil {
		return def
	}
	return *r.Squelch
}
