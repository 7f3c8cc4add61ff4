package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini-live"
	DefaultAudioBackend     = "ffmpeg"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultBlockSize        = 4096
	DefaultVolume           = 80
	DefaultSquelch          = 20
	DefaultTranscriptLines  = 5
	DefaultReconnectDelay   = 500 * time.Millisecond
)

// DefaultFrequencies is the channel plan used when radio.frequencies is empty.
var DefaultFrequencies = []float64{144.100, 144.200, 144.300, 144.400, 144.500}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":  {"gemini-live", "gemini-genai", "openai-realtime"},
	"audio": {"ffmpeg"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultAudioBackend
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}

	r := &cfg.Radio
	if len(r.Frequencies) == 0 {
		r.Frequencies = slices.Clone(DefaultFrequencies)
	}
	if r.Frequency == 0 {
		r.Frequency = r.Frequencies[0]
	}
	if r.Mode == "" {
		r.Mode = ModePushToTalk
	}
	if r.Volume == nil {
		v := DefaultVolume
		r.Volume = &v
	}
	if r.Squelch == nil {
		v := DefaultSquelch
		r.Squelch = &v
	}
	if r.TranscriptLines == 0 {
		r.TranscriptLines = DefaultTranscriptLines
	}
	if r.ReconnectDelay == 0 {
		r.ReconnectDelay = DefaultReconnectDelay
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Unknown provider names only warn.
	validateProviderName("live", cfg.Provider.Name)
	validateProviderName("audio", cfg.Audio.Backend)
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the remote service will likely reject the session",
			"provider", cfg.Provider.Name)
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("live", fb.Name)
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("resilience.cooldown %s must not be negative", cfg.Resilience.Cooldown))
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}

	// Radio
	r := cfg.Radio
	for i, f := range r.Frequencies {
		if f <= 0 {
			errs = append(errs, fmt.Errorf("radio.frequencies[%d] %.3f must be positive", i, f))
		}
		if j := slices.Index(r.Frequencies, f); j != i {
			errs = append(errs, fmt.Errorf("radio.frequencies[%d] %.3f is a duplicate of radio.frequencies[%d]", i, f, j))
		}
	}
	if r.Frequency != 0 && len(r.Frequencies) > 0 && !slices.Contains(r.Frequencies, r.Frequency) {
		errs = append(errs, fmt.Errorf("radio.frequency %.3f is not in radio.frequencies", r.Frequency))
	}
	if r.Mode != "" && !r.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("radio.mode %q is invalid; valid values: push_to_talk, open_mic", r.Mode))
	}
	if v := r.VolumeOr(DefaultVolume); v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("radio.volume %d is out of range [0, 100]", v))
	}
	if v := r.SquelchOr(DefaultSquelch); v < 0 || v > 100 {
		errs = append(errs, fmt.Errorf("radio.squelch %d is out of range [0, 100]", v))
	}
	if r.TranscriptLines < 0 {
		errs = append(errs, fmt.Errorf("radio.transcript_lines %d must not be negative", r.TranscriptLines))
	}
	if r.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("radio.reconnect_delay %s must not be negative", r.ReconnectDelay))
	}
	if r.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("radio.connect_timeout %s must not be negative", r.ConnectTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
