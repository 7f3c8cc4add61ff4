package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Changes are grouped by how they can be applied to a running engine.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RadioChanged reports a change of frequency, mode, volume or squelch.
	// These are applied through the engine's operator API; a frequency change
	// reconnects an open session.
	RadioChanged bool

	// SessionChanged reports a change of model, voice or instructions.
	// An open session is reconnected to pick them up.
	SessionChanged bool

	// RestartRequired lists the changed keys that only take effect after a
	// restart (provider identity and credentials, fallbacks, audio backend,
	// listen address, channel plan, engine tuning).
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.RadioChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	or, nr := old.Radio, new.Radio
	if or.Frequency != nr.Frequency || or.Mode != nr.Mode ||
		or.VolumeOr(DefaultVolume) != nr.VolumeOr(DefaultVolume) ||
		or.SquelchOr(DefaultSquelch) != nr.SquelchOr(DefaultSquelch) {
		d.RadioChanged = true
	}

	if old.Provider.Model != new.Provider.Model ||
		old.Provider.Voice != new.Provider.Voice ||
		or.Instructions != nr.Instructions {
		d.SessionChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("provider.name", old.Provider.Name != new.Provider.Name)
	restart("provider.api_key", old.Provider.APIKey != new.Provider.APIKey)
	restart("provider.base_url", old.Provider.BaseURL != new.Provider.BaseURL)
	restart("fallbacks", !slices.EqualFunc(old.Fallbacks, new.Fallbacks, equalProvider))
	restart("resilience", old.Resilience != new.Resilience)
	restart("audio", !equalAudio(old.Audio, new.Audio))
	restart("radio.frequencies", !slices.Equal(or.Frequencies, nr.Frequencies))
	restart("radio.transcript_lines", or.TranscriptLines != nr.TranscriptLines)
	restart("radio.reconnect_delay", or.ReconnectDelay != nr.ReconnectDelay)
	restart("radio.connect_timeout", or.ConnectTimeout != nr.ConnectTimeout)

	return d
}

// equalProvider compares the fields that identify a provider. Options are
// not compared.
func equalProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice
}

func equalAudio(a, b AudioConfig) bool {
	return a.Backend == b.Backend &&
		a.InputDevice == b.InputDevice &&
		a.InputSampleRate == b.InputSampleRate &&
		a.OutputSampleRate == b.OutputSampleRate &&
		a.BlockSize == b.BlockSize
}
