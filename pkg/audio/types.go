package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureFrame is one fixed-size block of raw microphone samples as delivered
// by an input device callback. Samples are normalised floats in [-1, 1].
// Frames are transient: they are encoded and forwarded (or dropped) as soon
// as they arrive and never retained.
type CaptureFrame struct {
	// Samples holds mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz of Samples (16000 in the default configuration).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// WireChunk is an outbound payload ready to be pushed on a remote session:
// little-endian int16 PCM plus its declared format.
type WireChunk struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// MIMEType declares the encoding, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// SampleRate in Hz of Data.
	SampleRate int

	// Channels is the number of interleaved channels in Data (1 = mono).
	Channels int
}

// EncodedChunk is an inbound audio fragment as received from a remote
// session: a base64 payload of PCM16 data plus an optional MIME type carrying
// the sample rate. It is opaque until passed to [Codec.Decode].
type EncodedChunk struct {
	Data     string
	MIMEType string
}

// Buffer is a decoded, playable block of audio in the output device's format.
type Buffer struct {
	// Samples holds interleaved samples in the range [-1, 1].
	Samples []float32

	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel) in b.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return len(b.Samples)
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
