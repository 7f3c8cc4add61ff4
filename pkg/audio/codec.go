package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strconv"
)

const (
	// DefaultInputSampleRate is the capture and outbound wire rate.
	DefaultInputSampleRate = 16000

	// DefaultOutputSampleRate is the rate remote audio arrives at and the
	// playback context runs at.
	DefaultOutputSampleRate = 24000

	// DefaultBlockSize is the number of samples per capture block.
	DefaultBlockSize = 4096
)

var (
	// ErrEmptyPayload is returned by [Codec.Decode] for a chunk without data.
	ErrEmptyPayload = errors.New("audio: empty payload")

	// ErrMisalignedPayload is returned by [Codec.Decode] when the decoded byte
	// count is not a whole number of PCM16 frames.
	ErrMisalignedPayload = errors.New("audio: payload is not whole PCM16 frames")

	// ErrUnsupportedEncoding is returned when a chunk's MIME type names an
	// encoding other than raw PCM16.
	ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")
)

// PCMMIMEType returns the MIME type declaring raw PCM16 at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIMEType extracts the sample format from a MIME type such as
// "audio/pcm;rate=24000" or "audio/L16;rate=16000;channels=2". Parameters
// that are absent are taken from fallback. An empty mimeType yields fallback.
func ParseMIMEType(mimeType string, fallback Format) (Format, error) {
	if mimeType == "" {
		return fallback, nil
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback, fmt.Errorf("audio: parse mime type %q: %w", mimeType, err)
	}
	switch mediaType {
	case "audio/pcm", "audio/l16":
	default:
		return fallback, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, mediaType)
	}

	f := fallback
	if v, ok := params["rate"]; ok {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return fallback, fmt.Errorf("audio: invalid rate %q in mime type", v)
		}
		f.SampleRate = rate
	}
	if v, ok := params["channels"]; ok {
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 || ch > 2 {
			return fallback, fmt.Errorf("audio: invalid channels %q in mime type", v)
		}
		f.Channels = ch
	}
	return f, nil
}

// Codec converts captured frames to outbound wire chunks and inbound encoded
// chunks to playable buffers. A Codec is safe for concurrent use.
type Codec struct {
	wire   FormatConverter
	output FormatConverter
}

// NewCodec returns a Codec that encodes to the wire format and decodes to the
// output format.
func NewCodec(wire, output Format) *Codec {
	return &Codec{
		wire:   FormatConverter{Target: wire},
		output: FormatConverter{Target: output},
	}
}

// WireFormat returns the outbound chunk format.
func (c *Codec) WireFormat() Format { return c.wire.Target }

// OutputFormat returns the format decoded buffers are produced in.
func (c *Codec) OutputFormat() Format { return c.output.Target }

// Encode converts a captured frame to fixed-point PCM16 in the wire format,
// resampling when the capture rate differs from the wire rate.
func (c *Codec) Encode(frame CaptureFrame) WireChunk {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = c.wire.Target.SampleRate
	}
	return c.wire.Convert(WireChunk{
		Data:       FloatToPCM16(frame.Samples),
		MIMEType:   PCMMIMEType(rate),
		SampleRate: rate,
		Channels:   1,
	})
}

// Decode reconstructs a playable buffer from an inbound chunk. The source
// rate is read from the chunk's MIME type (mono at the output rate when
// absent) and converted to the output format.
func (c *Codec) Decode(chunk EncodedChunk) (Buffer, error) {
	if chunk.Data == "" {
		return Buffer{}, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return Buffer{}, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(raw) == 0 {
		return Buffer{}, ErrEmptyPayload
	}

	src, err := ParseMIMEType(chunk.MIMEType, Format{SampleRate: c.output.Target.SampleRate, Channels: 1})
	if err != nil {
		return Buffer{}, err
	}
	if len(raw)%(2*src.Channels) != 0 {
		return Buffer{}, fmt.Errorf("%w: %d bytes", ErrMisalignedPayload, len(raw))
	}

	pcm := c.output.Convert(WireChunk{
		Data:       raw,
		MIMEType:   chunk.MIMEType,
		SampleRate: src.SampleRate,
		Channels:   src.Channels,
	})
	return Buffer{
		Samples:    PCM16ToFloat(pcm.Data),
		SampleRate: pcm.SampleRate,
		Channels:   pcm.Channels,
	}, nil
}

// FloatToPCM16 converts normalised float samples to little-endian int16,
// clamping values outside [-1, 1].
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s) * 32768
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		putSample16(out, i, int16(v))
	}
	return out
}

// PCM16ToFloat converts little-endian int16 samples to floats in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(sample16(pcm, i)) / 32768
	}
	return out
}
