// Package ffmpeg implements [audio.Platform] on top of the ffmpeg and ffplay
// command-line tools: the microphone is read from an ffmpeg subprocess
// emitting raw s16le PCM, and playback is rendered by a software
// [mixer.Timeline] and piped into an ffplay subprocess.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Platform      = (*Platform)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

// DefaultPumpPeriod is how much audio is rendered and written to ffplay per
// tick.
const DefaultPumpPeriod = 20 * time.Millisecond

// CommandFunc builds the subprocess for name with args. It exists so tests
// can substitute a helper process.
type CommandFunc func(name string, args ...string) *exec.Cmd

// Option configures a [Platform].
type Option func(*Platform)

// WithInputDevice sets the capture device passed to ffmpeg's -i flag.
// Defaults to "default" on Linux (PulseAudio) and ":0" on macOS
// (AVFoundation).
func WithInputDevice(device string) Option {
	return func(p *Platform) {
		if device != "" {
			p.inputDevice = device
		}
	}
}

// WithBinaries overrides the ffmpeg and ffplay executables.
func WithBinaries(ffmpegPath, ffplayPath string) Option {
	return func(p *Platform) {
		if ffmpegPath != "" {
			p.ffmpegPath = ffmpegPath
		}
		if ffplayPath != "" {
			p.ffplayPath = ffplayPath
		}
	}
}

// WithPumpPeriod sets the playback render period.
func WithPumpPeriod(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.period = d
		}
	}
}

// WithCommand replaces the subprocess constructor and skips the PATH lookup.
func WithCommand(fn CommandFunc) Option {
	return func(p *Platform) {
		p.command = fn
	}
}

// WithOS overrides the operating system used to pick the capture backend.
func WithOS(goos string) Option {
	return func(p *Platform) {
		p.goos = goos
	}
}

// Platform is an [audio.Platform] backed by ffmpeg and ffplay subprocesses.
type Platform struct {
	inputDevice string
	ffmpegPath  string
	ffplayPath  string
	period      time.Duration
	goos        string
	command     CommandFunc
}

// New creates a Platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		ffmpegPath: "ffmpeg",
		ffplayPath: "ffplay",
		period:     DefaultPumpPeriod,
		goos:       runtime.GOOS,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Platform) cmd(name string, args ...string) (*exec.Cmd, error) {
	if p.command != nil {
		return p.command(name, args...), nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found in PATH: %w", name, err)
	}
	return exec.Command(name, args...), nil
}

// CaptureArgs returns the ffmpeg arguments that read device on goos as mono
// s16le PCM at rate Hz to stdout. An empty device selects the platform
// default.
func CaptureArgs(goos, device string, rate int) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("ffmpeg: microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args, "-ac", "1", "-ar", strconv.Itoa(rate), "-f", "s16le", "-"), nil
}

// PlaybackArgs returns the ffplay arguments that play s16le PCM in format
// from stdin.
func PlaybackArgs(format audio.Format) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(max(format.Channels, 1)),
		"-i", "pipe:0",
	}
}

// OpenInput implements [audio.InputDevice]. It starts ffmpeg and delivers
// blocks of blockSize samples to the attached callback.
func (p *Platform) OpenInput(ctx context.Context, format audio.Format, blockSize int) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = audio.DefaultBlockSize
	}
	args, err := CaptureArgs(p.goos, p.inputDevice, format.SampleRate)
	if err != nil {
		return nil, err
	}
	cmd, err := p.cmd(p.ffmpegPath, args...)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start mic capture: %w", err)
	}

	s := &captureStream{
		cmd:    cmd,
		stdout: stdout,
		rate:   format.SampleRate,
		block:  blockSize,
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// OpenOutput implements [audio.OutputDevice]. It starts ffplay and a render
// loop that feeds it from a software timeline.
func (p *Platform) OpenOutput(ctx context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	cmd, err := p.cmd(p.ffplayPath, PlaybackArgs(format)...)
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	o := &outputContext{
		Timeline: mixer.New(format),
		cmd:      cmd,
		stdin:    stdin,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(o.done)
		err := o.Pump(pumpCtx, p.period, func(pcm []byte) error {
			_, err := stdin.Write(pcm)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("ffmpeg: playback stopped", "err", err)
		}
	}()
	return o, nil
}

// ─── capture ──────────────────────────────────────────────────────────────────

type captureStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	rate   int
	block  int

	mu sync.Mutex
	cb func(audio.CaptureFrame)

	closeOnce sync.Once
	done      chan struct{}
}

func (s *captureStream) Attach(cb func(audio.CaptureFrame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

func (s *captureStream) callback() func(audio.CaptureFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

func (s *captureStream) readLoop() {
	defer close(s.done)
	buf := make([]byte, s.block*2)
	var blocks int64
	for {
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("ffmpeg: mic read stopped", "err", err)
			}
			return
		}
		frame := audio.CaptureFrame{
			Samples:    audio.PCM16ToFloat(buf),
			SampleRate: s.rate,
			Timestamp:  time.Duration(blocks*int64(s.block)) * time.Second / time.Duration(max(s.rate, 1)),
		}
		blocks++
		if cb := s.callback(); cb != nil {
			cb(frame)
		}
	}
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.Attach(nil)
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
		_ = s.cmd.Wait()
	})
	return nil
}

// ─── playback ─────────────────────────────────────────────────────────────────

type outputContext struct {
	*mixer.Timeline

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (o *outputContext) Close() error {
	o.closeOnce.Do(func() {
		o.cancel()
		_ = o.Timeline.Close()
		if o.cmd.Process != nil {
			_ = o.cmd.Process.Kill()
		}
		<-o.done
		_ = o.stdin.Close()
		_ = o.cmd.Wait()
	})
	return nil
}
