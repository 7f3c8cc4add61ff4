package radio

import (
	"fmt"
	"strings"
)

// DefaultTranscriptLines is the number of lines the transcription log keeps.
const DefaultTranscriptLines = 5

// Direction tells which side a transcript line came from.
type Direction int

const (
	// DirectionSent is the operator's own speech.
	DirectionSent Direction = iota
	// DirectionReceived is the remote side's speech.
	DirectionReceived
)

// String returns the log label.
func (d Direction) String() string {
	if d == DirectionSent {
		return "SENT"
	}
	return "RECV"
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "SENT":
		*d = DirectionSent
	case "RECV":
		*d = DirectionReceived
	default:
		return fmt.Errorf("radio: unknown transcript direction %q", text)
	}
	return nil
}

// TranscriptLine is one labelled line of transcribed text.
type TranscriptLine struct {
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
}

// String renders the line as shown on the display, e.g. "RECV: Roger.".
func (l TranscriptLine) String() string {
	return fmt.Sprintf("%s: %s", l.Direction, l.Text)
}

// TranscriptLog is a bounded FIFO of the most recent transcript lines.
type TranscriptLog struct {
	limit int
	lines []TranscriptLine
}

// NewTranscriptLog returns a log keeping at most limit lines. A limit below
// one uses [DefaultTranscriptLines].
func NewTranscriptLog(limit int) *TranscriptLog {
	if limit < 1 {
		limit = DefaultTranscriptLines
	}
	return &TranscriptLog{limit: limit, lines: make([]TranscriptLine, 0, limit)}
}

// Append adds a line and evicts the oldest lines beyond the limit. Blank
// text is ignored and reported as false.
func (l *TranscriptLog) Append(dir Direction, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	l.lines = append(l.lines, TranscriptLine{Direction: dir, Text: text})
	if n := len(l.lines) - l.limit; n > 0 {
		l.lines = append(l.lines[:0], l.lines[n:]...)
	}
	return true
}

// Lines returns a copy of the retained lines, oldest first.
func (l *TranscriptLog) Lines() []TranscriptLine {
	out := make([]TranscriptLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// Len returns the number of retained lines.
func (l *TranscriptLog) Len() int { return len(l.lines) }

// Limit returns the maximum number of retained lines.
func (l *TranscriptLog) Limit() int { return l.limit }
