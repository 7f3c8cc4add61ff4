package radio

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultInstructions is the system instruction template sent when a session
// opens. It is rendered with [PromptData].
const DefaultInstructions = `You are a radio dispatcher on frequency {{.Frequency}} MHz.
Keep your responses brief, professional, and use radio terminology (Over, Roger, Copy, Wilco).
You are talking to various operators in the field.`

// DefaultVoice is the prebuilt voice requested when none is configured.
const DefaultVoice = "Fenrir"

// PromptData is the data available to an instruction template.
type PromptData struct {
	// Frequency is the tuned channel formatted with three decimals.
	Frequency string
	Mode      string
	Volume    int
	Squelch   int
}

// Prompt renders session instructions from a text/template.
type Prompt struct {
	tmpl *template.Template
}

// NewPrompt parses text as an instruction template. An empty text uses
// [DefaultInstructions].
func NewPrompt(text string) (*Prompt, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultInstructions
	}
	tmpl, err := template.New("instructions").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("radio: parse instructions: %w", err)
	}
	return &Prompt{tmpl: tmpl}, nil
}

// Render returns the instructions for cfg.
func (p *Prompt) Render(cfg Configuration) (string, error) {
	var sb strings.Builder
	err := p.tmpl.Execute(&sb, PromptData{
		Frequency: FormatFrequency(cfg.Frequency),
		Mode:      cfg.Mode.String(),
		Volume:    cfg.Volume,
		Squelch:   cfg.Squelch,
	})
	if err != nil {
		return "", fmt.Errorf("radio: render instructions: %w", err)
	}
	return sb.String(), nil
}

// FormatFrequency formats a frequency in MHz the way the display shows it.
func FormatFrequency(mhz float64) string {
	return fmt.Sprintf("%.3f", mhz)
}
