package atoll

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed nudges.yaml
var defaultNudges []byte

// Nudger maps error atoms to short recovery hints appended to error tool
// results, steering the LLM toward a recoverable next step. Hints live in a
// YAML table (a default table is embedded); values are templates using
// <%= .var %> interpolation against the fault's details map. The hint table
// is read-only after construction.
type Nudger struct {
	hints  map[FaultCode]*template.Template
	logger *slog.Logger
}

// NudgerOption configures a Nudger.
type NudgerOption func(*nudgerConfig)

type nudgerConfig struct {
	source []byte
	path   string
	logger *slog.Logger
}

// WithNudgeFile loads the hint table from path instead of the embedded
// default.
func WithNudgeFile(path string) NudgerOption {
	return func(c *nudgerConfig) { c.path = path }
}

// WithNudgeTable loads the hint table from raw YAML instead of the embedded
// default.
func WithNudgeTable(data []byte) NudgerOption {
	return func(c *nudgerConfig) { c.source = data }
}

// WithNudgeLogger sets the structured logger for template render failures.
func WithNudgeLogger(l *slog.Logger) NudgerOption {
	return func(c *nudgerConfig) { c.logger = l }
}

// NewNudger builds a Nudger from the embedded table unless an option
// overrides the source.
func NewNudger(opts ...NudgerOption) (*Nudger, error) {
	cfg := nudgerConfig{source: defaultNudges}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.path != "" {
		data, err := os.ReadFile(cfg.path)
		if err != nil {
			return nil, fmt.Errorf("nudger: read %s: %w", cfg.path, err)
		}
		cfg.source = data
	}

	var raw map[string]string
	if err := yaml.Unmarshal(cfg.source, &raw); err != nil {
		return nil, fmt.Errorf("nudger: parse hint table: %w", err)
	}

	hints := make(map[FaultCode]*template.Template, len(raw))
	for atom, text := range raw {
		tmpl, err := template.New(atom).
			Delims("<%=", "%>").
			Option("missingkey=error").
			Parse(text)
		if err != nil {
			return nil, fmt.Errorf("nudger: hint %q: %w", atom, err)
		}
		hints[FaultCode(atom)] = tmpl
	}
	return &Nudger{hints: hints, logger: cfg.logger}, nil
}

// FormatError returns base augmented with the hint for code, rendered with
// details. Unknown atoms and render failures return base unchanged.
func (n *Nudger) FormatError(base string, code FaultCode, details map[string]any) string {
	tmpl, ok := n.hints[code]
	if !ok {
		return base
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, details); err != nil {
		n.logger.Warn("nudger: hint render failed", "atom", string(code), "error", err)
		return base
	}
	return base + "\n\nHint: " + b.String()
}

// FormatFault is FormatError for an error value: when err carries a Fault
// the hint for its code is appended to base; otherwise base is returned.
func (n *Nudger) FormatFault(base string, err error) string {
	f, ok := AsFault(err)
	if !ok {
		return base
	}
	return n.FormatError(base, f.Code, f.Details)
}
