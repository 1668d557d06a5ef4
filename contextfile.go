package atoll

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ContextFileLoader reads context files for dispatched agents. Paths are
// resolved against a base directory and must stay inside it; files that
// are missing, unreadable, or outside the base are skipped with a warning
// so a bad path never kills the dispatch.
type ContextFileLoader struct {
	base   string
	logger *slog.Logger
}

// ContextFileOption configures a ContextFileLoader.
type ContextFileOption func(*ContextFileLoader)

// WithContextFileLogger sets the structured logger for skip warnings.
func WithContextFileLogger(l *slog.Logger) ContextFileOption {
	return func(cl *ContextFileLoader) { cl.logger = l }
}

// NewContextFileLoader returns a loader rooted at baseDir.
func NewContextFileLoader(baseDir string, opts ...ContextFileOption) (*ContextFileLoader, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("context files: resolve base %s: %w", baseDir, err)
	}
	cl := &ContextFileLoader{base: abs, logger: nopLogger}
	for _, opt := range opts {
		opt(cl)
	}
	return cl, nil
}

// Load reads the named files and returns them as one labeled block. When
// the combined token estimate exceeds budget, Load returns a fault with a
// per-file breakdown so the caller can drop files and retry.
func (cl *ContextFileLoader) Load(files []string, budget int) (string, error) {
	var (
		sections []string
		total    int
		perFile  = make(map[string]any, len(files))
	)
	for _, name := range files {
		content, ok := cl.read(name)
		if !ok {
			continue
		}
		tokens := EstimateTokens(content)
		total += tokens
		perFile[name] = tokens
		sections = append(sections, fmt.Sprintf("## File: %s\n\n%s", name, content))
	}
	if total > budget {
		return "", NewFault(FaultContextBudget,
			fmt.Sprintf("context files total %d tokens, budget is %d", total, budget),
			map[string]any{"budget": budget, "total": total, "files": perFile})
	}
	return strings.Join(sections, "\n\n"), nil
}

func (cl *ContextFileLoader) read(name string) (string, bool) {
	path := filepath.Join(cl.base, name)
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, cl.base+string(filepath.Separator)) {
		cl.logger.Warn("context file outside base directory, skipping", "file", name)
		return "", false
	}
	var content string
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".md", ".markdown", ".txt":
		data, err := os.ReadFile(abs)
		if err != nil {
			cl.logger.Warn("context file unreadable, skipping", "file", name, "error", err)
			return "", false
		}
		content = string(data)
	case ".pdf":
		text, err := readPDF(abs)
		if err != nil {
			cl.logger.Warn("context file unreadable, skipping", "file", name, "error", err)
			return "", false
		}
		content = text
	default:
		cl.logger.Warn("context file has unsupported extension, skipping", "file", name)
		return "", false
	}
	return content, true
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	rd, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", err
	}
	return buf.String(), nil
}
