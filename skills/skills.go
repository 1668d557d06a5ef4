// Package skills loads a markdown skill library from disk and serves it as
// an atoll.Registry.
//
// Layout: <dir>/<domain>/<action>.md. Each document's first level-1 heading
// is the skill title and its first paragraph is the brief shown in domain
// listings. An optional <dir>/<domain>/README.md supplies the domain brief.
// The whole library is held in an immutable snapshot that Reload swaps
// atomically, so readers never observe a half-loaded catalog.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	atoll "github.com/helmshore/atoll"
)

// Library is a directory-backed skill registry.
type Library struct {
	dir      string
	handlers map[string]atoll.Handler
	disabled map[string]bool
	readOnly map[string]bool
	logger   *slog.Logger

	snap atomic.Pointer[snapshot]
}

// Compile-time interface check.
var _ atoll.Registry = (*Library)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// snapshot is one immutable view of the catalog.
type snapshot struct {
	skills  map[string]atoll.Skill
	domains []atoll.DomainBrief
	indexes map[string]string
}

// Option configures a Library.
type Option func(*Library)

// WithHandler binds a handler to a skill name ("domain.action").
func WithHandler(name string, h atoll.Handler) Option {
	return func(l *Library) { l.handlers[name] = h }
}

// WithHandlers binds handlers in bulk.
func WithHandlers(m map[string]atoll.Handler) Option {
	return func(l *Library) {
		for name, h := range m {
			l.handlers[name] = h
		}
	}
}

// WithDisabled turns the named skills off without removing their documents
// from disk. Disabled skills are hidden from listings and fail to resolve.
func WithDisabled(names ...string) Option {
	return func(l *Library) {
		for _, n := range names {
			l.disabled[n] = true
		}
	}
}

// WithReadOnly marks skills as side-effect free. Accepts exact names and
// "domain.*" to cover a whole domain.
func WithReadOnly(names ...string) Option {
	return func(l *Library) {
		for _, n := range names {
			l.readOnly[n] = true
		}
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLibrary scans dir and returns a ready registry. Skills whose handler
// is not bound are loaded disabled so the catalog never advertises a skill
// that cannot execute.
func NewLibrary(dir string, opts ...Option) (*Library, error) {
	l := newLibrary(dir, opts...)
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewStatic builds a registry from in-memory skills, bypassing the
// filesystem. Intended for tests and embedded catalogs.
func NewStatic(skills []atoll.Skill, handlers map[string]atoll.Handler) *Library {
	l := newLibrary("", WithHandlers(handlers))
	l.snap.Store(l.buildSnapshot(skills, nil))
	return l
}

func newLibrary(dir string, opts ...Option) *Library {
	l := &Library{
		dir:      dir,
		handlers: make(map[string]atoll.Handler),
		disabled: make(map[string]bool),
		readOnly: make(map[string]bool),
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Reload rescans the directory and atomically swaps the catalog snapshot.
// On error the previous snapshot stays in place.
func (l *Library) Reload() error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read skill dir: %w", err)
	}

	var skills []atoll.Skill
	briefs := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		domain := entry.Name()
		loaded, brief, err := l.loadDomain(domain)
		if err != nil {
			return err
		}
		skills = append(skills, loaded...)
		if brief != "" {
			briefs[domain] = brief
		}
	}

	l.snap.Store(l.buildSnapshot(skills, briefs))
	l.logger.Info("skill library loaded", "dir", l.dir, "skills", len(skills))
	return nil
}

// loadDomain reads every *.md under one domain directory. README.md feeds
// the domain brief instead of becoming a skill.
func (l *Library) loadDomain(domain string) ([]atoll.Skill, string, error) {
	dir := filepath.Join(l.dir, domain)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("read domain %s: %w", domain, err)
	}

	var skills []atoll.Skill
	var domainBrief string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") || strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, "", fmt.Errorf("read skill doc: %w", err)
		}
		meta := parseDoc(raw)

		if entry.Name() == "README.md" {
			domainBrief = meta.brief
			continue
		}

		action := strings.TrimSuffix(entry.Name(), ".md")
		name := domain + "." + action
		enabled := !l.disabled[name]
		if _, bound := l.handlers[name]; !bound {
			l.logger.Warn("skill has no handler, loading disabled", "skill", name)
			enabled = false
		}
		skills = append(skills, atoll.Skill{
			Name:     name,
			Domain:   domain,
			Action:   action,
			Brief:    meta.brief,
			Doc:      strings.TrimSpace(string(raw)),
			ReadOnly: l.readOnly[name] || l.readOnly[domain+".*"],
			Enabled:  enabled,
		})
	}
	return skills, domainBrief, nil
}

// buildSnapshot indexes skills by name and renders the per-domain index
// documents. Disabled skills are dropped from every view.
func (l *Library) buildSnapshot(skills []atoll.Skill, briefs map[string]string) *snapshot {
	snap := &snapshot{
		skills:  make(map[string]atoll.Skill),
		indexes: make(map[string]string),
	}

	byDomain := make(map[string][]atoll.Skill)
	for _, s := range skills {
		if !s.Enabled {
			continue
		}
		snap.skills[s.Name] = s
		byDomain[s.Domain] = append(byDomain[s.Domain], s)
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, d := range domains {
		group := byDomain[d]
		sort.Slice(group, func(i, j int) bool { return group[i].Name < group[j].Name })

		names := make([]string, len(group))
		for i, s := range group {
			names[i] = s.Name
		}
		snap.domains = append(snap.domains, atoll.DomainBrief{
			Domain: d,
			Brief:  briefs[d],
			Skills: names,
		})
		snap.indexes[d] = renderIndex(d, briefs[d], group)
	}
	return snap
}

// renderIndex builds the markdown index returned by a domain lookup.
func renderIndex(domain, brief string, group []atoll.Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", domain)
	if brief != "" {
		fmt.Fprintf(&b, "\n%s\n", brief)
	}
	b.WriteString("\n## Skills\n\n")
	for _, s := range group {
		if s.Brief != "" {
			fmt.Fprintf(&b, "- %s — %s\n", s.Name, s.Brief)
		} else {
			fmt.Fprintf(&b, "- %s\n", s.Name)
		}
	}
	return strings.TrimSpace(b.String())
}

// Resolve returns the skill and its handler. ok is false for unknown or
// disabled names.
func (l *Library) Resolve(name string) (atoll.Skill, atoll.Handler, bool) {
	s, ok := l.snap.Load().skills[name]
	if !ok {
		return atoll.Skill{}, nil, false
	}
	h, ok := l.handlers[name]
	if !ok {
		return atoll.Skill{}, nil, false
	}
	return s, h, true
}

// Domains lists every domain with its brief and skill names.
func (l *Library) Domains() []atoll.DomainBrief {
	return l.snap.Load().domains
}

// DomainIndex returns the rendered index document for one domain.
func (l *Library) DomainIndex(domain string) (string, bool) {
	index, ok := l.snap.Load().indexes[domain]
	return index, ok
}

// SkillDoc returns the full usage document for one skill.
func (l *Library) SkillDoc(name string) (string, bool) {
	s, ok := l.snap.Load().skills[name]
	if !ok {
		return "", false
	}
	return s.Doc, true
}

// Walk calls fn for every enabled skill, sorted by name. Useful for
// building tool enums and test fixtures.
func (l *Library) Walk(fn func(atoll.Skill)) {
	snap := l.snap.Load()
	names := make([]string, 0, len(snap.skills))
	for n := range snap.skills {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fn(snap.skills[n])
	}
}
