package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	atoll "github.com/helmshore/atoll"
)

var echoHandler = atoll.HandlerFunc(func(_ context.Context, _ map[string]any, _ atoll.SkillContext) (atoll.SkillResult, error) {
	return atoll.SkillResult{Status: "ok", Content: "echo"}, nil
})

// writeSkillDir lays out a two-domain library on disk.
func writeSkillDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"notes/README.md": "# Notes\n\nStore and retrieve short notes.\n",
		"notes/search.md": "# Search Notes\n\nSearch stored notes by query.\n\n## Usage\n\nPass a query flag.\n",
		"notes/write.md":  "# Write Note\n\nCreate or update a note.\n",
		"mail/send.md":    "# Send Mail\n\nSend an email to a recipient.\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func allHandlers() map[string]atoll.Handler {
	return map[string]atoll.Handler{
		"notes.search": echoHandler,
		"notes.write":  echoHandler,
		"mail.send":    echoHandler,
	}
}

func TestNewLibraryLoadsCatalog(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t), WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	domains := lib.Domains()
	if len(domains) != 2 {
		t.Fatalf("got %d domains, want 2", len(domains))
	}
	if domains[0].Domain != "mail" || domains[1].Domain != "notes" {
		t.Errorf("domains not sorted: %+v", domains)
	}
	if domains[1].Brief != "Store and retrieve short notes." {
		t.Errorf("got brief %q", domains[1].Brief)
	}
	if len(domains[1].Skills) != 2 || domains[1].Skills[0] != "notes.search" {
		t.Errorf("got skills %v", domains[1].Skills)
	}
}

func TestResolve(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t),
		WithHandlers(allHandlers()),
		WithReadOnly("notes.search"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, h, ok := lib.Resolve("notes.search")
	if !ok {
		t.Fatal("notes.search should resolve")
	}
	if s.Domain != "notes" || s.Action != "search" || !s.ReadOnly {
		t.Errorf("got %+v", s)
	}
	if s.Brief != "Search stored notes by query." {
		t.Errorf("got brief %q", s.Brief)
	}
	result, err := h.Execute(context.Background(), nil, atoll.SkillContext{})
	if err != nil || result.Content != "echo" {
		t.Errorf("handler: got %+v, %v", result, err)
	}

	if _, _, ok := lib.Resolve("notes.delete"); ok {
		t.Error("unknown skill should not resolve")
	}
}

func TestUnboundHandlerLoadsDisabled(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t), WithHandlers(map[string]atoll.Handler{
		"notes.search": echoHandler,
		"notes.write":  echoHandler,
		// mail.send left unbound
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, ok := lib.Resolve("mail.send"); ok {
		t.Error("unbound skill should not resolve")
	}
	// Domain with no enabled skills disappears from listings.
	for _, d := range lib.Domains() {
		if d.Domain == "mail" {
			t.Errorf("mail should be hidden, got %+v", d)
		}
	}
	if _, ok := lib.SkillDoc("mail.send"); ok {
		t.Error("unbound skill doc should be hidden")
	}
}

func TestWithDisabled(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t),
		WithHandlers(allHandlers()),
		WithDisabled("notes.write"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, ok := lib.Resolve("notes.write"); ok {
		t.Error("disabled skill should not resolve")
	}
	if _, _, ok := lib.Resolve("notes.search"); !ok {
		t.Error("sibling skill should still resolve")
	}
	for _, d := range lib.Domains() {
		for _, name := range d.Skills {
			if name == "notes.write" {
				t.Error("disabled skill should be hidden from listings")
			}
		}
	}
}

func TestWithReadOnlyDomainWildcard(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t),
		WithHandlers(allHandlers()),
		WithReadOnly("notes.*"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"notes.search", "notes.write"} {
		s, _, ok := lib.Resolve(name)
		if !ok || !s.ReadOnly {
			t.Errorf("%s: got %+v, want read-only", name, s)
		}
	}
	s, _, _ := lib.Resolve("mail.send")
	if s.ReadOnly {
		t.Error("mail.send should not be read-only")
	}
}

func TestDomainIndex(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t), WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	index, ok := lib.DomainIndex("notes")
	if !ok {
		t.Fatal("notes index should exist")
	}
	want := "# notes\n\nStore and retrieve short notes.\n\n## Skills\n\n- notes.search — Search stored notes by query.\n- notes.write — Create or update a note."
	if index != want {
		t.Errorf("got:\n%s\nwant:\n%s", index, want)
	}

	if _, ok := lib.DomainIndex("payments"); ok {
		t.Error("unknown domain should not have an index")
	}
}

func TestSkillDoc(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t), WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc, ok := lib.SkillDoc("notes.search")
	if !ok {
		t.Fatal("notes.search doc should exist")
	}
	want := "# Search Notes\n\nSearch stored notes by query.\n\n## Usage\n\nPass a query flag."
	if doc != want {
		t.Errorf("got %q, want %q", doc, want)
	}
}

func TestReloadPicksUpNewSkills(t *testing.T) {
	dir := writeSkillDir(t)
	handlers := allHandlers()
	handlers["notes.archive"] = echoHandler

	lib, err := NewLibrary(dir, WithHandlers(handlers))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := lib.Resolve("notes.archive"); ok {
		t.Fatal("notes.archive should not exist yet")
	}

	err = os.WriteFile(filepath.Join(dir, "notes", "archive.md"),
		[]byte("# Archive Note\n\nMove a note to the archive.\n"), 0o644)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := lib.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, _, ok := lib.Resolve("notes.archive"); !ok {
		t.Error("notes.archive should resolve after reload")
	}
}

func TestReloadFailureKeepsOldSnapshot(t *testing.T) {
	dir := writeSkillDir(t)
	lib, err := NewLibrary(dir, WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := lib.Reload(); err == nil {
		t.Fatal("expected error, got nil")
	}

	// Catalog still serves the last good snapshot.
	if _, _, ok := lib.Resolve("notes.search"); !ok {
		t.Error("previous snapshot should survive a failed reload")
	}
}

func TestHiddenEntriesSkipped(t *testing.T) {
	dir := writeSkillDir(t)
	for _, name := range []string{"_drafts/wip.md", ".git/config.md"} {
		path := filepath.Join(dir, name)
		os.MkdirAll(filepath.Dir(path), 0o755)
		os.WriteFile(path, []byte("# Hidden\n\nShould not load.\n"), 0o644)
	}
	os.WriteFile(filepath.Join(dir, "notes", "_draft.md"),
		[]byte("# Draft\n\nShould not load either.\n"), 0o644)

	lib, err := NewLibrary(dir, WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(lib.Domains()) != 2 {
		t.Errorf("got %d domains, want 2", len(lib.Domains()))
	}
	if _, _, ok := lib.Resolve("notes._draft"); ok {
		t.Error("underscore files should be skipped")
	}
}

func TestNewStatic(t *testing.T) {
	lib := NewStatic([]atoll.Skill{
		{Name: "notes.search", Domain: "notes", Action: "search",
			Brief: "Search stored notes by query.", Doc: "# Search", ReadOnly: true, Enabled: true},
	}, map[string]atoll.Handler{"notes.search": echoHandler})

	if _, _, ok := lib.Resolve("notes.search"); !ok {
		t.Error("static skill should resolve")
	}
	if len(lib.Domains()) != 1 {
		t.Errorf("got %d domains, want 1", len(lib.Domains()))
	}
}

func TestWalkOrder(t *testing.T) {
	lib, err := NewLibrary(writeSkillDir(t), WithHandlers(allHandlers()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var names []string
	lib.Walk(func(s atoll.Skill) { names = append(names, s.Name) })
	want := []string{"mail.send", "notes.search", "notes.write"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("got %v, want %v", names, want)
			break
		}
	}
}
