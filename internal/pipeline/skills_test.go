package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBasePromptBuiltins(t *testing.T) {
	s := NewSkillSet("")
	defer s.Close()

	if got := s.BasePrompt("code-review"); got == "" || got == defaultPrompt {
		t.Errorf("code-review prompt = %q, want a dedicated builtin", got)
	}
	if got := s.BasePrompt("made-up-skill"); got != defaultPrompt {
		t.Errorf("unknown skill prompt = %q, want the default", got)
	}
}

func TestBasePromptOverridesFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "code-review.md"), []byte("Custom reviewer prompt.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.bak"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSkillSet(dir)
	defer s.Close()

	if got := s.BasePrompt("code-review"); got != "Custom reviewer prompt." {
		t.Errorf("override not applied, got %q", got)
	}
	if got := s.BasePrompt("notes"); got != defaultPrompt {
		t.Errorf("non-prompt extension loaded: %q", got)
	}
	if got := s.BasePrompt("test-gen"); got != basePrompts["test-gen"] {
		t.Errorf("builtin lost, got %q", got)
	}
}

func TestWatchReloadsOverrides(t *testing.T) {
	dir := t.TempDir()
	s := NewSkillSet(dir)
	defer s.Close()
	if err := s.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "docs.txt"), []byte("Reloaded docs prompt."), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.BasePrompt("docs") != "Reloaded docs prompt." {
		if time.Now().After(deadline) {
			t.Fatalf("override never reloaded, still %q", s.BasePrompt("docs"))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCatalogStable(t *testing.T) {
	catalog := Catalog()
	if len(catalog) != 7 {
		t.Fatalf("catalog size = %d, want 7", len(catalog))
	}
	names := map[string]bool{}
	for _, s := range catalog {
		if !s.Enabled {
			t.Errorf("skill %s disabled", s.Name)
		}
		if len(s.Capabilities) == 0 {
			t.Errorf("skill %s has no capabilities", s.Name)
		}
		names[s.Name] = true
	}
	for _, want := range []string{"code-review", "test-gen", "docs", "refactor", "debug", "optimize", "security"} {
		if !names[want] {
			t.Errorf("catalog missing %s", want)
		}
	}
	for name := range names {
		if _, ok := basePrompts[name]; !ok {
			t.Errorf("catalog skill %s has no base prompt", name)
		}
	}
}
