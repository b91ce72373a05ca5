package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, root
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	s, _ := newTestSandbox(t)

	bad := []string{
		"",
		"../../etc/passwd",
		"..",
		"src/../../other",
		"/etc/passwd",
		"\\windows\\system32",
	}
	for _, rel := range bad {
		if _, ok := s.Resolve(rel); ok {
			t.Errorf("Resolve(%q) accepted, want rejected", rel)
		}
	}

	good := []string{".", "src", "src/app.ts", "a/b/c.go", "./src/app.ts"}
	for _, rel := range good {
		abs, ok := s.Resolve(rel)
		if !ok {
			t.Errorf("Resolve(%q) rejected, want accepted", rel)
			continue
		}
		if abs != s.Root() && !strings.HasPrefix(abs, s.Root()+string(filepath.Separator)) {
			t.Errorf("Resolve(%q) = %q escapes root %q", rel, abs, s.Root())
		}
	}
}

func TestGatherSkipsCredentialsAndDotted(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "a.ts", "export const a = 1\n")
	mustWrite(t, root, "secrets/.env", "API_KEY=xyz\n")
	mustWrite(t, root, ".hidden.ts", "nope\n")
	mustWrite(t, root, "my_password.txt", "hunter2\n")
	mustWrite(t, root, "deploy_token.md", "tok\n")

	bundle := s.Gather([]string{"."}, nil)

	if bundle.FileCount != 1 {
		t.Fatalf("FileCount = %d, want 1 (files: %v)", bundle.FileCount, bundle.Files)
	}
	if diff := cmp.Diff([]string{"a.ts"}, bundle.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(bundle.Content, "API_KEY") || strings.Contains(bundle.Content, "hunter2") {
		t.Error("credential content leaked into bundle")
	}
	if !strings.Contains(bundle.Content, "=== a.ts ===") {
		t.Errorf("missing path header, content:\n%s", bundle.Content)
	}
}

func TestGatherIgnoredDirsAndExtensions(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "src/main.go", "package main\n")
	mustWrite(t, root, "node_modules/lib/index.js", "module.exports = {}\n")
	mustWrite(t, root, "vendor/dep/dep.go", "package dep\n")
	mustWrite(t, root, "image.png", "\x89PNG")
	mustWrite(t, root, "binary.exe", "MZ")

	bundle := s.Gather([]string{"."}, nil)

	if diff := cmp.Diff([]string{"src/main.go"}, bundle.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
}

func TestGatherExcludePrefixes(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "src/app.ts", "app\n")
	mustWrite(t, root, "src/gen/schema.ts", "gen\n")
	mustWrite(t, root, "docs/readme.md", "docs\n")

	bundle := s.Gather([]string{"."}, []string{"src/gen", "./docs"})

	if diff := cmp.Diff([]string{"src/app.ts"}, bundle.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
}

func TestGatherDeduplicatesOverlappingTargets(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "src/app.ts", "app\n")

	bundle := s.Gather([]string{".", "src", "src/app.ts"}, nil)

	if bundle.FileCount != 1 {
		t.Fatalf("FileCount = %d, want 1 (files: %v)", bundle.FileCount, bundle.Files)
	}
	if n := strings.Count(bundle.Content, "=== src/app.ts ==="); n != 1 {
		t.Errorf("header appears %d times, want 1", n)
	}
}

func TestGatherPerFileCap(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "big.txt", strings.Repeat("x", PerFileCap+1))
	mustWrite(t, root, "ok.txt", "fine\n")

	bundle := s.Gather([]string{"."}, nil)

	if diff := cmp.Diff([]string{"ok.txt"}, bundle.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
}

func TestGatherBudgetNeverExceeded(t *testing.T) {
	s, root := newTestSandbox(t)
	// Three files just under the per-file cap overflow the total budget.
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		mustWrite(t, root, name, strings.Repeat("x", PerFileCap-100))
	}

	bundle := s.Gather([]string{"."}, nil)

	if len(bundle.Content) > TotalBudget {
		t.Fatalf("content = %d chars, exceeds budget %d", len(bundle.Content), TotalBudget)
	}
	if bundle.FileCount < 2 {
		t.Errorf("FileCount = %d, want at least 2 under the budget", bundle.FileCount)
	}
}

func TestGatherTruncationGrace(t *testing.T) {
	s, root := newTestSandbox(t)
	// First file consumes most of the budget; the second overflows the
	// remainder by less than the grace and is truncated in place.
	first := strings.Repeat("a", PerFileCap-100)
	mustWrite(t, root, "a1.txt", first)
	mustWrite(t, root, "a2.txt", first)
	headerOverhead := len("=== a3.txt ===\n") + 1
	remaining := TotalBudget - 2*(len("=== a1.txt ===\n")+len(first)+1)
	mustWrite(t, root, "a3.txt", strings.Repeat("b", remaining-headerOverhead+150))

	bundle := s.Gather([]string{"."}, nil)

	if len(bundle.Content) > TotalBudget {
		t.Fatalf("content = %d chars, exceeds budget %d", len(bundle.Content), TotalBudget)
	}
	if !strings.Contains(bundle.Content, "[truncated]") {
		t.Error("expected truncation marker for the overflowing file")
	}
	if bundle.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", bundle.FileCount)
	}
}

func TestGatherSkipsFarOverflow(t *testing.T) {
	s, root := newTestSandbox(t)
	first := strings.Repeat("a", PerFileCap-100)
	mustWrite(t, root, "a1.txt", first)
	mustWrite(t, root, "a2.txt", first)
	// Overflows the remainder by far more than the grace: skipped whole,
	// leaving room for the small file after it.
	mustWrite(t, root, "a3.txt", strings.Repeat("b", PerFileCap-100))
	mustWrite(t, root, "a4.txt", "small\n")

	bundle := s.Gather([]string{"."}, nil)

	if len(bundle.Content) > TotalBudget {
		t.Fatalf("content = %d chars, exceeds budget %d", len(bundle.Content), TotalBudget)
	}
	for _, f := range bundle.Files {
		if f == "a3.txt" {
			t.Error("a3.txt should have been skipped")
		}
	}
	found := false
	for _, f := range bundle.Files {
		if f == "a4.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("a4.txt should still fit after the skip, files: %v", bundle.Files)
	}
}

func TestGatherIdempotent(t *testing.T) {
	s, root := newTestSandbox(t)
	mustWrite(t, root, "src/a.go", "package a\n")
	mustWrite(t, root, "src/b.go", "package b\n")
	mustWrite(t, root, "readme.md", "# hi\n")

	first := s.Gather([]string{"."}, nil)
	second := s.Gather([]string{"."}, nil)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated gather differs (-first +second):\n%s", diff)
	}
}

func TestWriteFileStaysInRoot(t *testing.T) {
	s, root := newTestSandbox(t)

	if err := s.WriteFile("out/new.ts", []byte("created\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "out", "new.ts"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "created\n" {
		t.Errorf("content = %q", data)
	}

	if err := s.WriteFile("../escape.ts", []byte("nope")); err == nil {
		t.Fatal("WriteFile accepted a path outside the root")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "escape.ts")); err == nil {
		t.Error("file was written outside the root")
	}
}
