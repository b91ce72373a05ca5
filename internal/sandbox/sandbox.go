// Package sandbox validates paths against a workspace root and gathers a
// bounded slice of project text for prompt context. Invalid, oversized,
// blocked, or unreadable files are silently excluded, never errors; only
// the returned file count and list reveal what was included.
package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"botforge/internal/logging"
)

const (
	// PerFileCap is the maximum size in bytes of any included file.
	PerFileCap = 50_000
	// TotalBudget is the global character budget for gathered content.
	TotalBudget = 120_000
	// truncateGrace: a file overflowing the remaining budget by at most
	// this many characters is truncated instead of skipped.
	truncateGrace = 200
)

// ignoredDirs are pruned from every walk.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"target":       true,
	"coverage":     true,
	"__pycache__":  true,
	"venv":         true,
	"bin":          true,
	"obj":          true,
}

// allowedExtensions is the fixed extension allow-list.
var allowedExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true,
	".go": true, ".py": true, ".rs": true, ".java": true, ".kt": true,
	".rb": true, ".php": true, ".c": true, ".cpp": true, ".cc": true,
	".h": true, ".hpp": true, ".cs": true, ".swift": true, ".scala": true,
	".html": true, ".css": true, ".scss": true, ".less": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".md": true, ".txt": true, ".sql": true, ".sh": true, ".graphql": true,
	".vue": true, ".svelte": true,
}

// blockedNames excludes credential-bearing files by case-insensitive
// substring match against the file name.
var blockedNames = []string{
	".env", "secret", "credential", "password", "id_rsa", "id_ed25519",
	".pem", ".key", "token", "private",
}

// Bundle is the result of a gather: concatenated text, the number of files
// included, and the ordered list of their workspace-relative paths.
type Bundle struct {
	Content   string
	FileCount int
	Files     []string
}

// Sandbox gathers and writes files under one workspace root.
type Sandbox struct {
	root string
}

// New creates a sandbox rooted at the given directory. The root is cleaned
// and made absolute once so every later prefix check compares like with like.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: cannot resolve root: %w", err)
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string { return s.root }

// Resolve validates a workspace-relative path and returns its absolute
// form. Absolute inputs and inputs containing ".." segments are rejected
// before resolution; after joining, the result must be the root or a true
// descendant of it.
func (s *Sandbox) Resolve(rel string) (string, bool) {
	if rel == "" {
		return "", false
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", false
		}
	}
	abs := filepath.Clean(filepath.Join(s.root, rel))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", false
	}
	return abs, true
}

// Gather collects allowed files under the target paths, concatenated with
// path headers, until the global budget is reached. Targets and exclusion
// prefixes are workspace-relative; invalid targets are dropped silently.
func (s *Sandbox) Gather(targets, excludes []string) Bundle {
	if len(targets) == 0 {
		targets = []string{"."}
	}

	var bundle Bundle
	var content strings.Builder
	consumed := 0
	budgetExhausted := false
	seen := make(map[string]bool)

	for _, target := range targets {
		if budgetExhausted {
			break
		}
		abs, ok := s.Resolve(target)
		if !ok {
			logging.SandboxDebug("dropping invalid target %q", target)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}

		var candidates []string
		if info.IsDir() {
			candidates = s.walk(abs)
		} else {
			candidates = []string{abs}
		}

		for _, path := range candidates {
			if budgetExhausted {
				break
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil || seen[rel] {
				continue
			}
			if s.excluded(rel, excludes) {
				continue
			}
			if !s.includable(path) {
				continue
			}

			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			header := fmt.Sprintf("=== %s ===\n", filepath.ToSlash(rel))
			text := string(data)
			entry := len(header) + len(text) + 1

			remaining := TotalBudget - consumed
			if entry > remaining {
				overflow := entry - remaining
				if overflow > truncateGrace {
					// Skipping entirely keeps later, smaller files eligible.
					continue
				}
				const marker = "\n[truncated]"
				keep := len(text) - overflow - len(marker)
				if keep < 0 {
					keep = 0
				}
				text = text[:keep] + marker
				budgetExhausted = true
			}

			content.WriteString(header)
			content.WriteString(text)
			content.WriteString("\n")
			consumed += len(header) + len(text) + 1

			seen[rel] = true
			bundle.Files = append(bundle.Files, filepath.ToSlash(rel))
			bundle.FileCount++
		}
	}

	bundle.Content = content.String()
	logging.Sandbox("gathered %d files, %d chars", bundle.FileCount, len(bundle.Content))
	return bundle
}

// walk enumerates files under dir in lexical order, pruning ignored and
// dotted directories and skipping dotted file names.
func (s *Sandbox) walk(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are silently excluded
		}
		name := d.Name()
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files
}

// excluded reports whether rel matches any exclusion prefix.
func (s *Sandbox) excluded(rel string, excludes []string) bool {
	slashRel := filepath.ToSlash(rel)
	for _, ex := range excludes {
		ex = strings.TrimPrefix(filepath.ToSlash(ex), "./")
		if ex == "" {
			continue
		}
		if strings.HasPrefix(slashRel, ex) {
			return true
		}
	}
	return false
}

// includable applies the extension allow-list, per-file size cap, and
// credential block-list.
func (s *Sandbox) includable(path string) bool {
	if !allowedExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	lower := strings.ToLower(filepath.Base(path))
	for _, blocked := range blockedNames {
		if strings.Contains(lower, blocked) {
			return false
		}
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() > PerFileCap {
		return false
	}
	return true
}
