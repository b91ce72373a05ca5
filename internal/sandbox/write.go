package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"botforge/internal/logging"
)

// ErrOutsideRoot is returned for write targets that do not resolve under
// the workspace root. Callers report these rather than writing elsewhere.
var ErrOutsideRoot = errors.New("sandbox: path resolves outside workspace root")

// WriteFile writes content to a workspace-relative path, creating missing
// parent directories. The path is re-validated against the root even when
// it came from an earlier gather.
func (s *Sandbox) WriteFile(rel string, content []byte) error {
	abs, ok := s.Resolve(rel)
	if !ok {
		logging.SandboxWarn("refusing write outside root: %q", rel)
		return ErrOutsideRoot
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("sandbox: create directories: %w", err)
	}
	if err := os.WriteFile(abs, content, 0644); err != nil {
		return fmt.Errorf("sandbox: write file: %w", err)
	}
	logging.Sandbox("wrote %s (%d bytes)", rel, len(content))
	return nil
}
