package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"botforge/internal/logging"
)

// SkillInfo describes one skill in the catalog. Served from skills.list
// when the gateway is offline.
type SkillInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	SkillType    string   `json:"skill_type"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

// basePrompts are the built-in system prompts per skill.
var basePrompts = map[string]string{
	"code-review": "You are a senior code reviewer. Analyze the provided project files for correctness, security, performance, and maintainability problems. Cite the file and location for every finding.",
	"test-gen":    "You are a test engineer. Generate comprehensive tests for the provided project files, covering happy paths, edge cases, and failure modes.",
	"docs":        "You are a technical writer. Generate clear documentation for the provided project files: purpose, public API, and usage examples.",
	"refactor":    "You are a refactoring specialist. Identify duplication, oversized functions, and unclear naming in the provided files, and propose concrete restructurings.",
	"debug":       "You are a debugging assistant. Analyze the provided files for the described defect, explain the likely root cause, and propose a fix.",
	"optimize":    "You are a performance engineer. Analyze the provided files for algorithmic and resource inefficiencies and propose measurable improvements.",
	"security":    "You are a security auditor. Scan the provided files for vulnerabilities, unsafe patterns, and exposed secrets. Rate each finding by severity.",
}

const defaultPrompt = "You are a software engineering assistant. Analyze the provided project files and respond to the task."

// Catalog returns the built-in skill list.
func Catalog() []SkillInfo {
	return []SkillInfo{
		{Name: "code-review", Description: "AI-powered code review with security and quality analysis", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"syntax-analysis", "security-scanning", "performance-hints", "best-practices"}},
		{Name: "test-gen", Description: "Generate comprehensive test suites for code", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"unit-tests", "integration-tests", "edge-cases"}},
		{Name: "docs", Description: "Auto-generate documentation from code", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"api-reference", "usage-examples", "type-documentation"}},
		{Name: "refactor", Description: "Intelligent code refactoring suggestions", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"extract-function", "rename-symbol", "simplify-logic", "remove-duplication"}},
		{Name: "debug", Description: "AI-assisted debugging and error analysis", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"error-analysis", "stack-trace-parsing", "fix-suggestions"}},
		{Name: "optimize", Description: "Performance optimization suggestions", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"complexity-analysis", "memory-optimization", "algorithm-suggestions"}},
		{Name: "security", Description: "Security vulnerability scanning", SkillType: "workspace", Enabled: true,
			Capabilities: []string{"vulnerability-detection", "dependency-audit", "secure-coding-tips"}},
	}
}

// SkillSet resolves base prompts, with optional file overrides from a
// watched prompt directory. Override files are named <skill>.md or
// <skill>.txt.
type SkillSet struct {
	mu        sync.RWMutex
	overrides map[string]string
	dir       string
	watcher   *fsnotify.Watcher
}

// NewSkillSet creates a skill set; dir may be empty (built-ins only).
func NewSkillSet(dir string) *SkillSet {
	s := &SkillSet{
		overrides: make(map[string]string),
		dir:       dir,
	}
	if dir != "" {
		s.loadOverrides()
	}
	return s
}

// BasePrompt returns the prompt for a skill, preferring overrides.
func (s *SkillSet) BasePrompt(skill string) string {
	s.mu.RLock()
	if p, ok := s.overrides[skill]; ok {
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	if p, ok := basePrompts[skill]; ok {
		return p
	}
	return defaultPrompt
}

func (s *SkillSet) loadOverrides() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	loaded := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".md" && ext != ".txt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		skill := strings.TrimSuffix(e.Name(), ext)
		text := strings.TrimSpace(string(data))
		if text != "" {
			loaded[skill] = text
		}
	}

	s.mu.Lock()
	s.overrides = loaded
	s.mu.Unlock()

	logging.Pipeline("loaded %d skill prompt overrides from %s", len(loaded), s.dir)
}

// Watch reloads overrides whenever the prompt directory changes. Returns
// immediately when no directory is configured.
func (s *SkillSet) Watch() error {
	if s.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					logging.PipelineDebug("skill prompts changed (%s), reloading", ev.Name)
					s.loadOverrides()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (s *SkillSet) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}
