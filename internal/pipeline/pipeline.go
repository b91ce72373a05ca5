// Package pipeline composes the sandbox, the gateway client, and the
// provider router into the four bot execution modes: single analyze,
// analyze-and-fix, sequential chain, and live stream.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"botforge/internal/logging"
	"botforge/internal/provider"
	"botforge/internal/sandbox"
	"botforge/internal/store"
)

// carryOverChars bounds how much of a step's raw output the next chain
// step sees.
const carryOverChars = 4000

// GatewayExecutor is the slice of the gateway client the pipeline needs.
// When connected, task execution is attempted through it before falling
// back to the provider router.
type GatewayExecutor interface {
	Connected() bool
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Runner executes bot tasks against one workspace.
type Runner struct {
	box    *sandbox.Sandbox
	router *provider.Router
	gw     GatewayExecutor // may be nil
	proof  Anchor          // may be nil
	skills *SkillSet
}

// NewRunner wires the pipeline. gw and proof may be nil; the pipeline then
// runs router-only and skips anchoring.
func NewRunner(box *sandbox.Sandbox, router *provider.Router, gw GatewayExecutor, proof Anchor, skills *SkillSet) *Runner {
	if skills == nil {
		skills = NewSkillSet("")
	}
	return &Runner{box: box, router: router, gw: gw, proof: proof, skills: skills}
}

// TaskResult is the outcome of a single analyze.
type TaskResult struct {
	BotID          string   `json:"bot_id"`
	Skill          string   `json:"skill"`
	Specialization string   `json:"specialization"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model,omitempty"`
	Response       string   `json:"response"`
	Summary        string   `json:"summary"`
	IssuesFound    int      `json:"issues_found"`
	Suggestions    int      `json:"suggestions"`
	FilesAnalyzed  int      `json:"files_analyzed"`
	FileList       []string `json:"file_list"`
	DurationMS     int64    `json:"duration_ms"`
}

// FileWrite reports one attempted fix write.
type FileWrite struct {
	Path    string `json:"path"`
	Written bool   `json:"written"`
	Error   string `json:"error,omitempty"`
}

// FixResult is the outcome of analyze-and-fix.
type FixResult struct {
	TaskResult
	Writes []FileWrite `json:"writes"`
}

// StepStatus is a chain step's terminal state.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult reports one chain step.
type StepResult struct {
	Index        int         `json:"index"`
	Skill        string      `json:"skill"`
	Status       StepStatus  `json:"status"`
	Error        string      `json:"error,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Writes       []FileWrite `json:"writes,omitempty"`
	WrittenPaths []string    `json:"written_paths,omitempty"`
}

// ChainResult aggregates a chain run. WrittenPaths is deduplicated, in
// first-write order across steps.
type ChainResult struct {
	Steps          []StepResult `json:"steps"`
	CompletedSteps int          `json:"completed_steps"`
	WrittenPaths   []string     `json:"written_paths"`
}

// buildSystemPrompt layers the role rendering over the skill base prompt.
func (r *Runner) buildSystemPrompt(skill string, role *RoleAllocation) string {
	base := r.skills.BasePrompt(skill)
	directives := role.Render()
	if directives == "" {
		return base
	}
	return base + "\n\n" + directives
}

// buildUserPrompt assembles the instruction plus gathered project content.
func buildUserPrompt(instruction string, bundle sandbox.Bundle, carryOver string) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	if carryOver != "" {
		b.WriteString("Output of the previous step:\n")
		b.WriteString(carryOver)
		b.WriteString("\n\n")
	}
	if bundle.FileCount == 0 {
		b.WriteString("No project files were available for analysis.")
	} else {
		b.WriteString(fmt.Sprintf("Project files (%d):\n\n", bundle.FileCount))
		b.WriteString(bundle.Content)
	}
	return b.String()
}

// generate runs one bounded generation: gateway first when connected, then
// the router's fallback order. Returns the content and the provider label.
func (r *Runner) generate(ctx context.Context, skill string, req *provider.Request) (string, string, error) {
	if r.gw != nil && r.gw.Connected() {
		content, err := r.generateViaGateway(ctx, skill, req)
		if err == nil {
			return content, "gateway", nil
		}
		logging.PipelineWarn("gateway execution failed, falling back to router: %v", err)
	}

	selected, err := r.router.SelectBest(req)
	if err != nil {
		return "", "", err
	}

	var lastErr error
	for _, svc := range r.router.FallbackOrder(selected) {
		resp, err := svc.Generate(ctx, req)
		if err == nil {
			return resp.Content, resp.Provider, nil
		}
		lastErr = err
		logging.PipelineWarn("backend %s failed: %v", svc.Name(), err)
	}
	return "", "", fmt.Errorf("%w: %v", provider.ErrAllProvidersFailed, lastErr)
}

// generateViaGateway executes the task over the control channel.
func (r *Runner) generateViaGateway(ctx context.Context, skill string, req *provider.Request) (string, error) {
	params := map[string]interface{}{
		"skill":  skill,
		"system": req.System,
		"prompt": lastUserMessage(req),
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	payload, err := r.gw.Request(ctx, "skills.execute", params)
	if err != nil {
		return "", err
	}
	var result struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("bad gateway payload: %w", err)
	}
	if result.Output == "" {
		return "", fmt.Errorf("gateway returned empty output")
	}
	return result.Output, nil
}

func lastUserMessage(req *provider.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// Execute runs a single analyze task.
func (r *Runner) Execute(ctx context.Context, task *Task) (*TaskResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	system := r.buildSystemPrompt(task.Skill, &task.Role)
	bundle := r.box.Gather(task.TargetPaths, task.ExcludePaths)

	req := &provider.Request{
		Model:  task.Model,
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: buildUserPrompt("Perform the "+task.Skill+" task on the project files below.", bundle, "")},
		},
	}

	content, providerName, err := r.generate(ctx, task.Skill, req)
	if err != nil {
		return nil, err
	}

	issues, suggestions := CountFindings(content)
	result := &TaskResult{
		BotID:          task.BotID,
		Skill:          task.Skill,
		Specialization: task.Specialization,
		Provider:       providerName,
		Model:          task.Model,
		Response:       content,
		Summary:        SummaryLine(content),
		IssuesFound:    issues,
		Suggestions:    suggestions,
		FilesAnalyzed:  bundle.FileCount,
		FileList:       bundle.Files,
		DurationMS:     time.Since(start).Milliseconds(),
	}

	r.anchor(recordFor(task, result))
	logging.Pipeline("executed skill=%s provider=%s files=%d in %dms",
		task.Skill, providerName, bundle.FileCount, result.DurationMS)
	return result, nil
}

const fixInstruction = "After your analysis, emit the complete corrected contents of every file you change " +
	"as a fenced code block whose info string is `file:<relative path>`, for example:\n" +
	"```file:src/app.ts\n...full file contents...\n```\n" +
	"Emit one block per file and include the entire file, not a fragment."

// ExecuteFix runs analyze-and-fix: the response's labeled file blocks are
// re-validated against the workspace root and written back.
func (r *Runner) ExecuteFix(ctx context.Context, task *Task) (*FixResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	system := r.buildSystemPrompt(task.Skill, &task.Role) + "\n\n" + fixInstruction
	bundle := r.box.Gather(task.TargetPaths, task.ExcludePaths)

	req := &provider.Request{
		Model:  task.Model,
		System: system,
		Messages: []provider.Message{
			{Role: "user", Content: buildUserPrompt("Perform the "+task.Skill+" task and fix the problems you find.", bundle, "")},
		},
	}

	content, providerName, err := r.generate(ctx, task.Skill, req)
	if err != nil {
		return nil, err
	}

	writes := r.applyFileBlocks(content)

	issues, suggestions := CountFindings(content)
	result := &FixResult{
		TaskResult: TaskResult{
			BotID:          task.BotID,
			Skill:          task.Skill,
			Specialization: task.Specialization,
			Provider:       providerName,
			Model:          task.Model,
			Response:       content,
			Summary:        SummaryLine(content),
			IssuesFound:    issues,
			Suggestions:    suggestions,
			FilesAnalyzed:  bundle.FileCount,
			FileList:       bundle.Files,
			DurationMS:     time.Since(start).Milliseconds(),
		},
		Writes: writes,
	}

	r.anchor(recordFor(task, &result.TaskResult))
	return result, nil
}

// applyFileBlocks writes each extracted block inside the sandbox. An
// out-of-root path is reported written:false rather than written elsewhere.
func (r *Runner) applyFileBlocks(content string) []FileWrite {
	blocks := ParseFileBlocks(content)
	writes := make([]FileWrite, 0, len(blocks))
	for _, block := range blocks {
		w := FileWrite{Path: block.Path}
		if err := r.box.WriteFile(block.Path, []byte(block.Content)); err != nil {
			w.Error = err.Error()
		} else {
			w.Written = true
		}
		writes = append(writes, w)
	}
	return writes
}

// ExecuteChain runs ordered steps sequentially. Files are re-read fresh
// before every step so later steps observe earlier steps' writes; a failed
// step never removes subsequent steps from execution.
func (r *Runner) ExecuteChain(ctx context.Context, chain *ChainRequest) (*ChainResult, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}

	result := &ChainResult{}
	writtenUnion := make(map[string]bool)
	var carryOver string

	for i, step := range chain.Steps {
		stepRes := StepResult{Index: i, Skill: step.Skill}

		system := r.buildSystemPrompt(step.Skill, &step.Role) + "\n\n" + fixInstruction
		bundle := r.box.Gather(chain.TargetPaths, chain.ExcludePaths)

		instruction := step.Instruction
		if instruction == "" {
			instruction = "Perform the " + step.Skill + " task on the project files below."
		}

		req := &provider.Request{
			Model:  step.Model,
			System: system,
			Messages: []provider.Message{
				{Role: "user", Content: buildUserPrompt(instruction, bundle, carryOver)},
			},
		}

		content, providerName, err := r.generate(ctx, step.Skill, req)
		if err != nil {
			stepRes.Status = StepFailed
			stepRes.Error = err.Error()
			result.Steps = append(result.Steps, stepRes)
			logging.PipelineWarn("chain step %d (%s) failed: %v", i, step.Skill, err)
			// carryOver keeps the last successful output for the next step.
			continue
		}

		stepRes.Status = StepCompleted
		stepRes.Provider = providerName
		stepRes.Summary = SummaryLine(content)
		stepRes.Writes = r.applyFileBlocks(content)
		for _, w := range stepRes.Writes {
			if w.Written {
				stepRes.WrittenPaths = append(stepRes.WrittenPaths, w.Path)
				if !writtenUnion[w.Path] {
					writtenUnion[w.Path] = true
					result.WrittenPaths = append(result.WrittenPaths, w.Path)
				}
			}
		}

		carryOver = Truncate(content, carryOverChars)
		result.CompletedSteps++
		result.Steps = append(result.Steps, stepRes)
	}

	logging.Pipeline("chain finished: %d/%d steps completed, %d files written",
		result.CompletedSteps, len(chain.Steps), len(result.WrittenPaths))
	return result, nil
}

func recordFor(task *Task, res *TaskResult) *store.ExecutionRecord {
	return &store.ExecutionRecord{
		ID:             uuid.NewString(),
		BotID:          task.BotID,
		UserID:         task.UserID,
		Specialization: task.Specialization,
		Skill:          task.Skill,
		FilesAnalyzed:  res.FilesAnalyzed,
		FileList:       res.FileList,
		IssuesFound:    res.IssuesFound,
		Provider:       res.Provider,
		Summary:        res.Summary,
		CreatedAt:      time.Now(),
	}
}
