package pipeline

import (
	"errors"
	"fmt"
)

// Task is one bot dispatch against the workspace.
type Task struct {
	BotID          string         `json:"bot_id"`
	UserID         string         `json:"user_id"`
	Skill          string         `json:"skill"`
	Specialization string         `json:"specialization"`
	Role           RoleAllocation `json:"role"`
	TargetPaths    []string       `json:"target_paths"`
	ExcludePaths   []string       `json:"exclude_paths,omitempty"`
	Model          string         `json:"model,omitempty"`
}

// ErrInvalidTask rejects malformed input before any work starts. This is
// the only pre-work rejection in the pipeline.
var ErrInvalidTask = errors.New("pipeline: invalid task")

// Validate checks the required task fields.
func (t *Task) Validate() error {
	if t.Skill == "" {
		return fmt.Errorf("%w: skill is required", ErrInvalidTask)
	}
	if t.Specialization == "" {
		return fmt.Errorf("%w: specialization is required", ErrInvalidTask)
	}
	if t.Role.Title == "" {
		return fmt.Errorf("%w: role title is required", ErrInvalidTask)
	}
	return nil
}

// ChainStep is one ordered step of a multi-step chain. Each step carries
// its own role and model preference.
type ChainStep struct {
	Skill       string         `json:"skill"`
	Role        RoleAllocation `json:"role"`
	Model       string         `json:"model,omitempty"`
	Instruction string         `json:"instruction,omitempty"`
}

// ChainRequest is an ordered multi-step execution over one workspace.
type ChainRequest struct {
	BotID        string      `json:"bot_id"`
	UserID       string      `json:"user_id"`
	TargetPaths  []string    `json:"target_paths"`
	ExcludePaths []string    `json:"exclude_paths,omitempty"`
	Steps        []ChainStep `json:"steps"`
}

// Validate checks the chain and every step.
func (c *ChainRequest) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: chain has no steps", ErrInvalidTask)
	}
	for i, step := range c.Steps {
		if step.Skill == "" {
			return fmt.Errorf("%w: step %d missing skill", ErrInvalidTask, i)
		}
		if step.Role.Title == "" {
			return fmt.Errorf("%w: step %d missing role title", ErrInvalidTask, i)
		}
	}
	return nil
}
