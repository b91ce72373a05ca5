package pipeline

import (
	"fmt"
	"strings"
)

// RoleAllocation is the structured persona/behavior descriptor layered onto
// a skill's base prompt. Rendering is deterministic: every populated field
// yields exactly one directive sentence, every unset optional field none.
type RoleAllocation struct {
	Title             string   `json:"title"`
	FocusAreas        []string `json:"focus_areas,omitempty"`
	BehaviorMode      string   `json:"behavior_mode,omitempty"`      // strict|balanced|lenient
	OutputFormat      string   `json:"output_format,omitempty"`      // report|inline-comments|diff-patches|checklist
	SeverityThreshold string   `json:"severity_threshold,omitempty"` // all|warning+|critical-only
	Expertise         []string `json:"expertise,omitempty"`
	ResponseStyle     string   `json:"response_style,omitempty"`
	Languages         []string `json:"languages,omitempty"`
	Frameworks        []string `json:"frameworks,omitempty"`
	CustomDirective   string   `json:"custom_directive,omitempty"`
}

// Render produces the directive block appended to the skill base prompt.
func (r *RoleAllocation) Render() string {
	var sentences []string

	if r.Title != "" {
		sentences = append(sentences, fmt.Sprintf("You are acting as %s.", r.Title))
	}
	if len(r.FocusAreas) > 0 {
		sentences = append(sentences, fmt.Sprintf("Focus your analysis on: %s.", strings.Join(r.FocusAreas, ", ")))
	}
	switch r.BehaviorMode {
	case "strict":
		sentences = append(sentences, "Be strict: flag every deviation from best practice, however small.")
	case "balanced":
		sentences = append(sentences, "Be balanced: weigh severity against effort and note only meaningful findings.")
	case "lenient":
		sentences = append(sentences, "Be lenient: report only findings that materially affect correctness or security.")
	}
	switch r.OutputFormat {
	case "report":
		sentences = append(sentences, "Structure your response as a detailed report with sections.")
	case "inline-comments":
		sentences = append(sentences, "Present findings as inline comments referencing file and line.")
	case "diff-patches":
		sentences = append(sentences, "Present changes as unified diff patches.")
	case "checklist":
		sentences = append(sentences, "Present findings as a checklist with pass/fail marks.")
	}
	switch r.SeverityThreshold {
	case "all":
		sentences = append(sentences, "Report findings of every severity.")
	case "warning+":
		sentences = append(sentences, "Report only findings of warning severity or higher.")
	case "critical-only":
		sentences = append(sentences, "Report only critical findings.")
	}
	if len(r.Expertise) > 0 {
		sentences = append(sentences, fmt.Sprintf("Apply your expertise in: %s.", strings.Join(r.Expertise, ", ")))
	}
	if r.ResponseStyle != "" {
		sentences = append(sentences, fmt.Sprintf("Respond in a %s style.", r.ResponseStyle))
	}
	if len(r.Languages) > 0 {
		sentences = append(sentences, fmt.Sprintf("The project primarily uses: %s.", strings.Join(r.Languages, ", ")))
	}
	if len(r.Frameworks) > 0 {
		sentences = append(sentences, fmt.Sprintf("Relevant frameworks: %s.", strings.Join(r.Frameworks, ", ")))
	}
	if r.CustomDirective != "" {
		directive := strings.TrimSpace(r.CustomDirective)
		if !strings.HasSuffix(directive, ".") && !strings.HasSuffix(directive, "!") && !strings.HasSuffix(directive, "?") {
			directive += "."
		}
		sentences = append(sentences, directive)
	}

	return strings.Join(sentences, " ")
}
