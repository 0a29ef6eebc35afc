// Package cascade drives documents through the fixed refinement pipeline
// idea → prompt → analyzed → planned → done, one execution per stage.
package cascade

import (
	"fmt"
	"strings"
	"time"

	"github.com/emdx-dev/emdx/internal/engine"
)

// Stage is a document's position in the pipeline.
type Stage string

const (
	StageIdea     Stage = "idea"
	StagePrompt   Stage = "prompt"
	StageAnalyzed Stage = "analyzed"
	StagePlanned  Stage = "planned"
	StageDone     Stage = "done"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{StageIdea, StagePrompt, StageAnalyzed, StagePlanned, StageDone}

// ParseStage validates a stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Stages {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q (expected one of: %s)", raw, stageNames())
}

func stageNames() string {
	names := make([]string, len(Stages))
	for i, s := range Stages {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// Next returns the stage after s. done is terminal and has no successor.
func Next(s Stage) (Stage, bool) {
	for i, known := range Stages {
		if s == known && i+1 < len(Stages) {
			return Stages[i+1], true
		}
	}
	return "", false
}

// Index returns s's position in the pipeline, or -1.
func Index(s Stage) int {
	for i, known := range Stages {
		if s == known {
			return i
		}
	}
	return -1
}

// Before reports whether a comes strictly before b in the pipeline.
func Before(a, b Stage) bool {
	ia, ib := Index(a), Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}

// stageTemplates hold the per-stage transformation prompt; each has one
// {content} hole. done is terminal and has no template.
var stageTemplates = map[Stage]string{
	StageIdea: "Refine the following rough idea into a clear, actionable prompt. " +
		"Keep the intent, sharpen the scope, and state the desired outcome explicitly.\n\n{content}",
	StagePrompt: "Analyze the following prompt. Identify the affected areas, risks, " +
		"unknowns and constraints, and produce a structured analysis.\n\n{content}",
	StageAnalyzed: "Turn the following analysis into a concrete implementation plan: " +
		"ordered steps, files to touch, and verification for each step.\n\n{content}",
	StagePlanned: "Implement the following plan. Make the changes, verify them, and " +
		"open a pull request when appropriate.\n\n{content}",
}

// PromptFor renders the stage prompt for a document's content.
func PromptFor(s Stage, content string) (string, error) {
	tmpl, ok := stageTemplates[s]
	if !ok {
		return "", fmt.Errorf("stage %q has no prompt template", s)
	}
	return strings.ReplaceAll(tmpl, "{content}", content), nil
}

// TimeoutFor returns the stage execution deadline. The planned → done
// transition is implementation work and gets the long timeout; everything
// else is text transformation and gets the default.
func TimeoutFor(s Stage, cfg *engine.Config) time.Duration {
	if s == StagePlanned {
		return cfg.ImplementationTimeout()
	}
	return cfg.DefaultTimeout()
}
