// Package skills holds the built-in prompt shortcuts the producer
// advertises to viewers.
package skills

import (
	"fmt"

	"github.com/ccluster/ccluster/internal/domain"
)

type skill struct {
	domain.Skill
	prompt string
}

// builtins is ordered; List preserves this order.
var builtins = []skill{
	{
		Skill: domain.Skill{
			ID:          "commit",
			Name:        "Commit changes",
			Description: "Stage and commit the current working tree changes with a descriptive message",
		},
		prompt: "Review the current working tree changes, stage them, and create a git commit with a clear, descriptive message summarizing what changed and why.",
	},
	{
		Skill: domain.Skill{
			ID:          "review-pr",
			Name:        "Review changes",
			Description: "Review the pending changes for bugs, style issues, and missing tests",
		},
		prompt: "Review the pending changes in this repository. Point out bugs, style inconsistencies, and missing test coverage, ordered by severity.",
	},
	{
		Skill: domain.Skill{
			ID:          "explain",
			Name:        "Explain codebase",
			Description: "Summarize the project structure and how the main pieces fit together",
		},
		prompt: "Explain this codebase: summarize the project structure, the main packages or modules, and how the pieces fit together. Keep it brief enough to read in a couple of minutes.",
	},
	{
		Skill: domain.Skill{
			ID:          "test",
			Name:        "Run tests",
			Description: "Run the project test suite and fix any failures",
		},
		prompt: "Run the project's test suite. If any tests fail, investigate and fix the failures, then re-run to confirm.",
	},
	{
		Skill: domain.Skill{
			ID:          "fix-lint",
			Name:        "Fix lint issues",
			Description: "Run the project linters and resolve reported issues",
		},
		prompt: "Run the project's linters and formatters, then fix every reported issue without changing behavior.",
	},
}

// List returns the skills to advertise in a register_skills frame.
func List() []domain.Skill {
	out := make([]domain.Skill, len(builtins))
	for i, s := range builtins {
		out[i] = s.Skill
	}
	return out
}

// Prompt resolves a skill ID to the prompt text sent to the engine.
func Prompt(id string) (string, error) {
	for _, s := range builtins {
		if s.ID == id {
			return s.prompt, nil
		}
	}
	return "", fmt.Errorf("unknown skill %q", id)
}
