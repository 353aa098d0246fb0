package loop

import (
	"regexp"
	"strings"
	"time"
)

// Status tracks a sub-goal through the execute/reflect cycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SubGoal is one step of a decomposed goal. Description is mutable:
// reflection may rewrite it before a retry.
type SubGoal struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	ToolHint    string `json:"tool_hint,omitempty"`
	Status      Status `json:"status"`
	Result      string `json:"result,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	Attempts    int    `json:"attempts"`
}

// ExecutionPlan is the ordered sub-goal list for one run.
type ExecutionPlan struct {
	Goal      string     `json:"goal"`
	SubGoals  []*SubGoal `json:"sub_goals"`
	Cursor    int        `json:"cursor"`
	CreatedAt time.Time  `json:"created_at"`
}

// Current returns the sub-goal at the cursor, or nil when done.
func (p *ExecutionPlan) Current() *SubGoal {
	if p.Cursor < 0 || p.Cursor >= len(p.SubGoals) {
		return nil
	}
	return p.SubGoals[p.Cursor]
}

// Complete reports whether every sub-goal has been visited.
func (p *ExecutionPlan) Complete() bool {
	return p.Cursor >= len(p.SubGoals)
}

var (
	stepLine = regexp.MustCompile(`^\s*(\d+)[.)]\s*(.+)$`)
	toolNote = regexp.MustCompile(`\(tool:\s*([\w.-]+)\)`)
)

// parseSubGoals extracts numbered steps from model output, pulling any
// "(tool: name)" annotation into the tool hint. Unnumbered lines are
// ignored. Returns nil when nothing parses.
func parseSubGoals(raw string) []*SubGoal {
	var goals []*SubGoal

	for _, line := range strings.Split(raw, "\n") {
		m := stepLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		desc := strings.TrimSpace(m[2])
		hint := ""
		if tm := toolNote.FindStringSubmatch(desc); tm != nil {
			hint = tm[1]
			desc = strings.TrimSpace(toolNote.ReplaceAllString(desc, ""))
		}
		if desc == "" {
			continue
		}

		goals = append(goals, &SubGoal{
			ID:          len(goals) + 1,
			Description: desc,
			ToolHint:    hint,
			Status:      StatusPending,
		})
	}

	return goals
}
