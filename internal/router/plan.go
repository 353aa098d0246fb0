package router

import (
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// Task is one unit of work bound to a backend agent.
type Task struct {
	Agent     string   `json:"agent"`
	Query     string   `json:"query"`
	Priority  int      `json:"priority"`
	DependsOn []string `json:"depends_on,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
}

// Plan is a validated routing decision for one query.
type Plan struct {
	Tasks     []Task `json:"tasks"`
	Parallel  bool   `json:"parallel"`
	Reasoning string `json:"reasoning,omitempty"`
}

// parsePlan extracts a routing plan from raw model output. The JSON
// object may be wrapped in code fences or prose; tasks referencing
// backends outside available are discarded.
func parsePlan(raw string, available []string) (*Plan, error) {
	body := extractJSON(raw)
	if body == "" || !gjson.Valid(body) {
		return nil, apperrors.Permanent(apperrors.CodeModelInvalidResponse,
			"no JSON object in plan response")
	}

	doc := gjson.Parse(body)
	plan := &Plan{
		Parallel:  doc.Get("parallel").Bool(),
		Reasoning: doc.Get("reasoning").String(),
	}

	known := make(map[string]bool, len(available))
	for _, name := range available {
		known[name] = true
	}

	for _, t := range doc.Get("tasks").Array() {
		task := Task{
			Agent:    strings.TrimSpace(t.Get("agent").String()),
			Query:    strings.TrimSpace(t.Get("query").String()),
			Priority: int(t.Get("priority").Int()),
		}
		if task.Agent == "" || task.Query == "" || !known[task.Agent] {
			continue
		}
		for _, d := range t.Get("depends_on").Array() {
			task.DependsOn = append(task.DependsOn, d.String())
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	return plan, nil
}

// extractJSON returns the outermost brace-delimited region of s,
// stripping any fenced code block first.
func extractJSON(s string) string {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = rest[:j]
		} else {
			s = rest
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
