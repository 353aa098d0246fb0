// Package prompt builds system and task prompts for Conduit.
package prompt

import (
	"fmt"
	"strings"
)

// specialist system prompts keyed by backend name
var specialists = map[string]string{
	"postgres": "You are a database specialist. You answer questions by querying " +
		"a PostgreSQL database through the available tools. Inspect schemas before " +
		"writing queries, prefer read-only statements, and present results as " +
		"concise tables or summaries.",
	"github": "You are a source control specialist. You work with GitHub " +
		"repositories through the available tools. Reference issues, pull requests " +
		"and files precisely, and quote shas and paths rather than paraphrasing them.",
	"filesystem": "You are a filesystem specialist. You read, search and organize " +
		"files through the available tools. Always confirm paths exist before " +
		"operating on them and never modify files unless explicitly asked.",
}

const genericSpecialist = "You are a specialist for the %s tool server. Use only " +
	"its tools to answer the request, and say so plainly when a request falls " +
	"outside what those tools can do."

// SpecialistSystem returns the system prompt for a single-backend agent.
func SpecialistSystem(server string) string {
	if p, ok := specialists[server]; ok {
		return p
	}
	return fmt.Sprintf(genericSpecialist, server)
}

// RunnerSystem returns the system prompt for the tool-running delegate.
// toolList is a rendered inventory of callable tools.
func RunnerSystem(toolList string) string {
	return `You are Conduit, an assistant that completes requests by calling tools.

Available tools:
` + toolList + `

Respond with exactly one JSON object per turn, nothing else:
  {"tool": "<server>.<name>", "arguments": {...}}  to call a tool
  {"answer": "<final response text>"}              when done

Call tools only from the list above. When the request names a restriction
to one server, never call tools from any other server.`
}

// PlanDecomposition asks the model to split a request across backends.
func PlanDecomposition(query string, servers []string) string {
	return fmt.Sprintf(`Decompose this user request into tasks for the available agents.

Available agents: %s

User request: %s

Respond with JSON only:
{
  "tasks": [
    {"agent": "<agent name>", "query": "<instruction for that agent>", "priority": 1, "depends_on": []}
  ],
  "parallel": true,
  "reasoning": "<one sentence>"
}

Rules:
- Use only agents from the available list.
- Single-topic requests get exactly one task.
- Set "parallel" to false only when a task needs another task's output.
- Priority 1 is highest.`, strings.Join(servers, ", "), query)
}

// GoalPlan asks the model for an ordered sub-goal list in agentic mode.
func GoalPlan(goal string, servers []string) string {
	return fmt.Sprintf(`Break this goal into a short ordered list of concrete steps.

Goal: %s

Available tool servers: %s

Respond with a numbered list, one step per line. Append "(tool: <server>)"
to a step when one specific server should handle it. Use at most 6 steps
and no other text.`, goal, strings.Join(servers, ", "))
}

// Reflection asks the model to judge a step result.
func Reflection(stepDesc, result string) string {
	return fmt.Sprintf(`A step of a larger plan was just executed. Judge the outcome.

Step: %s

Result:
%s

Respond in exactly this format:
SUCCESS: yes or no
REASONING: <one sentence>
RETRY: yes or no
NEW_APPROACH: <rewritten step instruction, or "none">`, stepDesc, result)
}

// Summary asks the model to merge step results into a final answer.
func Summary(goal string, results []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original goal: %s\n\nCompleted step results:\n", goal)
	for i, r := range results {
		fmt.Fprintf(&sb, "\n--- Step %d ---\n%s\n", i+1, r)
	}
	sb.WriteString("\nWrite the final answer to the original goal based on these results. " +
		"Answer directly, without mentioning the steps.")
	return sb.String()
}
