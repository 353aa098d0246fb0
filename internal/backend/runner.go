package backend

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/conduit-ai/conduit/internal/model"
	"github.com/conduit-ai/conduit/internal/prompt"
	"github.com/conduit-ai/conduit/pkg/protocol"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// observationLimit bounds how much tool output is fed back into the
// model transcript per step.
const observationLimit = 4000

// restrictionRe matches the backend-restriction directive at the start
// of an instruction.
var restrictionRe = regexp.MustCompile(`^\[Use only (\S+) MCP server\]\s*`)

// ToolCaller is the tool surface the runner needs. *Manager satisfies
// it; tests substitute fakes.
type ToolCaller interface {
	Servers() []string
	Tools(server string) []ToolInfo
	AllTools() []ToolInfo
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// Runner is the tool-running delegate: it satisfies protocol.Delegate
// by looping the model over tool calls until it produces an answer or
// exhausts its step budget.
type Runner struct {
	tools    ToolCaller
	model    model.Model
	maxSteps int
	log      *zap.Logger
}

// NewRunner creates a runner with the given step budget.
func NewRunner(tools ToolCaller, m model.Model, maxSteps int, log *zap.Logger) *Runner {
	if maxSteps < 1 {
		maxSteps = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{tools: tools, model: m, maxSteps: maxSteps, log: log}
}

// Execute runs an instruction to completion.
func (r *Runner) Execute(ctx context.Context, instruction string) (string, error) {
	var out strings.Builder
	err := r.Stream(ctx, instruction, func(c protocol.Chunk) {
		if c.Text != "" {
			out.WriteString(c.Text)
		}
	})
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// Stream runs an instruction, emitting a status fragment per tool call
// and the final answer as text. Exhausting the step budget returns a
// reasoning-steps error that the composition layer specializes.
func (r *Runner) Stream(ctx context.Context, instruction string, emit protocol.ChunkFunc) error {
	request, restricted := splitRestriction(instruction)
	inventory := r.inventory(restricted)

	if len(inventory) == 0 && restricted != "" {
		return apperrors.Permanent(apperrors.CodeBackendUnavailable,
			fmt.Sprintf("backend %q has no tools available", restricted))
	}

	system := prompt.RunnerSystem(renderInventory(inventory))
	if restricted != "" {
		system = prompt.SpecialistSystem(restricted) + "\n\n" + system
	}
	transcript := "User request: " + request

	for step := 0; step < r.maxSteps; step++ {
		resp, err := r.model.Generate(ctx, &model.Request{
			System: system,
			Prompt: transcript,
			JSON:   true,
		})
		if err != nil {
			return err
		}

		answer, call, err := parseTurn(resp.Text)
		if err != nil {
			transcript += "\n\nObservation: your last response was not a valid JSON turn. " +
				"Reply with a single tool call or answer object."
			continue
		}

		if call == nil {
			emit(protocol.TextChunk(answer))
			return nil
		}

		if restricted != "" && call.server != restricted {
			transcript += fmt.Sprintf(
				"\n\nObservation: tool %s is off limits, this request is restricted to the %s server.",
				call.qualified(), restricted)
			continue
		}

		emit(protocol.StatusChunk(fmt.Sprintf("[calling %s]", call.qualified())))
		r.log.Debug("tool call",
			zap.String("tool", call.qualified()),
			zap.Int("step", step+1))

		observation, err := r.tools.CallTool(ctx, call.server, call.name, call.args)
		if err != nil {
			observation = "Error: " + err.Error()
		}
		if len(observation) > observationLimit {
			observation = observation[:observationLimit] + "\n[truncated]"
		}

		transcript += fmt.Sprintf("\n\nTool call: %s\nObservation:\n%s",
			call.qualified(), observation)
	}

	return apperrors.Permanent(apperrors.CodeStepBudgetExceeded,
		fmt.Sprintf("agent exceeded maximum reasoning steps after %d tool calls (recursion limit reached)",
			r.maxSteps))
}

func (r *Runner) inventory(restricted string) []ToolInfo {
	if restricted != "" {
		return r.tools.Tools(restricted)
	}
	return r.tools.AllTools()
}

// splitRestriction strips a restriction directive, returning the bare
// request and the named server (empty when unrestricted).
func splitRestriction(instruction string) (request, server string) {
	if m := restrictionRe.FindStringSubmatch(instruction); m != nil {
		return instruction[len(m[0]):], m[1]
	}
	return instruction, ""
}

func renderInventory(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "  (none)"
	}
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "  %s - %s\n", t.Qualified(), t.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toolCall is one parsed tool invocation from the model.
type toolCall struct {
	server string
	name   string
	args   map[string]any
}

func (c *toolCall) qualified() string { return c.server + "." + c.name }

// parseTurn reads one model turn: either {"answer": ...} or
// {"tool": "server.name", "arguments": {...}}.
func parseTurn(raw string) (answer string, call *toolCall, err error) {
	body := raw
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		body = raw[start : end+1]
	}
	if !gjson.Valid(body) {
		return "", nil, fmt.Errorf("turn is not valid JSON")
	}

	doc := gjson.Parse(body)

	if a := doc.Get("answer"); a.Exists() {
		return a.String(), nil, nil
	}

	tool := doc.Get("tool").String()
	server, name, ok := strings.Cut(tool, ".")
	if !ok || server == "" || name == "" {
		return "", nil, fmt.Errorf("turn names no usable tool")
	}

	args := map[string]any{}
	if argDoc := doc.Get("arguments"); argDoc.IsObject() {
		if m, ok := argDoc.Value().(map[string]any); ok {
			args = m
		}
	}

	return "", &toolCall{server: server, name: name, args: args}, nil
}
