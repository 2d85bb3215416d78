package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/pkg/models"
)

// toolResultMaxBytes caps the serialized tool output fed back to the model.
const toolResultMaxBytes = 512

// ToolFunc executes one registered tool with JSON arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// toolDirective matches a prompt that requests a tool call:
//
//	tool:<name> {"key": "value"}
var toolDirective = regexp.MustCompile(`(?s)^tool:([A-Za-z0-9_-]+)\s+(\{.*\})$`)

type toolRegistry struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{funcs: make(map[string]ToolFunc)}
}

func (r *toolRegistry) get(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// RegisterTool makes a tool available to the planner under the given name.
func (o *Orchestrator) RegisterTool(name string, fn ToolFunc) {
	o.tools.mu.Lock()
	defer o.tools.mu.Unlock()
	o.tools.funcs[name] = fn
}

// PlanResult is the outcome of one plan-and-execute pass.
type PlanResult struct {
	OutputText string `json:"output_text"`
	ToolUsed   string `json:"tool_used,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
}

// PlanAndExecute runs a single-step plan: the incoming prompt is scanned
// for a tool directive; when one matches, the tool runs first and a bounded
// summary of its result is appended for the single model invocation.
// Prompts that are not tool directives invoke the model unchanged.
func (o *Orchestrator) PlanAndExecute(ctx context.Context, req models.ChatRequest, consent bool) (*PlanResult, error) {
	prompt := strings.TrimSpace(promptOf(req))
	m := toolDirective.FindStringSubmatch(prompt)
	if m == nil {
		res, err := o.Invoke(ctx, req, consent)
		if err != nil {
			return nil, err
		}
		return &PlanResult{OutputText: res.OutputText}, nil
	}

	name, args := m[1], json.RawMessage(m[2])
	fn, ok := o.tools.get(name)
	if !ok {
		return nil, fmt.Errorf("plan requested unknown tool %q", name)
	}

	out, err := fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	summary := summarizeToolResult(out)
	log.Debug().Str("tool", name).Int("result_bytes", len(summary)).Msg("tool executed")

	followUp := req
	followUp.Messages = append(append([]models.ChatMessage{}, req.Messages...),
		models.ChatMessage{Role: "user", Content: fmt.Sprintf("Tool %s returned: %s", name, summary)},
	)

	final, err := o.Invoke(ctx, followUp, consent)
	if err != nil {
		return nil, err
	}

	return &PlanResult{
		OutputText: final.OutputText,
		ToolUsed:   name,
		ToolResult: summary,
	}, nil
}

// summarizeToolResult serializes a tool result and truncates it to the
// feedback cap.
func summarizeToolResult(out any) string {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	if len(data) > toolResultMaxBytes {
		return string(data[:toolResultMaxBytes]) + "..."
	}
	return string(data)
}
