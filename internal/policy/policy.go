// Package policy decides the token budget for one stream from prompt
// heuristics. The decision is computed once at stream start and never
// recomputed mid-stream.
package policy

import (
	"fmt"
	"strings"

	"github.com/modelgate/modelgate/pkg/models"
)

// Floor is the minimum limit any stream receives.
const Floor = 100

// positiveKeywords boost the budget for prompts that signal substantive
// research or educational intent.
var positiveKeywords = []string{
	"research", "citation", "explain", "accessibility", "ethics", "educational", "educate",
}

// shortPromptThreshold is the trimmed length below which a prompt is treated
// as a low-effort probe.
const shortPromptThreshold = 40

// Limiter computes streaming token limits from configuration.
type Limiter struct {
	base    int
	hardMax int
}

// NewLimiter creates a limit policy with the configured base and hard
// maximum budget.
func NewLimiter(base, hardMax int) *Limiter {
	return &Limiter{base: base, hardMax: hardMax}
}

// Decide computes the budget for a stream. Adjustment order is load-bearing:
// the short-prompt reduction applies first, the keyword boost multiplies the
// already-reduced value (not the original base). A short prompt containing a
// keyword therefore ends at base × 0.75 × 1.25.
func (l *Limiter) Decide(prompt, modelName string) models.LimitDecision {
	limit := l.base
	rationale := "base limit"

	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) < shortPromptThreshold {
		limit = limit * 3 / 4
		rationale = "short prompt reduction"
	}

	lower := strings.ToLower(prompt)
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			limit = limit * 5 / 4
			rationale = fmt.Sprintf("keyword boost (%s)", kw)
			break
		}
	}

	if limit > l.hardMax {
		limit = l.hardMax
		rationale = "clamped to hard maximum"
	}
	if limit < Floor {
		limit = Floor
		rationale = "raised to floor"
	}

	return models.LimitDecision{Limit: limit, Rationale: rationale}
}
