package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/modelgate/modelgate/internal/tokenizer"
	"github.com/modelgate/modelgate/pkg/models"
)

// Stub mode answers deterministically when no upstream endpoint is
// configured. Output depends only on the request, so repeated calls with
// the same input produce identical results.

func stubContent(req models.ChatRequest) string {
	prompt := lastUserContent(req.Messages)
	return fmt.Sprintf("[offline] %s responding to %d-char prompt: %s",
		req.ModelName, len(prompt), summarize(prompt))
}

func summarize(prompt string) string {
	const max = 80
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > max {
		return prompt[:max] + "..."
	}
	return prompt
}

func (g *Gateway) stubInvoke(req models.ChatRequest) *models.ChatResult {
	content := stubContent(req)
	prompt := lastUserContent(req.Messages)
	return &models.ChatResult{
		ModelName:  req.ModelName,
		OutputText: content,
		Usage: models.TokenUsage{
			"prompt_tokens":     tokenizer.Estimate(prompt),
			"completion_tokens": tokenizer.Estimate(content),
		},
	}
}

// stubStreamBody renders the stub answer as a wire-format event stream so
// offline calls exercise the same parsing path as live ones.
func (g *Gateway) stubStreamBody(req models.ChatRequest) io.ReadCloser {
	var b strings.Builder
	for _, word := range strings.SplitAfter(stubContent(req), " ") {
		chunk := map[string]any{
			"choices": []map[string]any{
				{"delta": map[string]string{"content": word}},
			},
		}
		data, _ := json.Marshal(chunk)
		b.WriteString("data: ")
		b.Write(data)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String()))
}
