package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/provider"
	"go.uber.org/zap"
)

const systemPrompt = `You are the reasoning component of the IESO power
forecasting agent. You are given a goal, situation facts, history, and
the available capabilities with their parameter contracts.

Respond with a single JSON object and nothing else. Either terminate:

  {"done": true, "summary": "<answer for the operator>"}

or plan capability invocations:

  {"done": false,
   "rationale": "<one sentence on why these invocations>",
   "invocations": [{"capability_name": "<name>", "arguments": {...}}]}

Only use capabilities from the provided list. Arguments must match the
declared parameter names and types. An argument value "$result[i]" is
replaced with the data of the i-th invocation in this plan.`

const strictReminder = `

REMINDER: your previous response violated the output contract. Respond
with exactly one JSON object in one of the two shapes above. No prose,
no markdown fences, no trailing text.`

// LLMOracle asks an LLM, through the provider router, for the next
// decision and parses its output strictly.
type LLMOracle struct {
	router *provider.Router
	model  string
	logger *zap.Logger
}

// NewLLMOracle creates an LLM-backed oracle. model may be empty to use
// each provider's configured default.
func NewLLMOracle(router *provider.Router, model string, logger *zap.Logger) *LLMOracle {
	return &LLMOracle{router: router, model: model, logger: logger}
}

// Decide presents the situation to the LLM and parses its decision.
// Parse failures are reported as ErrMalformed; retrying is the
// caller's policy.
func (o *LLMOracle) Decide(ctx context.Context, s *Situation) (*Decision, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal situation: %w", err)
	}

	system := systemPrompt
	if s.Strict {
		system += strictReminder
	}

	resp, err := o.router.Complete(ctx, &provider.CompletionRequest{
		Model:       o.model,
		Temperature: 0.1,
		MaxTokens:   2048,
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle completion: %w", err)
	}

	decision, err := ParseDecision(resp.Content)
	if err != nil {
		o.logger.Warn("oracle output rejected",
			zap.Error(err),
			zap.String("content", truncate(resp.Content, 300)))
		return nil, err
	}
	return decision, nil
}

// ParseDecision extracts and validates the single JSON decision object
// from raw model output, tolerating surrounding prose and fences.
func ParseDecision(raw string) (*Decision, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var d Decision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &d, nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// the text, skipping over string literals.
func extractJSONObject(raw string) (string, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in output")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in output")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
