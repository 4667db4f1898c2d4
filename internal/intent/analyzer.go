// Package intent extracts a structured IntentAnalysis from a free-text
// operator message via the completion service.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/llm"
	"github.com/tablemend/tablemend/internal/types"
)

const analysisSystemPrompt = `You are a data analysis expert helping with HR and payroll data corrections.`

const analysisPromptTemplate = `Analyze the following user request and identify:
1. The primary intent (e.g., move data, update values, delete records)
2. The specific entities mentioned (like tables, columns, values)
3. The conditions or criteria for the operation
4. Any specific business concepts mentioned

User request: %s

Previous conversation context:
%s

Provide your analysis in JSON format with the following structure:
{
  "intent": string,
  "operation": string,
  "entities": [{ "type": string, "text": string, "role": string }],
  "conditions": [{ "field": string, "operator": string, "value": string }],
  "concepts": [string],
  "confidence": number
}`

// Analyzer turns operator messages into IntentAnalysis records.
type Analyzer struct {
	client llm.Client
}

// NewAnalyzer creates an analyzer over the given completion client.
func NewAnalyzer(client llm.Client) *Analyzer {
	return &Analyzer{client: client}
}

// Analyze extracts intent from a message. History gives the completion
// service conversational context; it is never mutated. Completion transport
// failures and unparseable responses both surface as upstream faults.
func (a *Analyzer) Analyze(ctx context.Context, message string, history []types.ConversationEntry) (*types.IntentAnalysis, error) {
	const op = "intent.Analyze"
	timer := logging.StartTimer(logging.CategoryAPI, "intent.Analyze")
	defer timer.Stop()

	prompt := fmt.Sprintf(analysisPromptTemplate, message, formatHistory(history))

	raw, err := a.client.CompleteWithSystem(ctx, analysisSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("intent analysis: %w", err)
	}

	obj, ok := ExtractJSONObject(raw)
	if !ok {
		logging.Get(logging.CategoryAPI).Error("intent analysis response had no JSON object (%d chars)", len(raw))
		return nil, faults.New(faults.KindUpstream, op, "no JSON object found in completion response")
	}

	var analysis types.IntentAnalysis
	if err := json.Unmarshal([]byte(obj), &analysis); err != nil {
		return nil, faults.Wrapf(faults.KindUpstream, op, err, "unparseable intent analysis")
	}

	logging.APIDebug("intent analyzed: intent=%q operation=%q entities=%d concepts=%d confidence=%.2f",
		analysis.Intent, analysis.Operation, len(analysis.Entities), len(analysis.Concepts), analysis.Confidence)
	return &analysis, nil
}

// ExtractJSONObject returns the span from the first '{' to the last '}' in s.
// The completion service wraps its JSON in prose more often than not.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// formatHistory renders prior turns for prompt context.
func formatHistory(history []types.ConversationEntry) string {
	if len(history) == 0 {
		return "No previous conversation."
	}

	var b strings.Builder
	for i, entry := range history {
		fmt.Fprintf(&b, "Message %d:\nUser: %s\nResponse: %s\n\n", i+1, entry.Message, string(entry.Response))
	}
	return strings.TrimSpace(b.String())
}
