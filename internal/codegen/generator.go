// Package codegen produces transformation code artifacts from a confirmed
// operation and sampled table data. One completion call per generation; the
// response is mined for fenced Go blocks, never executed here.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tablemend/tablemend/internal/llm"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// DefaultEntryPoint is the function name the generator instructs the model to
// define. It travels with the artifact so the executor never has to guess.
const DefaultEntryPoint = "TransformRecords"

// sampleRowsInPrompt caps how many sampled rows are inlined per table.
const sampleRowsInPrompt = 3

const generationSystemPrompt = `You are a data transformation expert writing Go code that corrects tabular records.`

const generationPromptTemplate = `Generate Go code to perform the following data operation:

Operation: %s

The data is structured as follows:
%s

Sample data:
%s

Write a single function with exactly this signature:

    func %s(records []map[string]interface{}) []map[string]interface{}

The function receives every record of a table, applies the requested
correction, and returns the full record set. It must handle missing keys and
unexpected value types without panicking. Only the following imports are
available: strings, strconv, fmt, math, regexp, sort, time, bytes, unicode,
encoding/json, encoding/base64.

Respond with:
1. A Go code block safe to run against the small sample shown above
2. A Go code block for the full dataset (may be identical to the first)
3. An explanation of what the transformation does

Wrap each code block in a triple-backtick go fence.`

// =============================================================================
// GENERATOR
// =============================================================================

// Generator is the code generation adapter.
type Generator struct {
	client     llm.Client
	entryPoint string
}

func NewGenerator(client llm.Client) *Generator {
	return &Generator{client: client, entryPoint: DefaultEntryPoint}
}

// Generate runs one completion for the given operation against the sampled
// tables and returns the structured artifact. A response without any Go fence
// yields an artifact with empty code; deciding whether that is fatal belongs
// to the caller.
func (g *Generator) Generate(ctx context.Context, operation string, samples []types.TableSample) (*types.TransformationCode, error) {
	schemas := InferSchemas(samples)

	prompt := fmt.Sprintf(generationPromptTemplate,
		operation,
		formatSchemas(schemas),
		formatSamples(samples),
		g.entryPoint,
	)

	timer := logging.StartTimer(logging.CategoryCodegen, "generate")
	defer timer.Stop()

	content, err := g.client.CompleteWithSystem(ctx, generationSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	sampleCode, fullCode := ExtractGoBlocks(content)
	explanation := ExtractExplanation(content)

	logging.CodegenDebug("generated artifact: sample=%d bytes full=%d bytes explanation=%d bytes",
		len(sampleCode), len(fullCode), len(explanation))

	return &types.TransformationCode{
		SampleCode:  sampleCode,
		FullCode:    fullCode,
		Explanation: explanation,
		EntryPoint:  g.entryPoint,
		Schemas:     schemas,
		Samples:     samples,
	}, nil
}

// =============================================================================
// RESPONSE MINING
// =============================================================================

// ExtractGoBlocks pulls the first two go-fenced blocks out of a completion.
// One block serves as both variants; zero blocks yield empty strings.
func ExtractGoBlocks(content string) (sampleCode, fullCode string) {
	blocks := goBlocks(content)
	switch len(blocks) {
	case 0:
		return "", ""
	case 1:
		return blocks[0], blocks[0]
	default:
		return blocks[0], blocks[1]
	}
}

func goBlocks(content string) []string {
	var blocks []string
	rest := content
	for {
		start := strings.Index(rest, "```go")
		if start == -1 {
			break
		}
		rest = rest[start+len("```go"):]
		end := strings.Index(rest, "```")
		if end == -1 {
			break
		}
		block := strings.TrimSpace(rest[:end])
		if block != "" {
			blocks = append(blocks, block)
		}
		rest = rest[end+3:]
	}
	return blocks
}

// ExtractExplanation returns the free text after the last fence, or the whole
// content when the response carries no fences at all.
func ExtractExplanation(content string) string {
	last := strings.LastIndex(content, "```")
	if last == -1 {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(content[last+3:])
}

// =============================================================================
// SCHEMA INFERENCE
// =============================================================================

// InferSchemas infers one advisory schema per sampled table.
func InferSchemas(samples []types.TableSample) []types.TableSchema {
	schemas := make([]types.TableSchema, len(samples))
	for i, s := range samples {
		schemas[i] = types.TableSchema{
			TableName: s.TableName,
			Columns:   InferColumns(s.Rows),
		}
	}
	return schemas
}

// InferColumns assigns each column the majority type tag over its non-null
// sampled values, among number, boolean and string. A tie degrades to string;
// a column with only null values is tagged null.
func InferColumns(rows []types.Row) map[string]string {
	counts := make(map[string]map[string]int)
	for _, row := range rows {
		for col, val := range row {
			if _, ok := counts[col]; !ok {
				counts[col] = make(map[string]int)
			}
			if val == nil {
				continue
			}
			counts[col][typeTag(val)]++
		}
	}

	columns := make(map[string]string, len(counts))
	for col, tags := range counts {
		columns[col] = majorityTag(tags)
	}
	return columns
}

func typeTag(val interface{}) string {
	switch val.(type) {
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "string"
	}
}

func majorityTag(tags map[string]int) string {
	if len(tags) == 0 {
		return "null"
	}
	best, bestCount, tied := "", 0, false
	for tag, n := range tags {
		switch {
		case n > bestCount:
			best, bestCount, tied = tag, n, false
		case n == bestCount:
			tied = true
		}
	}
	if tied {
		return "string"
	}
	return best
}

// =============================================================================
// PROMPT FORMATTING
// =============================================================================

func formatSchemas(schemas []types.TableSchema) string {
	var b strings.Builder
	for _, schema := range schemas {
		cols := make([]string, 0, len(schema.Columns))
		for col := range schema.Columns {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = fmt.Sprintf("%s (%s)", col, schema.Columns[col])
		}
		fmt.Fprintf(&b, "Table: %s\nColumns: %s\n\n", schema.TableName, strings.Join(parts, ", "))
	}
	return strings.TrimSpace(b.String())
}

func formatSamples(samples []types.TableSample) string {
	var b strings.Builder
	for _, sample := range samples {
		rows := sample.Rows
		if len(rows) > sampleRowsInPrompt {
			rows = rows[:sampleRowsInPrompt]
		}
		encoded, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			encoded = []byte("[]")
		}
		fmt.Fprintf(&b, "Table: %s\nSample data (first %d rows):\n%s\n\n",
			sample.TableName, len(rows), encoded)
	}
	return strings.TrimSpace(b.String())
}
