package diffview

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tablemend/tablemend/internal/types"
)

func TestRenderTableMarksChangedRows(t *testing.T) {
	result := types.DiffResult{
		TableName:      "employees",
		RecordsChanged: 1,
		Original: []types.Row{
			{"name": "Ada", "city": "london"},
			{"name": "Grace", "city": "PARIS"},
		},
		Transformed: []types.Row{
			{"name": "Ada", "city": "LONDON"},
			{"name": "Grace", "city": "PARIS"},
		},
	}

	out := RenderTable(result)
	assert.Contains(t, out, "=== employees (1 records changed) ===")
	assert.Contains(t, out, `- {"city":"london","name":"Ada"}`)
	assert.Contains(t, out, `+ {"city":"LONDON","name":"Ada"}`)
	assert.Contains(t, out, `  {"city":"PARIS","name":"Grace"}`)
}

func TestRenderTableIdentity(t *testing.T) {
	rows := []types.Row{{"x": 1.0}}
	out := RenderTable(types.DiffResult{TableName: "t", Original: rows, Transformed: rows})
	assert.NotContains(t, out, "\n- ")
	assert.NotContains(t, out, "\n+ ")
}

func TestRenderTableError(t *testing.T) {
	out := RenderTable(types.DiffResult{TableName: "t", Error: "evaluation failed"})
	assert.Contains(t, out, "! evaluation failed")
	assert.NotContains(t, out, "- {")
}

func TestRenderJoinsTables(t *testing.T) {
	rows := []types.Row{{"x": 1.0}}
	out := Render([]types.DiffResult{
		{TableName: "a", Original: rows, Transformed: rows},
		{TableName: "b", Original: rows, Transformed: rows},
	})
	assert.Equal(t, 1, strings.Count(out, "=== a "))
	assert.Equal(t, 1, strings.Count(out, "=== b "))
}
