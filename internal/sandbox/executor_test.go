package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const identityCode = `
func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	return records
}`

const uppercaseCityCode = `
import "strings"

func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	for _, r := range records {
		if city, ok := r["city"].(string); ok {
			r["city"] = strings.ToUpper(city)
		}
	}
	return records
}`

func cityRows() []types.Row {
	return []types.Row{
		{"name": "Ada", "city": "london"},
		{"name": "Grace", "city": "PARIS"},
		{"name": "Edsger", "city": nil},
	}
}

func TestTransformAppliesEntryPoint(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	out, err := exec.Transform(context.Background(), uppercaseCityCode, "TransformRecords", cityRows())
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "LONDON", out[0]["city"])
	assert.Equal(t, "PARIS", out[1]["city"])
	assert.Nil(t, out[2]["city"])
}

func TestTransformDoesNotMutateCallerRows(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	rows := cityRows()
	_, err := exec.Transform(context.Background(), uppercaseCityCode, "TransformRecords", rows)
	require.NoError(t, err)
	assert.Equal(t, "london", rows[0]["city"])
}

func TestTransformForbiddenImport(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
import "os"

func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	os.Remove("/etc/passwd")
	return records
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindSandboxViolation))
	assert.Contains(t, err.Error(), "os")
}

func TestTransformForbiddenImportBlock(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
import (
	"strings"
	"net/http"
)

func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	_ = strings.ToUpper
	_ = http.Get
	return records
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindSandboxViolation))
	assert.Contains(t, err.Error(), "net/http")
}

func TestTransformOneLineImportBlock(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
import ("strings")

func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	for _, r := range records {
		if city, ok := r["city"].(string); ok {
			r["city"] = strings.ToUpper(city)
		}
	}
	return records
}`
	out, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.NoError(t, err)
	assert.Equal(t, "LONDON", out[0]["city"])
}

func TestTransformForbiddenOneLineImportBlock(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
import ("os")

func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	os.Remove("/etc/hostname")
	return records
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindSandboxViolation))
	// The diagnostic names the package, not stray string literals from the body.
	assert.Contains(t, err.Error(), "forbidden imports: os")
	assert.NotContains(t, err.Error(), "/etc/hostname")
}

func TestTransformMissingEntryPoint(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
func Rename(records []map[string]interface{}) []map[string]interface{} {
	return records
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindEntryPoint))
}

func TestTransformWrongSignature(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	code := `
func TransformRecords(note string) string {
	return note
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindEntryPoint))
}

func TestTransformEmptyCode(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	_, err := exec.Transform(context.Background(), "   \n", "TransformRecords", nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindGeneration))
}

func TestTransformBrokenCode(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	_, err := exec.Transform(context.Background(), "func TransformRecords(", "TransformRecords", nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindGeneration))
}

func TestTransformTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutSeconds = 1
	exec := NewExecutor(cfg)
	code := `
func TransformRecords(records []map[string]interface{}) []map[string]interface{} {
	for {
	}
	return records
}`
	_, err := exec.Transform(context.Background(), code, "TransformRecords", cityRows())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindTimeout))
}

func TestRunTableCountsChanges(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	result := exec.RunTable(context.Background(), uppercaseCityCode, "TransformRecords", "employees", cityRows())
	assert.Empty(t, result.Error)
	assert.Equal(t, "employees", result.TableName)
	// PARIS was already uppercase and the nil city is untouched.
	assert.Equal(t, 1, result.RecordsChanged)
	assert.Equal(t, "london", result.Original[0]["city"])
	assert.Equal(t, "LONDON", result.Transformed[0]["city"])
}

func TestRunTableFoldsFailure(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	result := exec.RunTable(context.Background(), "not go at all {", "TransformRecords", "employees", cityRows())
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, 0, result.RecordsChanged)
	assert.Equal(t, result.Original, result.Transformed)
}

func TestCountChangesPositional(t *testing.T) {
	a := []types.Row{{"x": 1.0}, {"y": 2.0}}
	b := []types.Row{{"y": 2.0}, {"x": 1.0}}
	// Reordering counts positionally.
	assert.Equal(t, 2, CountChanges(a, b))
	assert.Equal(t, 0, CountChanges(a, CopyRows(a)))
}

func TestCountChangesLengthDrift(t *testing.T) {
	a := []types.Row{{"x": 1.0}, {"y": 2.0}, {"z": 3.0}}
	b := []types.Row{{"x": 1.0}}
	assert.Equal(t, 2, CountChanges(a, b))
	assert.Equal(t, 2, CountChanges(b, a))
}

func TestIdentityTransformCountsNothing(t *testing.T) {
	exec := NewExecutor(DefaultConfig())
	result := exec.RunTable(context.Background(), identityCode, "TransformRecords", "employees", cityRows())
	assert.Empty(t, result.Error)
	assert.Equal(t, 0, result.RecordsChanged)
}
