// Package diffview renders sandbox diff results as line-oriented
// before/after text for previews. Rows serialize to one canonical JSON line
// each, then the comparison runs at line granularity.
package diffview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tablemend/tablemend/internal/types"
)

var dmp = newDiffer()

func newDiffer() *diffmatchpatch.DiffMatchPatch {
	d := diffmatchpatch.New()
	d.DiffTimeout = 0
	return d
}

// Render renders every table's diff, separated by blank lines.
func Render(results []types.DiffResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, RenderTable(r))
	}
	return strings.Join(parts, "\n")
}

// RenderTable renders one table's before/after as prefixed lines: removed
// rows with "-", added rows with "+", unchanged rows with two spaces. A table
// that failed renders its error instead of a diff.
func RenderTable(result types.DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s (%d records changed) ===\n", result.TableName, result.RecordsChanged)
	if result.Error != "" {
		fmt.Fprintf(&b, "! %s\n", result.Error)
		return b.String()
	}

	before := rowsToLines(result.Original)
	after := rowsToLines(result.Transformed)

	// Line-level reduction avoids newline boundary artifacts in the diff.
	a, bb, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, bb, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range splitLines(d.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func rowsToLines(rows []types.Row) string {
	var b strings.Builder
	for _, row := range rows {
		encoded, err := json.Marshal(row)
		if err != nil {
			encoded = []byte("{}")
		}
		b.Write(encoded)
		b.WriteByte('\n')
	}
	return b.String()
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
