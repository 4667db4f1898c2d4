package tabular

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// ImportCSV loads CSV data into a table. The first record is the header; cell
// values are coerced so downstream schema inference sees numbers and booleans
// rather than a wall of strings. Empty cells become null. Returns the number
// of rows written.
func ImportCSV(ctx context.Context, store TableStore, table string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return 0, fmt.Errorf("csv for %s is empty", table)
	}
	if err != nil {
		return 0, fmt.Errorf("reading csv header for %s: %w", table, err)
	}

	var rows []types.Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading csv row %d of %s: %w", len(rows)+2, table, err)
		}
		row := make(types.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = coerceCell(record[i])
			} else {
				row[col] = nil
			}
		}
		rows = append(rows, row)
	}

	if err := store.WriteTable(ctx, table, rows); err != nil {
		return 0, err
	}
	logging.Tabular("imported %d rows into %s", len(rows), table)
	return len(rows), nil
}

// ImportCSVFile imports one CSV file; the table name is the file name without
// its extension.
func ImportCSVFile(ctx context.Context, store TableStore, path string) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	base := filepath.Base(path)
	table := strings.TrimSuffix(base, filepath.Ext(base))
	n, err := ImportCSV(ctx, store, table, f)
	return table, n, err
}

// coerceCell maps a CSV cell to the JSON-ish value space the rest of the
// pipeline works in.
func coerceCell(cell string) interface{} {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n
	}
	return cell
}
