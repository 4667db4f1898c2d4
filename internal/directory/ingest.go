package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tablemend/tablemend/internal/embedding"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// FieldGuideEntry is one row of a field guide file: a column description plus
// optional table-level attributes that seed table metadata.
type FieldGuideEntry struct {
	TableName        string   `json:"tableName" yaml:"tableName"`
	FieldName        string   `json:"fieldName" yaml:"fieldName"`
	Description      string   `json:"description" yaml:"description"`
	DataType         string   `json:"dataType" yaml:"dataType"`
	PossibleValues   []string `json:"possibleValues" yaml:"possibleValues"`
	RelatedFields    []string `json:"relatedFields" yaml:"relatedFields"`
	TableDescription string   `json:"tableDescription" yaml:"tableDescription"`
	DataSet          string   `json:"dataSet" yaml:"dataSet"`
	DomainTags       []string `json:"domainTags" yaml:"domainTags"`
	UsageTags        []string `json:"usageTags" yaml:"usageTags"`
}

// LoadFieldGuide reads a field guide file. JSON and YAML are both accepted,
// keyed on file extension.
func LoadFieldGuide(path string) ([]FieldGuideEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read field guide: %w", err)
	}

	var entries []FieldGuideEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse field guide YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("failed to parse field guide JSON: %w", err)
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("field guide %s contains no entries", path)
	}
	return entries, nil
}

// embedBatchSize bounds a single call to the embedding backend.
const embedBatchSize = 32

// Ingest indexes field guide entries: it derives one metadata row per table,
// embeds each field's search text, and upserts everything. Re-running on the
// same file is idempotent.
func (s *Store) Ingest(ctx context.Context, engine embedding.Engine, entries []FieldGuideEntry) error {
	timer := logging.StartTimer(logging.CategoryDirectory, "Ingest")
	defer timer.Stop()

	logging.Directory("Ingesting %d field guide entries (engine=%s)", len(entries), engine.Name())

	// Derive table metadata from field entries.
	tables := make(map[string]types.TableMetadata)
	for _, e := range entries {
		meta, seen := tables[e.TableName]
		if !seen {
			meta = types.TableMetadata{
				TableName:   e.TableName,
				Description: fmt.Sprintf("Table containing %s data", e.TableName),
				DataSet:     "Unknown",
			}
		}
		if e.TableDescription != "" {
			meta.Description = e.TableDescription
		}
		if e.DataSet != "" {
			meta.DataSet = e.DataSet
		}
		if len(e.DomainTags) > 0 {
			meta.DomainTags = e.DomainTags
		}
		if len(e.UsageTags) > 0 {
			meta.UsageTags = e.UsageTags
		}
		tables[e.TableName] = meta
	}

	for _, meta := range tables {
		if err := s.UpsertTableMetadata(meta); err != nil {
			return fmt.Errorf("failed to store metadata for %s: %w", meta.TableName, err)
		}
	}
	logging.Directory("Stored metadata for %d tables", len(tables))

	// Embed search text in batches.
	searchTexts := make([]string, len(entries))
	for i, e := range entries {
		searchTexts[i] = SearchText(e)
	}

	for start := 0; start < len(entries); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(entries) {
			end = len(entries)
		}

		vectors, err := engine.EmbedBatch(ctx, searchTexts[start:end])
		if err != nil {
			return fmt.Errorf("failed to embed field guide batch %d-%d: %w", start, end, err)
		}

		for i, vec := range vectors {
			e := entries[start+i]
			rec := types.FieldRecord{
				TableName:      e.TableName,
				FieldName:      e.FieldName,
				Description:    e.Description,
				DataType:       defaultString(e.DataType, "string"),
				PossibleValues: e.PossibleValues,
				RelatedFields:  e.RelatedFields,
				Embedding:      vec,
			}
			if err := s.UpsertField(uuid.NewString(), rec, searchTexts[start+i]); err != nil {
				return fmt.Errorf("failed to store field %s.%s: %w", e.TableName, e.FieldName, err)
			}
		}
		logging.DirectoryDebug("Indexed field guide batch %d-%d", start, end)
	}

	logging.Directory("Ingest complete: %d fields, %d tables", len(entries), len(tables))
	return nil
}

// SearchText builds the embedded text for a field guide entry.
func SearchText(e FieldGuideEntry) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s %s %s",
		e.TableName, e.FieldName, e.Description, strings.Join(e.PossibleValues, " ")))
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
