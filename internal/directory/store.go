// Package directory is the read-only table/field metadata cache and the
// storage side of the embedding gateway. Field guide entries carry a dense
// embedding; searches scan stored embeddings with cosine similarity.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tablemend/tablemend/internal/embedding"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// ErrTableNotFound is returned when no metadata exists for a table name.
var ErrTableNotFound = errors.New("table metadata not found")

// DefaultTopK is the field search depth used by the relevance ranker.
const DefaultTopK = 20

// Store holds the field guide and per-table metadata in SQLite.
// Entries are written at ingestion time and read-only afterwards from the
// engine's perspective.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore initializes the SQLite database at the given path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "NewStore")
	defer timer.Stop()

	logging.Directory("Initializing directory store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.DirectoryDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.DirectoryDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS field_guide (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		field_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		data_type TEXT NOT NULL DEFAULT 'string',
		possible_values TEXT NOT NULL DEFAULT '[]',
		related_fields TEXT NOT NULL DEFAULT '[]',
		embedding TEXT,
		search_text TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(table_name, field_name)
	);
	CREATE INDEX IF NOT EXISTS idx_field_guide_table ON field_guide(table_name);

	CREATE TABLE IF NOT EXISTS table_metadata (
		table_name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		data_set TEXT NOT NULL DEFAULT '',
		domain_tags TEXT NOT NULL DEFAULT '[]',
		usage_tags TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertField stores one field guide entry with its embedding.
func (s *Store) UpsertField(id string, rec types.FieldRecord, searchText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	possibleJSON, _ := json.Marshal(rec.PossibleValues)
	relatedJSON, _ := json.Marshal(rec.RelatedFields)
	var embeddingJSON []byte
	if rec.Embedding != nil {
		embeddingJSON, _ = json.Marshal(rec.Embedding)
	}

	_, err := s.db.Exec(
		`INSERT INTO field_guide (id, table_name, field_name, description, data_type, possible_values, related_fields, embedding, search_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(table_name, field_name) DO UPDATE SET
			description = excluded.description,
			data_type = excluded.data_type,
			possible_values = excluded.possible_values,
			related_fields = excluded.related_fields,
			embedding = excluded.embedding,
			search_text = excluded.search_text`,
		id, rec.TableName, rec.FieldName, rec.Description, rec.DataType,
		string(possibleJSON), string(relatedJSON), nullableString(embeddingJSON), searchText,
	)
	if err != nil {
		logging.Get(logging.CategoryDirectory).Error("Failed to upsert field %s.%s: %v", rec.TableName, rec.FieldName, err)
	}
	return err
}

// UpsertTableMetadata stores per-table directory metadata.
func (s *Store) UpsertTableMetadata(meta types.TableMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	domainJSON, _ := json.Marshal(meta.DomainTags)
	usageJSON, _ := json.Marshal(meta.UsageTags)

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO table_metadata (table_name, description, data_set, domain_tags, usage_tags)
		 VALUES (?, ?, ?, ?, ?)`,
		meta.TableName, meta.Description, meta.DataSet, string(domainJSON), string(usageJSON),
	)
	return err
}

// GetTableMetadata fetches directory metadata for one table.
// Returns ErrTableNotFound when the table is not in the directory.
func (s *Store) GetTableMetadata(ctx context.Context, tableName string) (*types.TableMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta types.TableMetadata
	var domainJSON, usageJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT table_name, description, data_set, domain_tags, usage_tags
		 FROM table_metadata WHERE table_name = ?`,
		tableName,
	).Scan(&meta.TableName, &meta.Description, &meta.DataSet, &domainJSON, &usageJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, tableName)
		}
		return nil, err
	}

	json.Unmarshal([]byte(domainJSON), &meta.DomainTags)
	json.Unmarshal([]byte(usageJSON), &meta.UsageTags)
	return &meta, nil
}

// Search returns the top-K field records by cosine similarity to the probe
// vector, ordered by descending score. The reported score is the cosine value
// plus 1.0, keeping scores in [0, 2].
func (s *Store) Search(ctx context.Context, probe []float32, topK int) ([]types.FieldRecord, error) {
	timer := logging.StartTimer(logging.CategoryDirectory, "Search")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 {
		topK = DefaultTopK
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT table_name, field_name, description, data_type, possible_values, related_fields, embedding
		 FROM field_guide WHERE embedding IS NOT NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.FieldRecord
	skipped := 0
	for rows.Next() {
		var rec types.FieldRecord
		var possibleJSON, relatedJSON, embeddingJSON string
		if err := rows.Scan(&rec.TableName, &rec.FieldName, &rec.Description, &rec.DataType,
			&possibleJSON, &relatedJSON, &embeddingJSON); err != nil {
			skipped++
			continue
		}

		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			skipped++
			continue
		}

		similarity, err := embedding.CosineSimilarity(probe, vec)
		if err != nil {
			skipped++
			continue
		}

		json.Unmarshal([]byte(possibleJSON), &rec.PossibleValues)
		json.Unmarshal([]byte(relatedJSON), &rec.RelatedFields)
		rec.Embedding = vec
		rec.Score = similarity + 1.0
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		logging.Get(logging.CategoryDirectory).Warn("Search skipped %d unreadable field records", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	logging.DirectoryDebug("Search returned %d field records (topK=%d)", len(results), topK)
	return results, nil
}

// FieldCount returns the number of indexed field guide entries.
func (s *Store) FieldCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM field_guide").Scan(&n)
	return n, err
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
