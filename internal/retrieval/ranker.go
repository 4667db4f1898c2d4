// Package retrieval turns an intent analysis into a ranked list of table
// candidates. It builds a single probe vector from the analysis terms, runs a
// nearest-field search against the directory, then fuses field-level scores
// with table-level metadata bonuses.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tablemend/tablemend/internal/directory"
	"github.com/tablemend/tablemend/internal/embedding"
	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/types"
)

// =============================================================================
// DIRECTORY ACCESS
// =============================================================================

// Directory is the slice of the field directory the ranker consumes.
type Directory interface {
	Search(ctx context.Context, probe []float32, topK int) ([]types.FieldRecord, error)
	GetTableMetadata(ctx context.Context, tableName string) (*types.TableMetadata, error)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds the fusion weights. The defaults are tuned so that a single
// strong field match (~2.0) outweighs a metadata bonus but two bonuses
// together outweigh one weak field.
type Config struct {
	TopK         int     `json:"top_k"`
	FieldWeight  float64 `json:"field_weight"`
	EntityBonus  float64 `json:"entity_bonus"`
	ConceptBonus float64 `json:"concept_bonus"`
}

func DefaultConfig() Config {
	return Config{
		TopK:         directory.DefaultTopK,
		FieldWeight:  0.5,
		EntityBonus:  1.0,
		ConceptBonus: 1.5,
	}
}

// =============================================================================
// RANKER
// =============================================================================

// Ranker fuses semantic field search with table metadata matching.
type Ranker struct {
	engine embedding.Engine
	dir    Directory
	config Config
}

func NewRanker(engine embedding.Engine, dir Directory, cfg Config) *Ranker {
	if cfg.TopK <= 0 {
		cfg.TopK = directory.DefaultTopK
	}
	return &Ranker{engine: engine, dir: dir, config: cfg}
}

// Rank produces table candidates for an intent analysis, best first.
//
// The probe vector is the component-wise average of the embeddings of every
// concept and entity text in the analysis. Any failure to build the probe or
// to search the directory surfaces as a retrieval fault; the caller never has
// to distinguish an empty directory from a broken one.
func (r *Ranker) Rank(ctx context.Context, analysis *types.IntentAnalysis) ([]types.TableCandidate, error) {
	const op = "retrieval.Rank"

	terms := probeTerms(analysis)
	if len(terms) == 0 {
		return nil, faults.New(faults.KindRetrieval, op, "intent analysis contains no searchable terms")
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "rank")
	defer timer.Stop()

	vectors, err := r.engine.EmbedBatch(ctx, terms)
	if err != nil {
		return nil, faults.Wrapf(faults.KindRetrieval, op, err, "embedding probe terms failed")
	}
	probe, err := embedding.Average(vectors)
	if err != nil {
		return nil, faults.Wrap(faults.KindRetrieval, op, err)
	}

	fields, err := r.dir.Search(ctx, probe, r.config.TopK)
	if err != nil {
		return nil, faults.Wrapf(faults.KindRetrieval, op, err, "field search failed")
	}

	candidates, err := r.fuse(ctx, analysis, fields)
	if err != nil {
		return nil, err
	}

	logging.RetrievalDebug("ranked %d candidates from %d matched fields (%d probe terms)",
		len(candidates), len(fields), len(terms))
	return candidates, nil
}

// fuse groups matched fields by table and computes the fused score:
// FieldWeight times the sum of field scores, plus EntityBonus when an entity
// text appears in the table name or description, plus ConceptBonus when a
// concept matches a domain or usage tag. Each bonus applies at most once per
// table.
func (r *Ranker) fuse(ctx context.Context, analysis *types.IntentAnalysis, fields []types.FieldRecord) ([]types.TableCandidate, error) {
	const op = "retrieval.fuse"

	grouped := make(map[string][]types.FieldRecord)
	order := make([]string, 0)
	for _, f := range fields {
		if _, seen := grouped[f.TableName]; !seen {
			order = append(order, f.TableName)
		}
		grouped[f.TableName] = append(grouped[f.TableName], f)
	}

	candidates := make([]types.TableCandidate, 0, len(order))
	for _, table := range order {
		matched := grouped[table]

		meta, err := r.dir.GetTableMetadata(ctx, table)
		if errors.Is(err, directory.ErrTableNotFound) {
			meta = &types.TableMetadata{TableName: table}
		} else if err != nil {
			return nil, faults.Wrapf(faults.KindRetrieval, op, err, "loading metadata for %s", table)
		}

		score := 0.0
		for _, f := range matched {
			score += f.Score
		}
		score *= r.config.FieldWeight

		if entityMatches(analysis.Entities, meta) {
			score += r.config.EntityBonus
		}
		if conceptMatches(analysis.Concepts, meta) {
			score += r.config.ConceptBonus
		}

		candidates = append(candidates, types.TableCandidate{
			TableName:   table,
			Description: meta.Description,
			DataSet:     meta.DataSet,
			Fields:      matched,
			Score:       score,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].TableName < candidates[j].TableName
	})
	return candidates, nil
}

// =============================================================================
// MATCHING HELPERS
// =============================================================================

// probeTerms collects concepts and entity texts, deduplicated
// case-insensitively, preserving first-seen order.
func probeTerms(analysis *types.IntentAnalysis) []string {
	if analysis == nil {
		return nil
	}
	seen := make(map[string]bool)
	terms := make([]string, 0, len(analysis.Concepts)+len(analysis.Entities))
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		key := strings.ToLower(t)
		if seen[key] {
			return
		}
		seen[key] = true
		terms = append(terms, t)
	}
	for _, c := range analysis.Concepts {
		add(c)
	}
	for _, e := range analysis.Entities {
		add(e.Text)
	}
	return terms
}

func entityMatches(entities []types.Entity, meta *types.TableMetadata) bool {
	name := strings.ToLower(meta.TableName)
	desc := strings.ToLower(meta.Description)
	for _, e := range entities {
		text := strings.ToLower(strings.TrimSpace(e.Text))
		if text == "" {
			continue
		}
		if strings.Contains(name, text) || strings.Contains(desc, text) {
			return true
		}
	}
	return false
}

func conceptMatches(concepts []string, meta *types.TableMetadata) bool {
	tags := make([]string, 0, len(meta.DomainTags)+len(meta.UsageTags))
	for _, t := range meta.DomainTags {
		tags = append(tags, strings.ToLower(t))
	}
	for _, t := range meta.UsageTags {
		tags = append(tags, strings.ToLower(t))
	}
	for _, c := range concepts {
		concept := strings.ToLower(strings.TrimSpace(c))
		if concept == "" {
			continue
		}
		for _, tag := range tags {
			if strings.Contains(tag, concept) || strings.Contains(concept, tag) {
				return true
			}
		}
	}
	return false
}
