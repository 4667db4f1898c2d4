package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablemend/tablemend/internal/directory"
	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/types"
)

// =============================================================================
// STUBS
// =============================================================================

type stubEngine struct {
	vectors map[string][]float32
	err     error
	batches [][]string
}

func (s *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors[text], nil
}

func (s *stubEngine) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.batches = append(s.batches, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = []float32{0, 0, 0}
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

type stubDirectory struct {
	fields    []types.FieldRecord
	searchErr error
	metadata  map[string]*types.TableMetadata
	lastTopK  int
}

func (s *stubDirectory) Search(_ context.Context, _ []float32, topK int) ([]types.FieldRecord, error) {
	s.lastTopK = topK
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.fields, nil
}

func (s *stubDirectory) GetTableMetadata(_ context.Context, tableName string) (*types.TableMetadata, error) {
	meta, ok := s.metadata[tableName]
	if !ok {
		return nil, directory.ErrTableNotFound
	}
	return meta, nil
}

func analysisWith(concepts []string, entityTexts ...string) *types.IntentAnalysis {
	entities := make([]types.Entity, len(entityTexts))
	for i, t := range entityTexts {
		entities[i] = types.Entity{Type: "table", Text: t, Role: "target"}
	}
	return &types.IntentAnalysis{
		Intent:     "correction",
		Operation:  "update",
		Entities:   entities,
		Concepts:   concepts,
		Confidence: 0.9,
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRankFusesFieldScoresAndBonuses(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{
		"salary":  {1, 0, 0},
		"payroll": {0, 1, 0},
	}}
	dir := &stubDirectory{
		fields: []types.FieldRecord{
			{TableName: "employees", FieldName: "base_salary", Score: 1.8},
			{TableName: "employees", FieldName: "bonus", Score: 1.2},
			{TableName: "departments", FieldName: "budget", Score: 1.9},
		},
		metadata: map[string]*types.TableMetadata{
			"employees": {
				TableName:   "employees",
				Description: "Payroll records for all staff",
				DomainTags:  []string{"salary", "compensation"},
			},
			"departments": {
				TableName:   "departments",
				Description: "Department budgets",
			},
		},
	}

	ranker := NewRanker(engine, dir, DefaultConfig())
	candidates, err := ranker.Rank(context.Background(), analysisWith([]string{"salary"}, "payroll"))
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// employees: 0.5*(1.8+1.2) + 1.0 entity ("payroll" in description)
	// + 1.5 concept ("salary" in domain tags) = 4.0
	assert.Equal(t, "employees", candidates[0].TableName)
	assert.InDelta(t, 4.0, candidates[0].Score, 1e-9)
	assert.Len(t, candidates[0].Fields, 2)

	// departments: 0.5*1.9, no bonuses.
	assert.Equal(t, "departments", candidates[1].TableName)
	assert.InDelta(t, 0.95, candidates[1].Score, 1e-9)
}

func TestRankTieBreaksByTableName(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{"x": {1, 0, 0}}}
	dir := &stubDirectory{
		fields: []types.FieldRecord{
			{TableName: "zeta", FieldName: "a", Score: 1.0},
			{TableName: "alpha", FieldName: "b", Score: 1.0},
		},
		metadata: map[string]*types.TableMetadata{},
	}

	ranker := NewRanker(engine, dir, DefaultConfig())
	candidates, err := ranker.Rank(context.Background(), analysisWith([]string{"x"}))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "alpha", candidates[0].TableName)
	assert.Equal(t, "zeta", candidates[1].TableName)
}

func TestRankEmbeddingFailureIsRetrievalFault(t *testing.T) {
	engine := &stubEngine{err: errors.New("connection refused")}
	dir := &stubDirectory{}

	ranker := NewRanker(engine, dir, DefaultConfig())
	_, err := ranker.Rank(context.Background(), analysisWith([]string{"salary"}))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindRetrieval))
}

func TestRankSearchFailureIsRetrievalFault(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{"salary": {1, 0, 0}}}
	dir := &stubDirectory{searchErr: errors.New("database is locked")}

	ranker := NewRanker(engine, dir, DefaultConfig())
	_, err := ranker.Rank(context.Background(), analysisWith([]string{"salary"}))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindRetrieval))
}

func TestRankNoTermsIsRetrievalFault(t *testing.T) {
	ranker := NewRanker(&stubEngine{}, &stubDirectory{}, DefaultConfig())
	_, err := ranker.Rank(context.Background(), analysisWith(nil))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindRetrieval))
}

func TestRankEmptyDirectoryYieldsNoCandidates(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{"salary": {1, 0, 0}}}
	dir := &stubDirectory{metadata: map[string]*types.TableMetadata{}}

	ranker := NewRanker(engine, dir, DefaultConfig())
	candidates, err := ranker.Rank(context.Background(), analysisWith([]string{"salary"}))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestProbeTermsDeduplicatesCaseInsensitively(t *testing.T) {
	analysis := analysisWith([]string{"Salary", "salary", " "}, "salary", "Bonus")
	terms := probeTerms(analysis)
	assert.Equal(t, []string{"Salary", "Bonus"}, terms)
}

func TestRankUsesConfiguredTopK(t *testing.T) {
	engine := &stubEngine{vectors: map[string][]float32{"x": {1, 0, 0}}}
	dir := &stubDirectory{metadata: map[string]*types.TableMetadata{}}

	cfg := DefaultConfig()
	cfg.TopK = 7
	ranker := NewRanker(engine, dir, cfg)
	_, err := ranker.Rank(context.Background(), analysisWith([]string{"x"}))
	require.NoError(t, err)
	assert.Equal(t, 7, dir.lastTopK)
}
