package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/tablemend/tablemend/internal/sandbox"
	"github.com/tablemend/tablemend/internal/session"
	"github.com/tablemend/tablemend/internal/types"
)

// =============================================================================
// IN-MEMORY SESSION STORE
// =============================================================================

type mockSessions struct {
	mu          sync.Mutex
	sessions    map[string]*types.Session
	transitions []types.SessionStatus
	nextID      int
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: map[string]*types.Session{}}
}

func (m *mockSessions) Create(_ context.Context, userID string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sess := &types.Session{
		ID:       fmt.Sprintf("sess-%d", m.nextID),
		UserID:   userID,
		Status:   types.StatusCreated,
		Metadata: map[string]interface{}{},
		Version:  1,
	}
	m.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

func (m *mockSessions) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return cloneSession(sess), nil
}

func (m *mockSessions) AppendMessage(_ context.Context, id string, entry types.ConversationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	sess.History = append(sess.History, entry)
	sess.Version++
	return nil
}

func (m *mockSessions) MergeMetadata(_ context.Context, id string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	for k, v := range patch {
		sess.Metadata[k] = v
	}
	sess.Version++
	return nil
}

func (m *mockSessions) SetStatus(_ context.Context, id string, status types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	sess.Status = status
	sess.Version++
	m.transitions = append(m.transitions, status)
	return nil
}

func (m *mockSessions) seen(status types.SessionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.transitions {
		if s == status {
			return true
		}
	}
	return false
}

func cloneSession(sess *types.Session) *types.Session {
	out := *sess
	out.Metadata = make(map[string]interface{}, len(sess.Metadata))
	for k, v := range sess.Metadata {
		out.Metadata[k] = v
	}
	out.History = append([]types.ConversationEntry(nil), sess.History...)
	return &out
}

// =============================================================================
// IN-MEMORY TABLE STORE
// =============================================================================

type mockTables struct {
	mu        sync.Mutex
	data      map[string][]types.Row
	failReads map[string]error
	writes    map[string][]types.Row
}

func newMockTables() *mockTables {
	return &mockTables{
		data:      map[string][]types.Row{},
		failReads: map[string]error{},
		writes:    map[string][]types.Row{},
	}
}

func (m *mockTables) ReadSample(_ context.Context, table string, limit int) ([]types.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReads[table]; err != nil {
		return nil, err
	}
	rows, ok := m.data[table]
	if !ok {
		return nil, fmt.Errorf("no rows stored for table %s", table)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return sandbox.CopyRows(rows), nil
}

func (m *mockTables) ReadFullTable(_ context.Context, table string) ([]types.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReads[table]; err != nil {
		return nil, err
	}
	rows, ok := m.data[table]
	if !ok {
		return nil, fmt.Errorf("no rows stored for table %s", table)
	}
	return sandbox.CopyRows(rows), nil
}

func (m *mockTables) WriteTable(_ context.Context, table string, rows []types.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[table] = sandbox.CopyRows(rows)
	m.writes[table] = sandbox.CopyRows(rows)
	return nil
}

func (m *mockTables) ListTables(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.data {
		names = append(names, name)
	}
	return names, nil
}

// =============================================================================
// COLLABORATOR MOCKS
// =============================================================================

type mockAnalyzer struct {
	analysis *types.IntentAnalysis
	err      error
	lastMsg  string
}

func (m *mockAnalyzer) Analyze(_ context.Context, message string, _ []types.ConversationEntry) (*types.IntentAnalysis, error) {
	m.lastMsg = message
	return m.analysis, m.err
}

type mockRanker struct {
	candidates []types.TableCandidate
	err        error
}

func (m *mockRanker) Rank(_ context.Context, _ *types.IntentAnalysis) ([]types.TableCandidate, error) {
	return m.candidates, m.err
}

type mockGenerator struct {
	artifact *types.TransformationCode
	err      error
	lastOp   string
}

func (m *mockGenerator) Generate(_ context.Context, operation string, samples []types.TableSample) (*types.TransformationCode, error) {
	m.lastOp = operation
	if m.err != nil {
		return nil, m.err
	}
	artifact := *m.artifact
	artifact.Samples = samples
	return &artifact, nil
}

// mockRunner applies a Go-side transform function instead of interpreting
// code, so workflow tests stay independent of the sandbox.
type mockRunner struct {
	transform func(rows []types.Row) []types.Row
	err       error
}

func (m *mockRunner) Transform(_ context.Context, _, _ string, rows []types.Row) ([]types.Row, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.transform == nil {
		return rows, nil
	}
	return m.transform(sandbox.CopyRows(rows)), nil
}

func (m *mockRunner) RunTable(ctx context.Context, code, entry, table string, rows []types.Row) types.DiffResult {
	original := sandbox.CopyRows(rows)
	transformed, err := m.Transform(ctx, code, entry, rows)
	if err != nil {
		return types.DiffResult{TableName: table, Original: original, Transformed: original, Error: err.Error()}
	}
	return types.DiffResult{
		TableName:      table,
		Original:       original,
		Transformed:    transformed,
		RecordsChanged: sandbox.CountChanges(original, transformed),
	}
}
