// Package workflow is the correction engine's state machine. It owns the
// session lifecycle and orchestrates intent analysis, retrieval, code
// generation and sandboxed execution; every collaborator arrives as an
// interface so the engine itself stays free of transport and storage detail.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/sandbox"
	"github.com/tablemend/tablemend/internal/tabular"
	"github.com/tablemend/tablemend/internal/types"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Analyzer extracts structured intent from an operator message.
type Analyzer interface {
	Analyze(ctx context.Context, message string, history []types.ConversationEntry) (*types.IntentAnalysis, error)
}

// Ranker turns an intent analysis into ranked table candidates.
type Ranker interface {
	Rank(ctx context.Context, analysis *types.IntentAnalysis) ([]types.TableCandidate, error)
}

// Generator produces the transformation code artifact.
type Generator interface {
	Generate(ctx context.Context, operation string, samples []types.TableSample) (*types.TransformationCode, error)
}

// Runner executes transformation code in isolation.
type Runner interface {
	Transform(ctx context.Context, code, entryPoint string, records []types.Row) ([]types.Row, error)
	RunTable(ctx context.Context, code, entryPoint, table string, rows []types.Row) types.DiffResult
}

// SessionStore persists sessions and their history.
type SessionStore interface {
	Create(ctx context.Context, userID string) (*types.Session, error)
	Get(ctx context.Context, id string) (*types.Session, error)
	AppendMessage(ctx context.Context, id string, entry types.ConversationEntry) error
	MergeMetadata(ctx context.Context, id string, patch map[string]interface{}) error
	SetStatus(ctx context.Context, id string, status types.SessionStatus) error
}

// DiffRenderer renders preview diffs as text.
type DiffRenderer func(results []types.DiffResult) string

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// SampleSize is how many rows each confirmed table contributes to the
	// generation prompt and the preview run.
	SampleSize int `json:"sample_size"`
}

func DefaultConfig() Config {
	return Config{SampleSize: tabular.DefaultSampleSize}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine drives one correction conversation per session through the state
// graph. All three operations serialize per session id; concurrent calls for
// the same session queue instead of interleaving half-written state.
type Engine struct {
	sessions SessionStore
	tables   tabular.TableStore
	analyzer Analyzer
	ranker   Ranker
	gen      Generator
	runner   Runner
	render   DiffRenderer
	config   Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(sessions SessionStore, tables tabular.TableStore, analyzer Analyzer, ranker Ranker, gen Generator, runner Runner, render DiffRenderer, cfg Config) *Engine {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = tabular.DefaultSampleSize
	}
	if render == nil {
		render = func([]types.DiffResult) string { return "" }
	}
	return &Engine{
		sessions: sessions,
		tables:   tables,
		analyzer: analyzer,
		ranker:   ranker,
		gen:      gen,
		runner:   runner,
		render:   render,
		config:   cfg,
		locks:    map[string]*sync.Mutex{},
	}
}

// lockSession serializes workflow operations per session id.
func (e *Engine) lockSession(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// =============================================================================
// PROCESS MESSAGE
// =============================================================================

// ProcessMessage runs intent analysis and table retrieval for one operator
// message. An empty sessionID opens a new session for userID. Legal from any
// non-terminal state; the turn is appended to history before returning.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, userID, message string) (string, *types.IntentSuggestion, error) {
	const op = "workflow.ProcessMessage"

	var sess *types.Session
	var err error
	if sessionID == "" {
		sess, err = e.sessions.Create(ctx, userID)
		if err != nil {
			return "", nil, err
		}
		sessionID = sess.ID
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	if sess == nil {
		sess, err = e.sessions.Get(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
	}
	if sess.Status.Terminal() {
		return "", nil, faults.New(faults.KindInvalidState, op,
			"session %s is %s and accepts no further messages", sessionID, sess.Status)
	}

	analysis, err := e.analyzer.Analyze(ctx, message, sess.History)
	if err != nil {
		return "", nil, err
	}
	candidates, err := e.ranker.Rank(ctx, analysis)
	if err != nil {
		return "", nil, err
	}

	response := &types.IntentSuggestion{
		Stage:                types.StageIntentSuggestion,
		Message:              suggestionMessage(analysis, candidates),
		IntentAnalysis:       analysis,
		Candidates:           candidates,
		RequiresConfirmation: true,
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		return "", nil, fmt.Errorf("%s: encoding response: %w", op, err)
	}
	if err := e.sessions.AppendMessage(ctx, sessionID, types.ConversationEntry{
		Message:  message,
		Response: encoded,
	}); err != nil {
		return "", nil, err
	}
	if err := e.advance(ctx, sess, types.StatusAwaitingConfirmation); err != nil {
		return "", nil, err
	}

	logging.Workflow("session %s: message processed, %d candidates", sessionID, len(candidates))
	return sessionID, response, nil
}

func suggestionMessage(analysis *types.IntentAnalysis, candidates []types.TableCandidate) string {
	if len(candidates) == 0 {
		return fmt.Sprintf("I understand you want to %s, but I could not find any relevant tables. Could you describe the data differently?", analysis.Intent)
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.TableName
	}
	return fmt.Sprintf("I understand you want to %s. I found these relevant tables: %s. Is this correct?",
		analysis.Intent, strings.Join(names, ", "))
}

// =============================================================================
// CONFIRM TABLE SELECTION
// =============================================================================

// ConfirmTableSelection resolves the operator's verdict on the suggested
// tables. A rejection loops the session back to AWAITING_CONFIRMATION with no
// other side effects. A confirmation samples the tables in parallel,
// generates transformation code and previews it against the samples. A
// failure after the tables are recorded leaves the session at
// TABLE_CONFIRMED; a fresh message restarts the loop from there.
func (e *Engine) ConfirmTableSelection(ctx context.Context, sessionID string, confirmed bool, tables []string) (types.Response, error) {
	const op = "workflow.ConfirmTableSelection"

	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidState, op,
			"session %s is %s", sessionID, sess.Status)
	}
	analysis := lastIntentAnalysis(sess.History)
	if analysis == nil {
		return nil, faults.New(faults.KindInvalidState, op,
			"session %s has no analyzed message to confirm", sessionID)
	}

	if !confirmed {
		if err := e.advance(ctx, sess, types.StatusSelectionRejected); err != nil {
			return nil, err
		}
		if err := e.advance(ctx, sess, types.StatusAwaitingConfirmation); err != nil {
			return nil, err
		}
		logging.Workflow("session %s: table selection rejected", sessionID)
		return &types.ConfirmationRequest{
			Stage:   types.StageConfirmationRequest,
			Message: "Let me try again. Could you provide more details about the data you want to modify?",
			Status:  types.StatusSelectionRejected,
		}, nil
	}

	if len(tables) == 0 {
		return nil, faults.New(faults.KindInvalidState, op, "confirmation carries no tables")
	}

	if err := e.advance(ctx, sess, types.StatusTableConfirmed); err != nil {
		return nil, err
	}
	if err := e.sessions.MergeMetadata(ctx, sessionID, map[string]interface{}{
		types.MetaConfirmedTables: tables,
	}); err != nil {
		return nil, err
	}

	samples, err := e.readSamples(ctx, tables)
	if err != nil {
		return nil, err
	}

	operation := analysis.Operation
	if operation == "" {
		operation = analysis.Intent
	}
	artifact, err := e.gen.Generate(ctx, operation, samples)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(artifact.SampleCode) == "" || strings.TrimSpace(artifact.FullCode) == "" {
		return nil, faults.New(faults.KindGeneration, op,
			"completion produced no executable transformation code")
	}

	previews := make([]types.DiffResult, len(samples))
	for i, sample := range samples {
		previews[i] = e.runner.RunTable(ctx, artifact.SampleCode, artifact.EntryPoint, sample.TableName, sample.Rows)
	}

	if err := e.sessions.MergeMetadata(ctx, sessionID, map[string]interface{}{
		types.MetaGeneratedCode: artifact,
	}); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, sess, types.StatusTransformationReady); err != nil {
		return nil, err
	}

	logging.Workflow("session %s: preview ready for %d tables", sessionID, len(tables))
	return &types.PreviewReady{
		Stage:    types.StagePreviewReady,
		Message:  "I've generated the transformation code and applied it to a sample of your data. Please review and confirm.",
		Status:   types.StatusTransformationReady,
		Code:     artifact,
		Previews: previews,
		DiffText: e.render(previews),
	}, nil
}

// readSamples reads one sample per table in parallel. Any single failure
// fails the confirmation; partial tolerance belongs to apply, not preview.
func (e *Engine) readSamples(ctx context.Context, tables []string) ([]types.TableSample, error) {
	const op = "workflow.readSamples"

	samples := make([]types.TableSample, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			rows, err := e.tables.ReadSample(gctx, table, e.config.SampleSize)
			if err != nil {
				return faults.Wrapf(faults.KindStorage, op, err, "sampling %s", table)
			}
			samples[i] = types.TableSample{TableName: table, Rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel terminally closes a session. Legal from any state that has not yet
// mutated table data; no dataset is read or written.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*types.SessionCancelled, error) {
	const op = "workflow.Cancel"

	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidState, op,
			"session %s is %s", sessionID, sess.Status)
	}
	if err := e.advance(ctx, sess, types.StatusCancelled); err != nil {
		return nil, err
	}

	logging.Workflow("session %s: cancelled", sessionID)
	return &types.SessionCancelled{
		Stage:   types.StageSessionCancelled,
		Message: "Session cancelled. No changes were applied to your data.",
		Status:  types.StatusCancelled,
	}, nil
}

// =============================================================================
// APPLY TRANSFORMATION
// =============================================================================

// ApplyTransformation runs the generated code over the full confirmed tables
// and writes the results back, or abandons the transformation when apply is
// false. Tables run concurrently; one table's failure is recorded in its
// result row and never blocks the others.
func (e *Engine) ApplyTransformation(ctx context.Context, sessionID string, apply bool) (*types.ApplyResult, error) {
	const op = "workflow.ApplyTransformation"

	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, faults.New(faults.KindInvalidState, op,
			"session %s is %s", sessionID, sess.Status)
	}

	artifact, tables, err := transformationState(sess)
	if err != nil {
		return nil, err
	}

	if !apply {
		if err := e.advance(ctx, sess, types.StatusTransformationRejected); err != nil {
			return nil, err
		}
		logging.Workflow("session %s: transformation rejected", sessionID)
		return &types.ApplyResult{
			Stage:   types.StageApplyResult,
			Message: "Transformation cancelled. How else can I help you?",
			Status:  types.StatusTransformationRejected,
		}, nil
	}

	results := make([]types.TableApplyResult, len(tables))
	var wg sync.WaitGroup
	for i, table := range tables {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.applyTable(ctx, artifact, table)
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.RecordsChanged
	}

	result := &types.ApplyResult{
		Stage:        types.StageApplyResult,
		Message:      fmt.Sprintf("Transformation applied successfully to %d records.", total),
		Status:       types.StatusCompleted,
		Results:      results,
		TotalChanged: total,
	}

	if err := e.advance(ctx, sess, types.StatusTransformationApplied); err != nil {
		return nil, err
	}
	if err := e.sessions.MergeMetadata(ctx, sessionID, map[string]interface{}{
		types.MetaTransformationResult: result,
	}); err != nil {
		return nil, err
	}
	if err := e.advance(ctx, sess, types.StatusCompleted); err != nil {
		return nil, err
	}

	logging.Workflow("session %s: transformation applied, %d records changed across %d tables",
		sessionID, total, len(tables))
	return result, nil
}

// applyTable transforms and writes back one full table. Failures land in the
// result row.
func (e *Engine) applyTable(ctx context.Context, artifact *types.TransformationCode, table string) types.TableApplyResult {
	rows, err := e.tables.ReadFullTable(ctx, table)
	if err != nil {
		return types.TableApplyResult{Table: table, Error: err.Error()}
	}
	transformed, err := e.runner.Transform(ctx, artifact.FullCode, artifact.EntryPoint, rows)
	if err != nil {
		return types.TableApplyResult{Table: table, RecordsProcessed: len(rows), Error: err.Error()}
	}
	if err := e.tables.WriteTable(ctx, table, transformed); err != nil {
		return types.TableApplyResult{Table: table, RecordsProcessed: len(rows), Error: err.Error()}
	}
	return types.TableApplyResult{
		Table:            table,
		RecordsProcessed: len(rows),
		RecordsChanged:   sandbox.CountChanges(rows, transformed),
	}
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// advance moves the session along the state graph, keeping the in-memory copy
// in step. A target unreachable from the current status is left alone when
// equal, rejected otherwise.
func (e *Engine) advance(ctx context.Context, sess *types.Session, target types.SessionStatus) error {
	const op = "workflow.advance"
	if sess.Status == target {
		return nil
	}
	if !types.ValidTransition(sess.Status, target) {
		return faults.New(faults.KindInvalidState, op,
			"illegal transition %s -> %s for session %s", sess.Status, target, sess.ID)
	}
	if err := e.sessions.SetStatus(ctx, sess.ID, target); err != nil {
		return err
	}
	sess.Status = target
	return nil
}

// lastIntentAnalysis walks history backwards for the most recent analyzed
// turn.
func lastIntentAnalysis(history []types.ConversationEntry) *types.IntentAnalysis {
	for i := len(history) - 1; i >= 0; i-- {
		var suggestion types.IntentSuggestion
		if err := json.Unmarshal(history[i].Response, &suggestion); err != nil {
			continue
		}
		if suggestion.Stage == types.StageIntentSuggestion && suggestion.IntentAnalysis != nil {
			return suggestion.IntentAnalysis
		}
	}
	return nil
}

// transformationState extracts the generated artifact and confirmed tables
// from session metadata.
func transformationState(sess *types.Session) (*types.TransformationCode, []string, error) {
	const op = "workflow.transformationState"

	rawCode, okCode := sess.Metadata[types.MetaGeneratedCode]
	rawTables, okTables := sess.Metadata[types.MetaConfirmedTables]
	if !okCode || !okTables {
		return nil, nil, faults.New(faults.KindInvalidState, op,
			"session %s has no generated transformation to apply", sess.ID)
	}

	encoded, err := json.Marshal(rawCode)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: re-encoding artifact: %w", op, err)
	}
	var artifact types.TransformationCode
	if err := json.Unmarshal(encoded, &artifact); err != nil {
		return nil, nil, fmt.Errorf("%s: decoding artifact: %w", op, err)
	}

	tables, err := stringSlice(rawTables)
	if err != nil || len(tables) == 0 {
		return nil, nil, faults.New(faults.KindInvalidState, op,
			"session %s has no confirmed tables", sess.ID)
	}
	return &artifact, tables, nil
}

func stringSlice(v interface{}) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New("non-string table name")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected table list type %T", v)
	}
}
