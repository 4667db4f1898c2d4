// Package server exposes the correction workflow over HTTP. Routing is chi;
// every handler decodes a small JSON body, calls the engine, and maps fault
// kinds onto status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tablemend/tablemend/internal/faults"
	"github.com/tablemend/tablemend/internal/logging"
	"github.com/tablemend/tablemend/internal/session"
	"github.com/tablemend/tablemend/internal/types"
)

// WorkflowEngine is the server's view of the workflow.
type WorkflowEngine interface {
	ProcessMessage(ctx context.Context, sessionID, userID, message string) (string, *types.IntentSuggestion, error)
	ConfirmTableSelection(ctx context.Context, sessionID string, confirmed bool, tables []string) (types.Response, error)
	ApplyTransformation(ctx context.Context, sessionID string, apply bool) (*types.ApplyResult, error)
	Cancel(ctx context.Context, sessionID string) (*types.SessionCancelled, error)
}

// SessionReader loads sessions for the read-only session endpoint.
type SessionReader interface {
	Get(ctx context.Context, id string) (*types.Session, error)
}

type Config struct {
	Addr string `json:"addr"`
}

func DefaultConfig() Config {
	return Config{Addr: ":3000"}
}

// =============================================================================
// SERVER
// =============================================================================

type Server struct {
	engine   WorkflowEngine
	sessions SessionReader
	config   Config
}

func New(engine WorkflowEngine, sessions SessionReader, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	return &Server{engine: engine, sessions: sessions, config: cfg}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/session/{id}", s.handleGetSession)
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Post("/confirm-selection", s.handleConfirmSelection)
		r.Post("/apply-transformation", s.handleApplyTransformation)
		r.Post("/cancel", s.handleCancel)
	})
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("listening on %s", s.config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// =============================================================================
// HANDLERS
// =============================================================================

type messageRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID, resp, err := s.engine.ProcessMessage(r.Context(), req.SessionID, req.UserID, req.Message)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"response":  resp,
	})
}

type confirmRequest struct {
	SessionID string   `json:"sessionId"`
	Confirmed bool     `json:"confirmed"`
	Tables    []string `json:"tables"`
}

func (s *Server) handleConfirmSelection(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	resp, err := s.engine.ConfirmTableSelection(r.Context(), req.SessionID, req.Confirmed, req.Tables)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": req.SessionID,
		"response":  resp,
	})
}

type applyRequest struct {
	SessionID string `json:"sessionId"`
	Apply     bool   `json:"apply"`
}

func (s *Server) handleApplyTransformation(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	result, err := s.engine.ApplyTransformation(r.Context(), req.SessionID, req.Apply)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": req.SessionID,
		"result":    result,
	})
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	resp, err := s.engine.Cancel(r.Context(), req.SessionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": req.SessionID,
		"response":  resp,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSE ENCODING
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Server("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps a workflow error onto an HTTP status. Unknown sessions are
// 404; illegal operations 409; broken collaborators 502; the rest 500.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case faults.IsKind(err, faults.KindInvalidState):
		status = http.StatusConflict
	case faults.IsKind(err, faults.KindUpstream),
		faults.IsKind(err, faults.KindGeneration),
		faults.IsKind(err, faults.KindRetrieval):
		status = http.StatusBadGateway
	}
	logging.Server("request failed (%d): %v", status, err)
	writeError(w, status, err.Error())
}
