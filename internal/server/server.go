// Package server exposes chunk execution over HTTP and streams events
// over a websocket.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/nbexec/internal/chunkout"
	"github.com/CZERTAINLY/nbexec/internal/history"
	"github.com/CZERTAINLY/nbexec/internal/notebook"
	"github.com/CZERTAINLY/nbexec/internal/notify"
	"github.com/CZERTAINLY/nbexec/internal/registry"
)

type Runner interface {
	RunChunk(ctx context.Context, docID, chunkID, engine, code string) error
	Interrupt(docID, chunkID string) error
	Running() []registry.Key
	Output(docID, chunkID string) ([]chunkout.Record, error)
}

type Server struct {
	runner Runner
	bus    *notify.Bus
	db     *sql.DB
}

// New returns a server. db may be nil when history is disabled.
func New(runner Runner, bus *notify.Bus, db *sql.DB) *Server {
	return &Server{
		runner: runner,
		bus:    bus,
		db:     db,
	}
}

type RunRequest struct {
	Engine string `json:"engine"`
	Code   string `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chunks/{doc}/{chunk}/run", s.handleRun)
	mux.HandleFunc("POST /api/v1/chunks/{doc}/{chunk}/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /api/v1/chunks/{doc}/{chunk}/output", s.handleOutput)
	mux.HandleFunc("GET /api/v1/chunks/{doc}/{chunk}/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/chunks", s.handleRunning)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	return mux
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "serving", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Engine == "" {
		writeError(w, http.StatusBadRequest, errors.New("engine is empty"))
		return
	}

	err := s.runner.RunChunk(r.Context(), r.PathValue("doc"), r.PathValue("chunk"), req.Engine, req.Code)
	switch {
	case errors.Is(err, notebook.ErrChunkInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, chunkout.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	err := s.runner.Interrupt(r.PathValue("doc"), r.PathValue("chunk"))
	switch {
	case errors.Is(err, notebook.ErrNotRunning):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	records, err := s.runner.Output(r.PathValue("doc"), r.PathValue("chunk"))
	switch {
	case errors.Is(err, chunkout.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []chunkout.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Running())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	rows, err := history.List(r.Context(), s.db, r.PathValue("doc"), r.PathValue("chunk"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []history.RunRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
