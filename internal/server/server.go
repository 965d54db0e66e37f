// Package server exposes the operation engine over JSON HTTP.
//
// Operation routes answer 202 immediately and run in the background; clients
// poll /api/status/{kind} until done is true.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/ops"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/unsubscribe"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server routes HTTP requests to an ops.Engine.
type Server struct {
	Engine *ops.Engine
	Logger *slog.Logger
	Clock  func() time.Time
}

// New returns a Server for engine.
func New(engine *ops.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{Engine: engine, Logger: logger, Clock: time.Now}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	e := s.Engine
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/scan", start(s, progress.KindScan, e.RunScan))
	mux.HandleFunc("POST /api/delete-scan", start(s, progress.KindDeleteScan, e.RunDeleteScan))
	mux.HandleFunc("POST /api/mark-read", start(s, progress.KindMarkRead, e.RunMarkRead))
	mux.HandleFunc("POST /api/delete-senders", start(s, progress.KindDeleteSenders, e.RunDeleteBySender))
	mux.HandleFunc("POST /api/delete-bulk", start(s, progress.KindDeleteBulk, e.RunDeleteBulk))
	mux.HandleFunc("POST /api/labels/apply", start(s, progress.KindLabel, e.RunApplyLabel))
	mux.HandleFunc("POST /api/labels/remove", start(s, progress.KindLabel, e.RunRemoveLabel))
	mux.HandleFunc("POST /api/archive", start(s, progress.KindArchive, e.RunArchive))
	mux.HandleFunc("POST /api/mark-important", start(s, progress.KindImportant, e.RunMarkImportant))
	mux.HandleFunc("POST /api/download", start(s, progress.KindDownload, e.RunDownload))

	mux.HandleFunc("GET /api/status", s.allStatus)
	mux.HandleFunc("GET /api/status/{kind}", s.status)
	mux.HandleFunc("GET /api/scan-results", s.results(progress.KindScan))
	mux.HandleFunc("GET /api/delete-scan-results", s.results(progress.KindDeleteScan))
	mux.HandleFunc("GET /api/unread-count", s.unreadCount)
	mux.HandleFunc("GET /api/labels", s.listLabels)
	mux.HandleFunc("POST /api/labels", s.createLabel)
	mux.HandleFunc("DELETE /api/labels/{id}", s.deleteLabel)
	mux.HandleFunc("GET /api/download-csv", s.downloadCSV)
	mux.HandleFunc("POST /api/unsubscribe", s.unsubscribe)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	})

	return s.logRequests(mux)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down.
// Operations already running keep going until the process exits.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Logger.InfoContext(ctx, "http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// start decodes a T from the body and launches run in the background.
func start[T any](s *Server, kind progress.Kind, run func(context.Context, T) progress.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.Engine.Start(r.Context(), kind, func(ctx context.Context) progress.Status {
			return run(ctx, req)
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func (s *Server) allStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.Registry.All())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	kind, err := progress.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Status(kind))
}

func (s *Server) results(kind progress.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Engine.ScanResults(kind))
	}
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	exact, _ := strconv.ParseBool(r.URL.Query().Get("exact"))
	count, err := s.Engine.UnreadCount(r.Context(), exact)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func (s *Server) listLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.Engine.ListLabels(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (s *Server) createLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lbl, err := s.Engine.CreateLabel(r.Context(), req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lbl)
}

func (s *Server) deleteLabel(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.DeleteLabel(r.Context(), gmail.LabelID(r.PathValue("id"))); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) downloadCSV(w http.ResponseWriter, _ *http.Request) {
	data, ok := s.Engine.TakeCSV()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no export available; run a download first"))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ops.CSVFilename(s.now())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req ops.UnsubscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Engine.Unsubscribe(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, ops.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ops.ErrAuth):
		code = http.StatusUnauthorized
	case errors.Is(err, gmail.ErrLabelExists):
		code = http.StatusConflict
	case errors.Is(err, gmail.ErrLabelNotFound):
		code = http.StatusNotFound
	case errors.Is(err, gmail.ErrSystemLabel):
		code = http.StatusBadRequest
	case errors.Is(err, unsubscribe.ErrUnsafeURL):
		code = http.StatusUnprocessableEntity
	}
	if code >= http.StatusInternalServerError {
		s.Logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	writeError(w, code, err)
}

func (s *Server) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r)
		s.Logger.DebugContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.code),
			slog.Duration("elapsed", time.Since(began)),
		)
	})
}

// decodeBody reads JSON into dst. An empty body leaves dst at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
