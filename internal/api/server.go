// Package api exposes the active bank session over HTTP for a browser UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/cost"
	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/model"
	"github.com/sells-group/qbank/internal/resilience"
	"github.com/sells-group/qbank/internal/session"
	"github.com/sells-group/qbank/internal/store"
	"github.com/sells-group/qbank/internal/upload"
)

// Config tunes the HTTP surface.
type Config struct {
	AllowedOrigins []string
	// BatchSize is the range length used when a batch request omits count.
	BatchSize int
	// MaxUploadBytes caps upload bodies. Default 32MB.
	MaxUploadBytes int64
	// Costs, when set, is reported by GET /usage.
	Costs *cost.Tracker
}

// Server routes HTTP requests to the controller and orchestrator.
type Server struct {
	ctrl *session.Controller
	orch *enhance.Orchestrator
	cfg  Config
	log  *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	batch  *batchRun
	router chi.Router
}

// batchRun is a background EnhanceRange.
type batchRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	report *enhance.BatchReport
	err    error
}

// New creates a server. Background batches live until Shutdown.
func New(ctrl *session.Controller, orch *enhance.Orchestrator, cfg Config) *Server {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctrl:       ctrl,
		orch:       orch,
		cfg:        cfg,
		log:        zap.L().Named("api"),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/usage", func(w http.ResponseWriter, _ *http.Request) {
		if s.cfg.Costs == nil {
			writeJSON(w, http.StatusOK, cost.Totals{})
			return
		}
		writeJSON(w, http.StatusOK, s.cfg.Costs.Totals())
	})

	r.Route("/banks", func(r chi.Router) {
		r.Get("/", s.handleListBanks)
		r.Post("/", s.handleUpload)
		r.Post("/local", s.handleLoadLocal)
		r.Post("/{bankID}/load", s.handleLoad)
		r.Delete("/{bankID}", s.handleDelete)
	})

	r.Get("/session", s.handleSession)
	r.Post("/session/flush", s.handleFlush)
	r.Post("/session/undo", s.handleUndo)
	r.Post("/session/redo", s.handleRedo)
	r.Post("/session/approve-all", s.handleApproveAll)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", s.handleListRecords)
		r.Get("/{idx}", s.handleGetRecord)
		r.Post("/{idx}/enhance", s.handleEnhance)
		r.Post("/{idx}/approve", s.handleApprove)
		r.Post("/{idx}/approve-original", s.handleApproveOriginal)
	})

	r.Route("/batch", func(r chi.Router) {
		r.Get("/", s.handleBatchStatus)
		r.Post("/", s.handleBatchStart)
		r.Delete("/", s.handleBatchCancel)
	})

	return r
}

// Shutdown cancels a running batch and waits for it to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.mu.Lock()
	run := s.batch
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.ctrl.ListBanks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if banks == nil {
		banks = []model.BankSummary{}
	}
	writeJSON(w, http.StatusOK, banks)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	sess, err := s.ctrl.Upload(r.Context(), bankName(r), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(sess))
}

func (s *Server) handleLoadLocal(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readBody(w, r)
	if !ok {
		return
	}
	sess, err := s.ctrl.LoadLocal(r.Context(), bankName(r), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Load(r.Context(), chi.URLParam(r, "bankID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Delete(r.Context(), chi.URLParam(r, "bankID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	if err := sess.Flush(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleUndo(w http.ResponseWriter, _ *http.Request) {
	s.historyStep(w, (*session.Session).Undo)
}

func (s *Server) handleRedo(w http.ResponseWriter, _ *http.Request) {
	s.historyStep(w, (*session.Session).Redo)
}

func (s *Server) historyStep(w http.ResponseWriter, step func(*session.Session) (model.Edit, bool, error)) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	edit, applied, err := step(sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := historyResponse{Applied: applied, History: newHistoryView(sess)}
	if applied {
		resp.Index = &edit.RecordIndex
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApproveAll(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	n, err := sess.ApproveAll()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"approved": n})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	indices := sess.Filter(r.URL.Query().Get("subject"))
	out := make([]recordView, 0, len(indices))
	for _, idx := range indices {
		rec, st, err := sess.Record(idx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, newRecordView(idx, rec, st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	sess, idx, ok := s.recordTarget(w, r)
	if !ok {
		return
	}
	s.writeRecord(w, sess, idx)
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	sess, idx, ok := s.recordTarget(w, r)
	if !ok {
		return
	}
	res, err := s.orch.EnhanceOne(r.Context(), sess, idx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("record enhanced", zap.Int("index", idx), zap.String("prompt", string(res.Prompt)))
	s.writeRecord(w, sess, idx)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	sess, idx, ok := s.recordTarget(w, r)
	if !ok {
		return
	}
	if _, err := sess.Approve(idx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRecord(w, sess, idx)
}

func (s *Server) handleApproveOriginal(w http.ResponseWriter, r *http.Request) {
	sess, idx, ok := s.recordTarget(w, r)
	if !ok {
		return
	}
	if _, err := sess.ApproveOriginal(idx); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRecord(w, sess, idx)
}

func (s *Server) writeRecord(w http.ResponseWriter, sess *session.Session, idx int) {
	rec, st, err := sess.Record(idx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(idx, rec, st))
}

type batchRequest struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.active(w)
	if !ok {
		return
	}
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return
		}
	}
	if req.Count == 0 {
		req.Count = s.cfg.BatchSize
	}

	s.mu.Lock()
	if s.batch != nil && !isDone(s.batch.done) {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, errorBody{Error: "a batch is already running"})
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	run := &batchRun{cancel: cancel, done: make(chan struct{})}
	s.batch = run
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()
		report, err := s.orch.EnhanceRange(ctx, sess, req.Start, req.Count)
		s.mu.Lock()
		run.report, run.err = report, err
		s.mu.Unlock()
		if err != nil {
			s.log.Warn("batch ended with error", zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]int{"start": req.Start, "count": req.Count})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	run := s.batch
	var view batchView
	if run != nil {
		view.Running = !isDone(run.done)
		view.Report = newReportView(run.report)
		if run.err != nil {
			view.Error = run.err.Error()
		}
	}
	s.mu.Unlock()
	view.Progress = s.orch.Progress()
	view.Circuit = s.orch.BreakerState().String()
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	run := s.batch
	s.mu.Unlock()
	if run == nil || isDone(run.done) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "no batch is running"})
		return
	}
	run.cancel()
	w.WriteHeader(http.StatusAccepted)
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Server) active(w http.ResponseWriter) (*session.Session, bool) {
	sess, err := s.ctrl.Active()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) recordTarget(w http.ResponseWriter, r *http.Request) (*session.Session, int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "record index must be an integer"})
		return nil, 0, false
	}
	sess, ok := s.active(w)
	if !ok {
		return nil, 0, false
	}
	return sess, idx, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "reading request body"})
		return nil, false
	}
	return data, true
}

func bankName(r *http.Request) string {
	if name := r.URL.Query().Get("name"); name != "" {
		return name
	}
	return "Untitled bank"
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var failure *enhance.Failure
	switch {
	case errors.Is(err, upload.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoActiveBank),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrNothingToApprove),
		errors.Is(err, enhance.ErrNothingToEnhance),
		errors.Is(err, session.ErrStaleCheckpoint),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoStore):
		return http.StatusNotImplemented
	case errors.As(err, &failure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
