package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/network"
	"recording-upload-queue/internal/queue"
	"recording-upload-queue/internal/ratelimit"
	"recording-upload-queue/internal/recordings"
	"recording-upload-queue/internal/telemetry"
)

// Limiter throttles enqueue calls per client. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Take(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the local control API.
type Server struct {
	engine  *queue.Engine
	limiter Limiter
	network *network.Manual
	logger  logging.Logger
}

// New constructs the API server. limiter may be nil to disable throttling;
// manual may be nil when the network is probed rather than pushed.
func New(engine *queue.Engine, limiter Limiter, manual *network.Manual, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		engine:  engine,
		limiter: limiter,
		network: manual,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/recordings", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleRemove)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Post("/retry-failed", s.handleRetryFailed)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Delete("/completed", s.handleClearCompleted)
		r.Delete("/", s.handleClearAll)
		r.Get("/stats", s.handleStats)
		r.Get("/history", s.handleHistory)
		r.Get("/current", s.handleCurrent)
	})

	r.Get("/settings", s.handleGetSettings)
	r.Put("/settings", s.handlePutSettings)
	r.Put("/network", s.handlePutNetwork)
	return r
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	var req models.RawRecording
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := recordings.ValidateLocal(req.AudioURI); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.Error(r.Context(), "rate limiter failed", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	rec, err := s.engine.Enqueue(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.RecordingFilter{SessionID: q.Get("session_id")}
	for _, v := range q["status"] {
		st := models.RecordingStatus(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	for _, v := range q["priority"] {
		p := models.Priority(v)
		if p.Rank() == 0 {
			writeError(w, http.StatusBadRequest, "unknown priority "+v)
			return
		}
		filter.Priorities = append(filter.Priorities, p)
	}
	for name, dst := range map[string]**time.Time{"recorded_after": &filter.RecordedAfter, "recorded_before": &filter.RecordedBefore} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, name+" must be RFC3339")
				return
			}
			*dst = &t
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": s.engine.GetRecordingsByFilter(filter)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.engine.GetRecording(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, queue.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveRecording(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset"))
	rec, err := s.engine.RetryRecording(r.Context(), chi.URLParam(r, "id"), reset)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleProcess(w http.ResponseWriter, _ *http.Request) {
	s.engine.StartPass()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	moved, err := s.engine.RequeueFailed(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if moved > 0 {
		s.engine.StartPass()
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"requeued": moved})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.engine.PauseProcessing()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.ResumeProcessing(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearCompletedRecordings(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearAllRecordings(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetQueueStats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": s.engine.GetUploadHistory(limit)})
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	cur, ok := s.engine.CurrentUpload()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, cur)
}

type settingsResponse struct {
	models.QueueSettings
	Paused     bool `json:"paused"`
	Processing bool `json:"processing"`
}

func (s *Server) settingsView() settingsResponse {
	return settingsResponse{
		QueueSettings: s.engine.Settings(),
		Paused:        s.engine.IsPaused(),
		Processing:    s.engine.IsProcessing(),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsView())
}

// handlePutSettings applies a partial update; omitted fields keep their value.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	next := s.engine.Settings()
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.engine.UpdateSettings(r.Context(), next); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settingsView())
}

func (s *Server) handlePutNetwork(w http.ResponseWriter, r *http.Request) {
	if s.network == nil {
		writeError(w, http.StatusConflict, "network condition is probed, not pushed")
		return
	}
	var cond models.NetworkCondition
	if err := json.NewDecoder(r.Body).Decode(&cond); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.network.Set(cond); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.engine.NetworkChanged(r.Context(), cond)
	writeJSON(w, http.StatusOK, cond)
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidRecording), errors.Is(err, queue.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(r.Context(), "queue operation failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
