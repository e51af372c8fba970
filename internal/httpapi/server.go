package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"annostore/internal/config"
	"annostore/internal/ingest"
	"annostore/internal/matchid"
	"annostore/internal/model"
	"annostore/internal/task"
	"annostore/internal/upload"
	"annostore/internal/upstream/store"
)

type UploadService interface {
	Abandon(ctx context.Context, sessionID string) error
}

type IngestService interface {
	Process(ctx context.Context, in ingest.Input) (ingest.Result, error)
}

// TaskHandle is the part of task.Handle the relay uses.
type TaskHandle interface {
	Status(ctx context.Context, opts task.StatusOptions) (task.Status, error)
	WaitFor(ctx context.Context, maxSeconds int) (task.Status, error)
	Cancel(ctx context.Context) error
	Release(ctx context.Context) error
	State() task.State
}

type TaskOpener func(id string) TaskHandle

type StoreChecker interface {
	Ping(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Uploads        UploadService
	Ingest         IngestService
	Tasks          TaskOpener
	Store          StoreChecker
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	uploads      UploadService
	ingest       IngestService
	tasks        TaskOpener
	store        StoreChecker
	registry     *expirable.LRU[string, model.TaskRecord]
	metrics      MetricsObserver
	metricsRoute http.Handler
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	requestIDContext = ctxKey("request_id")
	paramFieldPrefix = "param."
	mediaFieldPrefix = "media"

	defaultRegistrySize = 256
	defaultRegistryTTL  = time.Hour
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Uploads == nil || deps.Ingest == nil || deps.Tasks == nil || deps.Store == nil {
		panic("httpapi: all dependencies are required")
	}

	size, ttl := cfg.TaskRegistrySize, cfg.TaskRegistryTTL
	if size <= 0 {
		size = defaultRegistrySize
	}
	if ttl <= 0 {
		ttl = defaultRegistryTTL
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		uploads:      deps.Uploads,
		ingest:       deps.Ingest,
		tasks:        deps.Tasks,
		store:        deps.Store,
		registry:     expirable.NewLRU[string, model.TaskRecord](size, nil, ttl),
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/transcripts", s.handleTranscripts(false))
		r.Put("/transcripts", s.handleTranscripts(true))
		r.Delete("/uploads/{id}", s.handleAbandonUpload)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleTaskStatus)
		r.Post("/tasks/{id}/cancel", s.handleTaskCancel)
		r.Post("/tasks/{id}/release", s.handleTaskRelease)
		r.Get("/matches/{id}", s.handleMatch)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "not_ready", "store check failed", detailsForError(err))
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: "annostore-relay", Store: s.cfg.StoreBaseURL})
}

func (s *server) handleTranscripts(merge bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		form, err := s.readMultipart(w, r)
		defer cleanupMultipartForm(form)
		if err != nil {
			s.handleMultipartReadError(w, r, err)
			return
		}

		files := filesFromForm(form)
		if len(files.Transcripts) == 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart field 'transcript' is required", nil)
			return
		}
		suppress, err := parseOptionalBool(r.FormValue("suppress_generation"))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "suppress_generation must be a boolean", nil)
			return
		}
		release, err := parseOptionalBool(r.FormValue("release"))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "release must be a boolean", nil)
			return
		}
		waitSeconds, wait, err := parseOptionalSeconds(r.FormValue("wait_seconds"))
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_request", "wait_seconds must be a non-negative integer", nil)
			return
		}

		params := paramsFromForm(form)
		in := ingest.Input{
			Files:       files,
			Merge:       merge,
			Wait:        wait,
			WaitSeconds: s.capWait(waitSeconds),
			Release:     release,
		}
		if merge {
			in.Update = upload.UpdateItemOptions{SuppressGeneration: suppress, Parameters: params}
		} else {
			in.New = upload.NewItemOptions{
				Corpus:             strings.TrimSpace(r.FormValue("corpus")),
				Episode:            strings.TrimSpace(r.FormValue("episode")),
				TranscriptType:     strings.TrimSpace(r.FormValue("transcript_type")),
				SuppressGeneration: suppress,
				Parameters:         params,
			}
		}

		result, err := s.ingest.Process(r.Context(), in)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		now := time.Now().UTC()
		for item, id := range result.Tasks {
			s.registry.Add(id, model.TaskRecord{TaskID: id, Item: item, State: task.Submitted.String(), SubmittedAt: now, UpdatedAt: now})
		}

		resp := model.TranscriptUploadResponse{
			Tasks: result.Tasks,
			TimingsMS: model.IngestTimings{
				Upload: result.Timings.Upload.Milliseconds(),
				Wait:   result.Timings.Wait.Milliseconds(),
				Total:  result.Timings.Total.Milliseconds(),
			},
		}
		for _, o := range result.Outcomes {
			resp.Outcomes = append(resp.Outcomes, s.toModelOutcome(o))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *server) handleAbandonUpload(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.uploads.Abandon(r.Context(), id); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.CommandResponse{OK: true, ID: id})
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	records := s.registry.Values()
	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})
	if records == nil {
		records = []model.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, model.TaskListResponse{Tasks: records})
}

func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	withLog, err := parseOptionalBool(r.URL.Query().Get("log"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "log must be a boolean", nil)
		return
	}
	waitSeconds, wait, err := parseOptionalSeconds(r.URL.Query().Get("wait"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", "wait must be a non-negative integer", nil)
		return
	}

	h := s.tasks(id)
	var st task.Status
	if wait {
		st, err = h.WaitFor(r.Context(), s.capWait(waitSeconds))
	} else {
		opts := task.DefaultStatusOptions()
		opts.Log = withLog
		st, err = h.Status(r.Context(), opts)
	}
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.touch(id, h.State())
	writeJSON(w, http.StatusOK, toModelStatus(st, h.State()))
}

func (s *server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.tasks(id).Cancel(r.Context()); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.touch(id, task.Cancelled)
	writeJSON(w, http.StatusOK, model.CommandResponse{OK: true, TaskID: id})
}

func (s *server) handleTaskRelease(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.tasks(id).Release(r.Context()); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	s.registry.Remove(id)
	writeJSON(w, http.StatusOK, model.CommandResponse{OK: true, TaskID: id})
}

func (s *server) handleMatch(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	id, err := matchid.Decode(raw)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, model.MatchResponse{
		TranscriptID:  id.TranscriptID,
		StartAnchorID: id.StartAnchorID,
		EndAnchorID:   id.EndAnchorID,
		StartOffset:   id.StartOffset,
		EndOffset:     id.EndOffset,
		ParticipantID: id.ParticipantID,
		UtteranceID:   id.UtteranceID,
		TargetID:      id.TargetID,
		Prefix:        id.Prefix,
		Attributes:    id.Attributes,
	})
}

// touch updates the state of a task already in the registry.
func (s *server) touch(id string, state task.State) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return
	}
	rec.State = state.String()
	rec.UpdatedAt = time.Now().UTC()
	s.registry.Add(id, rec)
}

func (s *server) capWait(seconds int) int {
	if s.cfg.WaitMaxSeconds > 0 && (seconds == 0 || seconds > s.cfg.WaitMaxSeconds) {
		return s.cfg.WaitMaxSeconds
	}
	return seconds
}

func (s *server) readMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(minInt64(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return r.MultipartForm, err
	}
	return r.MultipartForm, nil
}

// filesFromForm maps "transcript" parts to transcripts and "media<suffix>"
// parts to media tracks.
func filesFromForm(form *multipart.Form) upload.Files {
	files := upload.Files{Media: map[string][]store.File{}}
	for field, headers := range form.File {
		for _, fh := range headers {
			src := store.NewReaderSource(fh.Filename, fh.Size, func() (io.ReadCloser, error) {
				return fh.Open()
			})
			file := store.File{Name: fh.Filename, Source: src}
			switch {
			case field == "transcript":
				files.Transcripts = append(files.Transcripts, file)
			case strings.HasPrefix(field, mediaFieldPrefix):
				suffix := strings.TrimPrefix(field, mediaFieldPrefix)
				files.Media[suffix] = append(files.Media[suffix], file)
			}
		}
	}
	return files
}

func paramsFromForm(form *multipart.Form) map[string]string {
	params := make(map[string]string)
	for field, values := range form.Value {
		name := strings.TrimPrefix(field, paramFieldPrefix)
		if name == field || name == "" || len(values) == 0 {
			continue
		}
		if v := strings.TrimSpace(values[0]); v != "" {
			params[name] = v
		}
	}
	return params
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
		return
	}
	s.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart form data", nil)
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "request failed"
	details := detailsForError(err)

	var (
		storeErr   *store.ResponseError
		unresolved *upload.UnresolvedError
	)
	switch {
	case errors.As(err, &unresolved):
		status = http.StatusUnprocessableEntity
		code = "missing_parameters"
		message = "upload needs parameter values"
		missing := make([]string, 0, len(unresolved.Missing))
		for _, p := range unresolved.Missing {
			missing = append(missing, p.Name)
		}
		details["missing"] = missing
	case errors.Is(err, upload.ErrNoProgress):
		status = http.StatusUnprocessableEntity
		code = "negotiation_stalled"
		message = "upload parameter negotiation made no progress"
	case errors.As(err, &storeErr) && storeErr.Cancelled():
		status = 499
		code = "canceled"
		message = "request canceled"
	case errors.As(err, &storeErr) && storeErr.StatusCode == http.StatusNotFound:
		status = http.StatusNotFound
		code = "not_found"
		message = "store reported not found"
	case errors.As(err, &storeErr) && (storeErr.StatusCode == http.StatusUnauthorized || storeErr.StatusCode == http.StatusForbidden):
		status = storeErr.StatusCode
		code = "store_unauthorized"
		message = "store rejected the credentials"
	case errors.As(err, &storeErr):
		status = http.StatusBadGateway
		code = "store_request_failed"
		message = "store request failed"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
		message = "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		code = "canceled"
		message = "request canceled"
	}

	s.writeError(w, r, status, code, message, details)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     model.APIError{Code: code, Message: message, Details: details},
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware forwards the caller's basic-auth credentials to the store.
// Requests without credentials use the relay's configured account.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || strings.TrimSpace(username) == "" {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authorization must be Basic <store credentials>", nil)
			return
		}
		r = r.WithContext(store.WithRequestCredentials(r.Context(), username, password))
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func (s *server) toModelOutcome(o ingest.TaskOutcome) model.TaskOutcome {
	out := model.TaskOutcome{Item: o.Name, TaskID: o.TaskID, Released: o.Released}
	if o.Status != nil {
		state := task.Finished
		if o.Status.Running {
			state = task.Running
		}
		st := toModelStatus(*o.Status, state)
		out.Status = &st
		s.touch(o.TaskID, state)
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
	}
	if o.Released {
		s.registry.Remove(o.TaskID)
	}
	return out
}

func toModelStatus(st task.Status, state task.State) model.TaskStatus {
	return model.TaskStatus{
		TaskID:          string(st.TaskID),
		Name:            st.Name,
		State:           state.String(),
		Running:         st.Running,
		RefreshSeconds:  st.RefreshSeconds,
		ResultURL:       st.ResultURL,
		Status:          st.Message,
		PercentComplete: st.PercentComplete,
		Log:             st.Log,
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func parseOptionalBool(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

// parseOptionalSeconds returns set=false for an empty value.
func parseOptionalSeconds(value string) (seconds int, set bool, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("invalid seconds %q", value)
	}
	return n, true, nil
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var storeErr *store.ResponseError
	if errors.As(err, &storeErr) {
		details["store_status"] = storeErr.StatusCode
		details["store_errors"] = storeErr.Errors
	}
	return details
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
