package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/vitals/pkg/compaction"
	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/export"
	"github.com/nicktill/vitals/pkg/httpx"
	"github.com/nicktill/vitals/pkg/live"
	"github.com/nicktill/vitals/pkg/server/monitor"
	"github.com/nicktill/vitals/pkg/storage"
	"github.com/nicktill/vitals/pkg/telemetry"
	"github.com/nicktill/vitals/pkg/window"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Recorder exposes the live state of the ingest pipeline.
type Recorder interface {
	Current() (telemetry.HourBucket, bool)
	Windows() *window.Store
}

// API serves the local HTTP API.
type API struct {
	store    storage.Storage
	recorder Recorder
	exports  *export.Handler
	hub      *live.Hub
	disk     *monitor.StorageMonitor
	tasks    []*monitor.TaskMonitor
	loc      *time.Location
	clock    clockwork.Clock
	logger   *slog.Logger
	started  time.Time
}

// APIConfig holds the API's collaborators
type APIConfig struct {
	Store          storage.Storage
	Recorder       Recorder
	Imports        export.BucketWriter
	Hub            *live.Hub
	StorageMonitor *monitor.StorageMonitor
	Tasks          []*monitor.TaskMonitor
	Location       *time.Location
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

// NewAPI creates the API handlers
func NewAPI(cfg APIConfig) *API {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		exports:  export.NewHandler(cfg.Store, cfg.Imports, cfg.Location, cfg.Logger),
		hub:      cfg.Hub,
		disk:     cfg.StorageMonitor,
		tasks:    cfg.Tasks,
		loc:      cfg.Location,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		started:  cfg.Clock.Now(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Tasks   []monitor.TaskStatus `json:"tasks"`
}

// StorageResponse combines disk usage with stored record counts.
type StorageResponse struct {
	monitor.StorageUsage
	Stats *storage.Stats `json:"stats"`
}

// RecordingResponse describes the open bucket.
type RecordingResponse struct {
	IsRecording bool                  `json:"is_recording"`
	CurrentHour *time.Time            `json:"current_hour,omitempty"`
	Bucket      *telemetry.HourBucket `json:"bucket,omitempty"`
}

// ChartResponse is a downsampled series.
type ChartResponse struct {
	Range  string                       `json:"range,omitempty"`
	Day    string                       `json:"day,omitempty"`
	Width  string                       `json:"width"`
	Points []telemetry.DownsampledPoint `json:"points"`
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,max=16384"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// handleHealth returns service health status.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  a.clock.Since(a.started).Round(time.Second).String(),
		Tasks:   make([]monitor.TaskStatus, 0, len(a.tasks)),
	}
	statusCode := http.StatusOK

	for _, task := range a.tasks {
		status := task.Status()
		if !status.Healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		response.Tasks = append(response.Tasks, status)
	}

	httpx.RespondJSON(w, statusCode, response)
}

// handleStorage returns disk usage and record counts.
func (a *API) handleStorage(w http.ResponseWriter, r *http.Request) {
	usage, err := a.disk.Usage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageResponse{StorageUsage: usage, Stats: stats})
}

// handleRecording returns the open bucket, if any.
func (a *API) handleRecording(w http.ResponseWriter, r *http.Request) {
	bucket, ok := a.recorder.Current()
	if !ok {
		httpx.RespondJSON(w, http.StatusOK, RecordingResponse{})
		return
	}
	hour := bucket.HourKey
	httpx.RespondJSON(w, http.StatusOK, RecordingResponse{
		IsRecording: bucket.IsRecording,
		CurrentHour: &hour,
		Bucket:      &bucket,
	})
}

// handleLive returns a downsampled rolling window.
// Query params:
//   - range: window name (default: the shortest configured window)
//   - width: bucket width as a Go duration (default: one point per sample)
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	windows := a.recorder.Windows()

	name := r.URL.Query().Get("range")
	if name == "" {
		name = windows.Ranges()[0].Name
	}

	width, err := parseWidth(r, config.DefaultLiveWidth)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	samples, err := windows.Get(name)
	if errors.Is(err, window.ErrUnknownRange) {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, ChartResponse{
		Range:  name,
		Width:  width.String(),
		Points: compaction.Downsample(samples, width),
	})
}

// handleDays lists every stored day.
func (a *API) handleDays(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	days, err := storage.Days(ctx, a.store)
	if err != nil {
		a.logger.Error("failed to list days", "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if days == nil {
		days = []telemetry.DayGroup{}
	}
	httpx.RespondJSON(w, http.StatusOK, days)
}

// handleDay returns one day's buckets.
func (a *API) handleDay(w http.ResponseWriter, r *http.Request) {
	group, ok := a.loadDay(w, r)
	if !ok {
		return
	}
	httpx.RespondJSON(w, http.StatusOK, group)
}

// handleDayChart returns a day's samples downsampled for charting.
func (a *API) handleDayChart(w http.ResponseWriter, r *http.Request) {
	width, err := parseWidth(r, config.DefaultChartWidth)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	group, ok := a.loadDay(w, r)
	if !ok {
		return
	}

	httpx.RespondJSON(w, http.StatusOK, ChartResponse{
		Day:    group.Day.Format(export.DayLayout),
		Width:  width.String(),
		Points: compaction.DownsampleBuckets(group.Buckets, width),
	})
}

// handleFavorites lists pinned days.
func (a *API) handleFavorites(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	favorites, err := a.store.Favorites(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, favorites)
}

// handleSaveFavorite snapshots a stored day into the favorites.
func (a *API) handleSaveFavorite(w http.ResponseWriter, r *http.Request) {
	group, ok := a.loadDay(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	if err := a.store.SaveFavorite(ctx, group); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	a.logger.Info("favorited day", "day", group.Day.Format(export.DayLayout), "buckets", len(group.Buckets))
	httpx.RespondJSON(w, http.StatusOK, group)
}

// handleDeleteFavorite unpins a day.
func (a *API) handleDeleteFavorite(w http.ResponseWriter, r *http.Request) {
	day, err := export.ParseDay(mux.Vars(r)["day"], a.loc)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	err = a.store.DeleteFavorite(ctx, day)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChat returns the newest transcript messages.
// Query params:
//   - limit: max messages (default 100, capped at 500)
func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	limit, ok := httpx.QueryInt(r, "limit", config.DefaultChatPageLimit)
	if !ok {
		httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if limit == 0 || limit > config.MaxChatMessages {
		limit = config.MaxChatMessages
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	msgs, err := a.store.ChatMessages(ctx, limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []telemetry.ChatMessage{}
	}
	httpx.RespondJSON(w, http.StatusOK, msgs)
}

// handlePostChat appends a transcript message.
func (a *API) handlePostChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*config.MaxChatContentBytes)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid chat message: %w", err))
		return
	}

	msg := telemetry.ChatMessage{
		ID:        uuid.NewString(),
		Role:      req.Role,
		Content:   req.Content,
		CreatedAt: a.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	if err := a.store.AppendChatMessages(ctx, msg); err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, msg)
}

// loadDay resolves the {day} path variable and loads it, writing the error
// response itself when it fails.
func (a *API) loadDay(w http.ResponseWriter, r *http.Request) (telemetry.DayGroup, bool) {
	day, err := export.ParseDay(mux.Vars(r)["day"], a.loc)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return telemetry.DayGroup{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.HandlerTimeout)
	defer cancel()

	group, err := storage.Day(ctx, a.store, day)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondError(w, http.StatusNotFound, err)
		return telemetry.DayGroup{}, false
	}
	if err != nil {
		a.logger.Error("failed to load day", "day", day.Format(export.DayLayout), "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return telemetry.DayGroup{}, false
	}
	return group, true
}

// parseWidth reads the width query parameter as a Go duration.
func parseWidth(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("width")
	if raw == "" {
		return def, nil
	}
	width, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid width %q: %w", raw, err)
	}
	if width < 0 {
		return 0, fmt.Errorf("invalid width %q: must not be negative", raw)
	}
	return width, nil
}

// SetupRoutes configures all HTTP routes for the server.
func (a *API) SetupRoutes(router *mux.Router, port string) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()

	// Status
	api.HandleFunc("/health", a.handleHealth).Methods("GET")
	api.HandleFunc("/storage", a.handleStorage).Methods("GET")
	api.HandleFunc("/recording", a.handleRecording).Methods("GET")
	api.HandleFunc("/live", a.handleLive).Methods("GET")

	// Day logs
	api.HandleFunc("/logs", a.handleDays).Methods("GET")
	api.HandleFunc("/logs/import", a.exports.HandleImport).Methods("POST")
	api.HandleFunc("/logs/{day}", a.handleDay).Methods("GET")
	api.HandleFunc("/logs/{day}/chart", a.handleDayChart).Methods("GET")
	api.HandleFunc("/logs/{day}/export", a.exports.HandleExport).Methods("GET")

	// Favorites
	api.HandleFunc("/favorites", a.handleFavorites).Methods("GET")
	api.HandleFunc("/favorites/{day}", a.handleSaveFavorite).Methods("PUT")
	api.HandleFunc("/favorites/{day}", a.handleDeleteFavorite).Methods("DELETE")

	// Assistant transcript
	api.HandleFunc("/chat", a.handleChat).Methods("GET")
	api.HandleFunc("/chat", a.handlePostChat).Methods("POST")

	// WebSocket for real-time updates
	api.HandleFunc("/ws", a.hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Allow localhost origins for local development
			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
