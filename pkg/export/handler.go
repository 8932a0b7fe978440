package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/vitals/pkg/config"
	"github.com/nicktill/vitals/pkg/httpx"
	"github.com/nicktill/vitals/pkg/storage"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	loc      *time.Location
	logger   *slog.Logger
}

// NewHandler creates a new export/import handler. Days in URLs are read in loc.
// Imports go through writer; nil writes straight to store.
func NewHandler(store storage.Storage, writer BucketWriter, loc *time.Location, logger *slog.Logger) *Handler {
	if writer == nil {
		writer = StoreWriter(store)
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(writer),
		loc:      loc,
		logger:   logger,
	}
}

// HandleExport handles GET /v1/logs/{day}/export
// Query params:
//   - format: "json", "csv" or "txt" (default: json)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	day, err := ParseDay(mux.Vars(r)["day"], h.loc)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	group, err := storage.Day(ctx, h.exporter.storage, day)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("no logs for %s", day.Format(DayLayout)))
		return
	}
	if err != nil {
		h.logger.Error("export failed", "day", day.Format(DayLayout), "error", err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", ContentType(format))
	w.Header().Set("Content-Disposition", "attachment; filename="+FileName(day, format))

	result, err := h.exporter.Write(w, group, format)
	if err != nil {
		// headers are already out; all we can do is log
		h.logger.Error("export failed", "day", day.Format(DayLayout), "error", err)
		return
	}

	h.logger.Info("exported day log",
		"day", result.Day, "format", format, "buckets", result.BucketsExported)
}

// HandleImport handles POST /v1/logs/import
// Accepts JSON exports and writes their buckets back to storage
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	result, err := h.importer.ImportFromJSON(ctx, r.Body)
	if err != nil {
		h.logger.Warn("import failed", "error", err)
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if len(result.Errors) > 0 {
		h.logger.Warn("import completed with validation errors", "errors", len(result.Errors))
	}
	h.logger.Info("imported day log", "day", result.Day, "buckets", result.BucketsImported)

	httpx.RespondJSON(w, http.StatusOK, result)
}

// ParseDay parses a YYYY-MM-DD day in loc
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	day, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q, want YYYY-MM-DD", s)
	}
	return day, nil
}
