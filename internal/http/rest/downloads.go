package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/italolelis/subsonic_offline/internal/jobs"
	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

const defaultFormat = "mp3"

type DownloadResponse struct {
	ID              string     `json:"id"`
	MediaID         string     `json:"media_id"`
	MediaType       string     `json:"media_type"`
	Title           string     `json:"title"`
	Artist          string     `json:"artist"`
	AlbumTitle      string     `json:"album_title,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	Status          string     `json:"status"`
	Progress        float64    `json:"progress"`
	BytesDownloaded int64      `json:"bytes_downloaded"`
	TotalBytes      int64      `json:"total_bytes"`
	LocalFilePath   string     `json:"local_file_path,omitempty"`
	QueuedAt        time.Time  `json:"queued_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	RetryCount      int        `json:"retry_count"`
	Format          string     `json:"format"`
}

func newDownloadResponse(d storage.Download) DownloadResponse {
	return DownloadResponse{
		ID:              d.ID,
		MediaID:         d.MediaID,
		MediaType:       string(d.MediaType),
		Title:           d.Title,
		Artist:          d.Artist,
		AlbumTitle:      d.AlbumTitle,
		ImageURL:        d.ImageURL,
		Status:          string(d.Status),
		Progress:        d.Progress,
		BytesDownloaded: d.BytesDownloaded,
		TotalBytes:      d.TotalBytes,
		LocalFilePath:   d.LocalFilePath,
		QueuedAt:        d.QueuedAt,
		CompletedAt:     d.CompletedAt,
		FailureReason:   d.FailureReason,
		RetryCount:      d.RetryCount,
		Format:          d.Format,
	}
}

type EnqueueRequest struct {
	MediaID    string `json:"media_id"`
	MediaType  string `json:"media_type"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	AlbumTitle string `json:"album_title"`
	ImageURL   string `json:"image_url"`
	Format     string `json:"format"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// DownloadsHandler is the control surface of the download registry.
type DownloadsHandler struct {
	downloads storage.DownloadRepository
	driver    jobs.Driver
	canceller jobs.Canceller
}

func NewDownloadsHandler(downloads storage.DownloadRepository, driver jobs.Driver, canceller jobs.Canceller) *DownloadsHandler {
	return &DownloadsHandler{
		downloads: downloads,
		driver:    driver,
		canceller: canceller,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Enqueue)
	r.Post("/pause", h.PauseAll)
	r.Post("/delete", h.DeleteByIDs)
	r.Delete("/completed", h.DeleteCompleted)
	r.Delete("/failed", h.DeleteFailed)
	r.Get("/active/count", h.CountActive)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/retry", h.Retry)
		r.Post("/resume", h.Resume)
	})

	return r
}

// List returns downloads, optionally filtered by ?status=QUEUED,FAILED.
func (h *DownloadsHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []storage.Status

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := storage.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !status.Valid() {
				badRequest(w, "invalid status: "+s)

				return
			}

			statuses = append(statuses, status)
		}
	}

	downloads, err := h.downloads.ListByStatus(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err)

		return
	}

	resp := make([]DownloadResponse, 0, len(downloads))
	for _, d := range downloads {
		resp = append(resp, newDownloadResponse(d))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DownloadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.downloads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, newDownloadResponse(*d))
}

func (h *DownloadsHandler) CountActive(w http.ResponseWriter, r *http.Request) {
	n, err := h.downloads.CountActive(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, countResponse{Count: int64(n)})
}

// Enqueue registers a new download and hands it to the job driver.
func (h *DownloadsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")

		return
	}

	if req.MediaID == "" || req.Title == "" || req.Artist == "" {
		badRequest(w, "media_id, title and artist are required")

		return
	}

	mediaType := storage.MediaType(strings.ToUpper(req.MediaType))
	if mediaType == "" {
		mediaType = storage.MediaTypeSong
	}

	if mediaType != storage.MediaTypeSong && mediaType != storage.MediaTypeAlbum {
		badRequest(w, "invalid media_type: "+req.MediaType)

		return
	}

	format := req.Format
	if format == "" {
		format = defaultFormat
	}

	d := &storage.Download{
		ID:         uuid.NewString(),
		MediaID:    req.MediaID,
		MediaType:  mediaType,
		Title:      req.Title,
		Artist:     req.Artist,
		AlbumTitle: req.AlbumTitle,
		ImageURL:   req.ImageURL,
		Format:     format,
	}

	if err := h.downloads.Enqueue(r.Context(), d); err != nil {
		writeError(w, r, err)

		return
	}

	logger.Info("download enqueued", "download_id", d.ID, "media_id", d.MediaID)

	h.submit(r.Context(), *d)

	writeJSON(w, http.StatusCreated, newDownloadResponse(*d))
}

// PauseAll pauses every active download. Rows are paused before the running
// jobs are cancelled so the workers see PAUSED and leave the rows alone.
func (h *DownloadsHandler) PauseAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.downloads.PauseAllActive(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	if h.canceller != nil {
		if _, err := h.canceller.CancelAll(); err != nil {
			logctx.LoggerFromContext(r.Context()).Warn("failed to cancel running downloads", "err", err)
		}
	}

	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *DownloadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.restart(w, r, h.downloads.Resume)
}

func (h *DownloadsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.restart(w, r, h.downloads.ResetForRetry)
}

func (h *DownloadsHandler) restart(w http.ResponseWriter, r *http.Request, transition func(context.Context, string) error) {
	id := chi.URLParam(r, "id")

	if err := transition(r.Context(), id); err != nil {
		writeError(w, r, err)

		return
	}

	d, err := h.downloads.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if d.Status == storage.StatusQueued {
		h.submit(r.Context(), *d)
	}

	writeJSON(w, http.StatusOK, newDownloadResponse(*d))
}

func (h *DownloadsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.downloads.DeleteByID(r.Context(), id); err != nil {
		writeError(w, r, err)

		return
	}

	h.cancel(r.Context(), id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) DeleteByIDs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")

		return
	}

	n, err := h.downloads.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)

		return
	}

	for _, id := range req.IDs {
		h.cancel(r.Context(), id)
	}

	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *DownloadsHandler) DeleteCompleted(w http.ResponseWriter, r *http.Request) {
	h.deleteAll(w, r, h.downloads.DeleteCompleted)
}

func (h *DownloadsHandler) DeleteFailed(w http.ResponseWriter, r *http.Request) {
	h.deleteAll(w, r, h.downloads.DeleteFailed)
}

func (h *DownloadsHandler) deleteAll(w http.ResponseWriter, r *http.Request, fn func(context.Context) (int64, error)) {
	n, err := fn(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// submit hands d to the driver. A failed submission leaves the row QUEUED;
// it is picked up again on the next restart.
func (h *DownloadsHandler) submit(ctx context.Context, d storage.Download) {
	err := h.driver.Submit(ctx, jobs.FromDownload(d))
	if err != nil && !errors.Is(err, jobs.ErrAlreadyRunning) {
		logctx.LoggerFromContext(ctx).Error("failed to submit download job", "download_id", d.ID, "err", err)
	}
}

func (h *DownloadsHandler) cancel(ctx context.Context, id string) {
	if h.canceller == nil {
		return
	}

	if err := h.canceller.Cancel(id); err != nil {
		logctx.LoggerFromContext(ctx).Debug("failed to cancel download job", "download_id", id, "err", err)
	}
}
