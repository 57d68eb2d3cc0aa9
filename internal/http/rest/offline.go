package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/subsonic_offline/internal/cleanup"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

type Sweeper interface {
	Sweep(ctx context.Context) (cleanup.Report, error)
}

type OfflineSongResponse struct {
	SongID         string     `json:"song_id"`
	Available      bool       `json:"available"`
	LocalFilePath  string     `json:"local_file_path,omitempty"`
	FileSize       int64      `json:"file_size,omitempty"`
	DownloadedAt   *time.Time `json:"downloaded_at,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

type availabilityResponse struct {
	Available []string `json:"available"`
}

type sizeResponse struct {
	Bytes int64  `json:"bytes"`
	Human string `json:"human"`
}

type sweepResponse struct {
	Checked int   `json:"checked"`
	Missing int   `json:"missing"`
	Purged  int64 `json:"purged"`
}

// OfflineHandler answers "is this song playable offline" queries.
type OfflineHandler struct {
	offline storage.OfflineRepository
	sweeper Sweeper
}

func NewOfflineHandler(offline storage.OfflineRepository, sweeper Sweeper) *OfflineHandler {
	return &OfflineHandler{
		offline: offline,
		sweeper: sweeper,
	}
}

func (h *OfflineHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/size", h.Size)
	r.Post("/availability", h.Availability)
	r.Post("/sweep", h.Sweep)

	r.Route("/{songID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/touch", h.Touch)
		r.Delete("/", h.MarkUnavailable)
	})

	return r
}

// Get never returns 404: a song without an available copy is reported as
// unavailable.
func (h *OfflineHandler) Get(w http.ResponseWriter, r *http.Request) {
	songID := chi.URLParam(r, "songID")

	song, err := h.offline.Get(r.Context(), songID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, OfflineSongResponse{SongID: songID})

		return
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, OfflineSongResponse{
		SongID:         song.SongID,
		Available:      song.IsAvailable,
		LocalFilePath:  song.LocalFilePath,
		FileSize:       song.FileSize,
		DownloadedAt:   &song.DownloadedAt,
		LastAccessedAt: &song.LastAccessedAt,
	})
}

// Availability filters the posted ids down to those available offline.
func (h *OfflineHandler) Availability(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")

		return
	}

	ids, err := h.offline.ListAvailableIDs(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, availabilityResponse{Available: ids})
}

func (h *OfflineHandler) Touch(w http.ResponseWriter, r *http.Request) {
	if err := h.offline.Touch(r.Context(), chi.URLParam(r, "songID")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *OfflineHandler) MarkUnavailable(w http.ResponseWriter, r *http.Request) {
	if err := h.offline.MarkUnavailable(r.Context(), chi.URLParam(r, "songID")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *OfflineHandler) Size(w http.ResponseWriter, r *http.Request) {
	total, err := h.offline.TotalAvailableSize(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, sizeResponse{Bytes: total, Human: humanize.Bytes(uint64(total))})
}

// Sweep runs an integrity sweep now instead of waiting for the next tick.
func (h *OfflineHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{
		Checked: report.Checked,
		Missing: report.Missing,
		Purged:  report.Purged,
	})
}
