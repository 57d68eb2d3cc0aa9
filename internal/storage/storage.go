package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by id-scoped operations that require an existing row.
	ErrNotFound = errors.New("record not found")

	// ErrNotClaimable is returned by Claim for a download that is not QUEUED or FAILED.
	ErrNotClaimable = errors.New("download cannot be started in its current status")

	// ErrDuplicateMedia matches any *DuplicateMediaError via errors.Is.
	ErrDuplicateMedia = errors.New("media already has an active download")

	// ErrNoActiveServer is returned when no remote server is configured as active.
	ErrNoActiveServer = errors.New("no active server configured")
)

// DuplicateMediaError is returned by Enqueue when an active download for the
// same media id already exists.
type DuplicateMediaError struct {
	MediaID    string
	ExistingID string
}

func (e *DuplicateMediaError) Error() string {
	return fmt.Sprintf("media %s already has an active download (%s)", e.MediaID, e.ExistingID)
}

func (e *DuplicateMediaError) Is(target error) bool {
	return target == ErrDuplicateMedia
}

// Status is the lifecycle state of a Download row.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// ActiveStatuses are the statuses that hold the per-media uniqueness slot.
var ActiveStatuses = []Status{StatusQueued, StatusDownloading, StatusPaused}

// IsActive reports whether s is one of ActiveStatuses.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}

	return false
}

type MediaType string

const (
	MediaTypeSong  MediaType = "SONG"
	MediaTypeAlbum MediaType = "ALBUM"
)

// Download is a persisted request to materialize one remote media item locally.
type Download struct {
	ID              string
	MediaID         string
	MediaType       MediaType
	Title           string
	Artist          string
	AlbumTitle      string
	ImageURL        string
	Status          Status
	Progress        float64
	BytesDownloaded int64
	TotalBytes      int64
	LocalFilePath   string
	QueuedAt        time.Time
	CompletedAt     *time.Time
	FailureReason   string
	RetryCount      int
	Format          string
}

// OfflineSong records that a catalog song has a playable local copy.
type OfflineSong struct {
	ID             string
	SongID         string
	LocalFilePath  string
	FileSize       int64
	DownloadedAt   time.Time
	LastAccessedAt time.Time
	IsAvailable    bool
}

// Server is a remote Subsonic-compatible catalog the downloads are fetched from.
type Server struct {
	ID        string
	Name      string
	BaseURL   string
	Username  string
	Password  string
	IsActive  bool
	CreatedAt time.Time
}

// DownloadRepository is the Download Registry.
//
// UpdateStatus, UpdateProgress, DeleteByID and DeleteByIDs are no-ops for
// unknown ids. Claim, MarkFailed, ResetForRetry and Resume return ErrNotFound.
type DownloadRepository interface {
	Enqueue(ctx context.Context, d *Download) error
	Get(ctx context.Context, id string) (*Download, error)
	GetByMediaID(ctx context.Context, mediaID string) (*Download, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Download, error)
	ListActive(ctx context.Context) ([]Download, error)
	ListPaused(ctx context.Context) ([]Download, error)
	CountActive(ctx context.Context) (int, error)
	Watch(ctx context.Context, statuses ...Status) (<-chan []Download, error)

	Claim(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status) error
	UpdateProgress(ctx context.Context, id string, progress float64, bytesDownloaded, totalBytes int64) error
	MarkFailed(ctx context.Context, id, reason string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	PauseAllActive(ctx context.Context) (int64, error)

	DeleteCompleted(ctx context.Context) (int64, error)
	DeleteFailed(ctx context.Context) (int64, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// OfflineRepository is the Offline Registry. Rows are only created through
// CompletionStore.CommitCompletion.
type OfflineRepository interface {
	Get(ctx context.Context, songID string) (*OfflineSong, error)
	IsAvailable(ctx context.Context, songID string) (bool, error)
	WatchAvailability(ctx context.Context, songID string) (<-chan bool, error)
	MarkUnavailable(ctx context.Context, songID string) error
	Touch(ctx context.Context, songID string) error
	TotalAvailableSize(ctx context.Context) (int64, error)
	ListAvailableIDs(ctx context.Context, songIDs []string) ([]string, error)
	SweepIntegrity(ctx context.Context) ([]OfflineSong, error)
	PurgeUnavailable(ctx context.Context) (int64, error)
}

// CompletionStore commits a finished download: the Download row is marked
// COMPLETED and the Offline-Song row is upserted in one transaction.
type CompletionStore interface {
	CommitCompletion(ctx context.Context, downloadID string, completedAt time.Time, localFilePath string, bytesDownloaded int64, song OfflineSong) error
}

// ServerRepository stores the remote servers the client can talk to.
type ServerRepository interface {
	Active(ctx context.Context) (*Server, error)
	Save(ctx context.Context, s *Server) error
	Activate(ctx context.Context, id string) error
	List(ctx context.Context) ([]Server, error)
}
