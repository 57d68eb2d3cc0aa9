package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/subsonic_offline/internal/downloader"
	"github.com/italolelis/subsonic_offline/internal/logctx"
)

// DownloadEvents turns worker events into chat messages. Only outcomes are
// forwarded; started and progress events are logged at debug level.
type DownloadEvents struct {
	sink Notifier
}

func NewDownloadEvents(sink Notifier) *DownloadEvents {
	return &DownloadEvents{sink: sink}
}

var _ downloader.Notifier = (*DownloadEvents)(nil)

func (n *DownloadEvents) Notify(ctx context.Context, e downloader.Event) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", e.DownloadID, "event", e.Kind)

	content, ok := Format(e)
	if !ok {
		logger.Debug("download event", "progress", e.Progress)

		return
	}

	if n.sink == nil {
		return
	}

	if err := n.sink.Notify(ctx, content); err != nil {
		logger.Error("failed to send notification", "err", err)
	}
}

// Format renders e as a message. It reports false for events that are not
// worth a message.
func Format(e downloader.Event) (string, bool) {
	name := e.Title
	if e.Artist != "" {
		name = e.Artist + " - " + e.Title
	}

	switch e.Kind {
	case downloader.EventCompleted:
		return "✅ Download finished: " + name, true
	case downloader.EventFailed:
		if e.Retrying {
			return fmt.Sprintf("⚠️ Download failed, retrying: %s (%v)", name, e.Err), true
		}

		return fmt.Sprintf("❌ Download failed: %s (%v)", name, e.Err), true
	}

	return "", false
}
