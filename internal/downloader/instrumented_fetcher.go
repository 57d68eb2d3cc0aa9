package downloader

import (
	"context"
	"io"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher    Fetcher
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry, clientType string) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:    fetcher,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Open opens a media stream with telemetry. Only the request is measured, not
// the time spent reading the body.
func (f *InstrumentedFetcher) Open(ctx context.Context, server storage.Server, mediaID, format string) (io.ReadCloser, int64, error) {
	var (
		body  io.ReadCloser
		total int64
	)

	err := f.telemetry.InstrumentClientOperation(ctx, f.clientType, "open", func(ctx context.Context) error {
		var err error
		body, total, err = f.fetcher.Open(ctx, server, mediaID, format)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return body, total, nil
}
