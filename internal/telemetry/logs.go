package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LogExport ships slog records to an OTLP collector.
type LogExport struct {
	provider *sdklog.LoggerProvider
	handler  slog.Handler
}

// NewLogExport returns nil when no OTLP endpoint is configured.
func NewLogExport(ctx context.Context, cfg Config) (*LogExport, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}

	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}

	exporter, err := otlploggrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	return &LogExport{
		provider: provider,
		handler: otelslog.NewHandler(cfg.ServiceName,
			otelslog.WithLoggerProvider(provider),
			otelslog.WithVersion(cfg.ServiceVersion),
		),
	}, nil
}

// Handler returns the slog handler feeding the exporter.
func (e *LogExport) Handler() slog.Handler {
	return e.handler
}

// Shutdown flushes pending records.
func (e *LogExport) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}

	return e.provider.Shutdown(ctx)
}
