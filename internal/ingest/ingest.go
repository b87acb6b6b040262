// Package ingest is the URL-ingestion entry point: it canonicalizes a
// submitted URL, resolves it to a registered platform Adapter, dedups it
// against existing Content, and enqueues a parse Task for anything new.
// It has no transport of its own (no HTTP handler, no CLI command) —
// callers invoke Service.IngestURL directly, the way a bot channel or an
// admin tool embedding this package would.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/vaultstream/internal/adapter"
	vsotel "github.com/basket/vaultstream/internal/otel"
	"github.com/basket/vaultstream/internal/persistence"
	"github.com/basket/vaultstream/internal/shared"
	"github.com/basket/vaultstream/internal/urlcanon"
)

const actionParse = "parse"

// Service wires URL canonicalization and platform detection to
// persistence.Store.ResolveContentSource and the parse Task queue.
type Service struct {
	store    *persistence.Store
	registry *adapter.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *vsotel.Metrics
}

// New builds a Service. logger may be nil (defaults to slog.Default()).
func New(store *persistence.Store, registry *adapter.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, registry: registry, logger: logger}
}

// WithTelemetry attaches an optional tracer/metrics pair, returning s for
// chaining. Omitting this call disables span/metric emission.
func (s *Service) WithTelemetry(tracer trace.Tracer, metrics *vsotel.Metrics) *Service {
	s.tracer = tracer
	s.metrics = metrics
	return s
}

// Result describes the outcome of one IngestURL call.
type Result struct {
	ContentID string
	Created   bool
	Platform  string
}

// IngestURL canonicalizes rawURL, resolves it to a platform via the
// Adapter registry, and records it as a Content source. If the URL maps
// to a brand-new Content row, a parse Task is enqueued for it; a
// re-ingested URL that dedups to an existing row enqueues nothing (spec
// scenario S2).
func (s *Service) IngestURL(ctx context.Context, rawURL string, clientContext map[string]string) (Result, error) {
	start := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if s.tracer != nil {
		var span trace.Span
		ctx, span = vsotel.StartSpan(ctx, s.tracer, "ingest.url")
		defer span.End()
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	canonicalURL := urlcanon.Canonicalize(rawURL)

	a, ok := s.registry.Resolve(canonicalURL)
	if !ok {
		return Result{}, fmt.Errorf("ingest: no adapter can handle %q", canonicalURL)
	}
	platform := a.Platform()

	contentID, created, err := s.store.ResolveContentSource(ctx, rawURL, canonicalURL, platform, clientContext)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: resolve content source: %w", err)
	}
	ctx = shared.WithContentID(ctx, contentID)
	log := shared.Logger(ctx, s.logger)

	if created {
		if _, err := s.store.EnqueueTask(ctx, contentID, actionParse, ""); err != nil {
			return Result{}, fmt.Errorf("ingest: enqueue parse task: %w", err)
		}
		if s.metrics != nil {
			s.metrics.ContentIngestedTotal.Add(ctx, 1)
		}
		log.Info("content ingested", "platform", platform)
	} else {
		log.Debug("content already known, skipping parse enqueue", "platform", platform)
	}

	return Result{ContentID: contentID, Created: created, Platform: platform}, nil
}
