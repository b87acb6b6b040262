package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every VaultStream metric instrument: pipeline stage
// durations, per-stage counters, and the live queue depth gauge.
type Metrics struct {
	IngestDuration         metric.Float64Histogram
	ParseDuration          metric.Float64Histogram
	MediaTranscodeDuration metric.Float64Histogram
	PushDuration           metric.Float64Histogram

	ContentIngestedTotal metric.Int64Counter
	ParseErrorsTotal     metric.Int64Counter
	PushSuccessTotal     metric.Int64Counter
	PushErrorsTotal      metric.Int64Counter
	RateLimitRejects     metric.Int64Counter

	QueueDepth metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("vaultstream.ingest.duration",
		metric.WithDescription("URL ingestion (canonicalize + resolve + enqueue) duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseDuration, err = meter.Float64Histogram("vaultstream.parse.duration",
		metric.WithDescription("Parse worker attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.MediaTranscodeDuration, err = meter.Float64Histogram("vaultstream.media.transcode_duration",
		metric.WithDescription("Media archival transcode (WebP/video) duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PushDuration, err = meter.Float64Histogram("vaultstream.push.duration",
		metric.WithDescription("Distribution sink push attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ContentIngestedTotal, err = meter.Int64Counter("vaultstream.content.ingested",
		metric.WithDescription("Total Content rows created by ingestion"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseErrorsTotal, err = meter.Int64Counter("vaultstream.parse.errors",
		metric.WithDescription("Total parse attempts that failed (transient or terminal)"),
	)
	if err != nil {
		return nil, err
	}

	m.PushSuccessTotal, err = meter.Int64Counter("vaultstream.push.success",
		metric.WithDescription("Total successful sink pushes"),
	)
	if err != nil {
		return nil, err
	}

	m.PushErrorsTotal, err = meter.Int64Counter("vaultstream.push.errors",
		metric.WithDescription("Total sink push attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("vaultstream.ratelimit.rejects",
		metric.WithDescription("Queue items deferred because a target's push rate limit window was full"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("vaultstream.queue.depth",
		metric.WithDescription("Current count of pending ContentQueueItems"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
