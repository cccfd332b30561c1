package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope         = "cardrelay/sync"
	spanPerformSync   = "sync.perform"
	spanSyncAccount   = "sync.account"
	metricUploaded    = "cardrelay.sync.resources.uploaded"
	metricDownloaded  = "cardrelay.sync.resources.downloaded"
	metricDeleted     = "cardrelay.sync.resources.deleted"
	metricConflicts   = "cardrelay.sync.conflicts"
	metricInvalid     = "cardrelay.sync.resources.invalid"
	metricErrors      = "cardrelay.sync.errors"
	metricPassSeconds = "cardrelay.sync.pass.duration"
)

// instruments bundles the OTel tracer and counters of the package. All fields
// are non-nil (no-op when telemetry is disabled).
type instruments struct {
	tracer       trace.Tracer
	cntUploaded  metric.Int64Counter
	cntDownload  metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntInvalid   metric.Int64Counter
	cntErrors    metric.Int64Counter
	histDuration metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	hist, err := meter.Float64Histogram(metricPassSeconds,
		metric.WithDescription("Duration of a collection sync pass"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Error("creating OTel histogram", "name", metricPassSeconds, "error", err)
		hist = noop.Float64Histogram{}
	}

	return &instruments{
		tracer:       otel.Tracer(otelScope),
		cntUploaded:  mustCounter(metricUploaded, "Number of resources uploaded"),
		cntDownload:  mustCounter(metricDownloaded, "Number of resources downloaded"),
		cntDeleted:   mustCounter(metricDeleted, "Number of resources deleted on either side"),
		cntConflicts: mustCounter(metricConflicts, "Number of uploads rejected with 412"),
		cntInvalid:   mustCounter(metricInvalid, "Number of remote resources that could not be parsed"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync passes"),
		histDuration: hist,
	}
}

// record adds the stats of one pass to the counters and the span.
func (in *instruments) record(ctx context.Context, span trace.Span, s Stats, failed bool, seconds float64, attrs ...attribute.KeyValue) {
	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n), metric.WithAttributes(attrs...))
		}
	}
	add(in.cntUploaded, s.Uploaded)
	add(in.cntDownload, s.Added+s.Updated)
	add(in.cntDeleted, s.RemoteDeleted+s.LocallyDeleted)
	add(in.cntConflicts, s.Conflicts)
	add(in.cntInvalid, s.Invalid)
	if failed {
		add(in.cntErrors, 1)
	}
	in.histDuration.Record(ctx, seconds, metric.WithAttributes(attrs...))

	span.SetAttributes(
		attribute.Int("sync.uploaded", s.Uploaded),
		attribute.Int("sync.remote_deleted", s.RemoteDeleted),
		attribute.Int("sync.added", s.Added),
		attribute.Int("sync.updated", s.Updated),
		attribute.Int("sync.locally_deleted", s.LocallyDeleted),
		attribute.Int("sync.conflicts", s.Conflicts),
		attribute.Int("sync.invalid", s.Invalid),
	)
}
