package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// LogHandler is a [slog.Handler] that emits records to an OpenTelemetry
// logger provider. Without [Setup] the global provider is a no-op.
type LogHandler struct {
	logger otellog.Logger
	level  slog.Leveler
	attrs  []otellog.KeyValue
	group  string
}

// NewLogHandler returns a handler emitting through the global logger
// provider under the instrumentation scope name.
func NewLogHandler(name string, level slog.Leveler) *LogHandler {
	return NewLogHandlerWithProvider(global.GetLoggerProvider(), name, level)
}

// NewLogHandlerWithProvider is [NewLogHandler] with an explicit provider.
func NewLogHandlerWithProvider(p otellog.LoggerProvider, name string, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{logger: p.Logger(name), level: level}
}

// Enabled implements [slog.Handler].
func (h *LogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle implements [slog.Handler].
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.group, a)...)
		return true
	})
	h.logger.Emit(ctx, rec)
	return nil
}

// WithAttrs implements [slog.Handler].
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, convertAttr(h.group, a)...)
	}
	return &h2
}

// WithGroup implements [slog.Handler].
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = qualify(h.group, name)
	return &h2
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// convertAttr flattens a into key/value pairs; group members get dotted keys.
func convertAttr(group string, a slog.Attr) []otellog.KeyValue {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return nil
	}
	key := qualify(group, a.Key)

	switch a.Value.Kind() {
	case slog.KindGroup:
		var out []otellog.KeyValue
		for _, ga := range a.Value.Group() {
			out = append(out, convertAttr(key, ga)...)
		}
		return out
	case slog.KindString:
		return []otellog.KeyValue{otellog.String(key, a.Value.String())}
	case slog.KindInt64:
		return []otellog.KeyValue{otellog.Int64(key, a.Value.Int64())}
	case slog.KindUint64:
		return []otellog.KeyValue{otellog.Int64(key, int64(a.Value.Uint64()))} //nolint:gosec // overflow is acceptable for log values
	case slog.KindFloat64:
		return []otellog.KeyValue{otellog.Float64(key, a.Value.Float64())}
	case slog.KindBool:
		return []otellog.KeyValue{otellog.Bool(key, a.Value.Bool())}
	case slog.KindDuration:
		return []otellog.KeyValue{otellog.String(key, a.Value.Duration().String())}
	case slog.KindTime:
		return []otellog.KeyValue{otellog.String(key, a.Value.Time().Format(time.RFC3339Nano))}
	default:
		return []otellog.KeyValue{otellog.String(key, fmt.Sprint(a.Value.Any()))}
	}
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}
