package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/szibis/audit-relay/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// severities maps the logger's levels onto OTEL severities once, so the hook
// does no branching per entry.
var severities = map[logging.Level]otellog.Severity{
	logging.LevelDebug: otellog.SeverityDebug,
	logging.LevelInfo:  otellog.SeverityInfo,
	logging.LevelWarn:  otellog.SeverityWarn,
	logging.LevelError: otellog.SeverityError,
	logging.LevelFatal: otellog.SeverityFatal,
}

// NewLogHook returns a logging.LogHook mirroring every entry to the OTLP log
// exporter. Returns nil when telemetry is disabled, which unregisters the
// secondary sink entirely.
func (t *Telemetry) NewLogHook() logging.LogHook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger

	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		sev, ok := severities[level]
		if !ok {
			sev = otellog.SeverityInfo
		}

		var record otellog.Record
		record.SetTimestamp(time.Now())
		record.SetBody(otellog.StringValue(msg))
		record.SetSeverity(sev)
		record.SetSeverityText(string(level))

		for k, v := range attrs {
			record.AddAttributes(otellog.KeyValue{Key: k, Value: attrValue(v)})
		}

		logger.Emit(context.Background(), record)
	}
}

// attrValue converts a log attribute to an OTEL value. The logger's field
// maps carry strings, counters and durations; anything else is stringified.
func attrValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("")
	case string:
		return otellog.StringValue(val)
	case bool:
		return otellog.BoolValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
