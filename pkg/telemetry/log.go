package telemetry

import (
	"go.uber.org/zap"
)

// LogSink writes one structured log line per attempt.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging to log.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

// Record implements Sink. Only metadata is logged, never request or response bodies.
func (s *LogSink) Record(ev Event) {
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
		zap.String("op", ev.Operation),
		zap.String("collection", ev.Collection),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.Int("attempt", ev.Attempt),
		zap.Int("status", ev.Status),
		zap.String("outcome", string(ev.Outcome)),
		zap.Duration("dur", ev.Duration),
	}
	switch ev.Outcome {
	case OutcomeSuccess, OutcomeNotFound:
		s.log.Info("registry call", fields...)
	default:
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		s.log.Warn("registry call", fields...)
	}
}
