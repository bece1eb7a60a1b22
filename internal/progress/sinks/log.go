package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// LogSink emits one structured log line per event. Useful during development
// and audits.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("job_kind", string(evt.JobKind)),
			zap.String("event", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.Status != "" {
			fields = append(fields, zap.String("status", string(evt.Status)))
		}
		if evt.Stage != "" {
			fields = append(fields,
				zap.String("stage", string(evt.Stage)),
				zap.String("outcome", evt.Outcome),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
