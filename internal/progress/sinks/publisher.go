package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/metrics"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// Notification is the message published for every finished lookup.
type Notification struct {
	JobID      string             `json:"job_id"`
	Subject    string             `json:"cedula"`
	Status     consulta.JobStatus `json:"status"`
	Result     *consulta.Result   `json:"result,omitempty"`
	QueueID    string             `json:"cola_id,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

// PublisherSink forwards terminal results of admitted lookups to a publisher.
// Deferred stage-B children are internal and never published; standalone
// stage-B jobs from the external queue are. Publish failures
// are logged and counted; they never fail the batch.
type PublisherSink struct {
	publisher consulta.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for topic.
func NewPublisherSink(publisher consulta.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one Notification per finished pipeline job in batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Kind != progress.KindFinished {
			continue
		}
		if evt.JobKind == consulta.JobKindStageB && evt.QueueID == "" {
			continue
		}
		msg := Notification{
			JobID:      evt.JobID,
			Subject:    evt.SubjectID,
			Status:     evt.Status,
			Result:     evt.Result.Clone(),
			QueueID:    evt.QueueID,
			FinishedAt: evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			metrics.ObservePublishFailure()
			s.logger.Warn("publish result failed", zap.String("job_id", evt.JobID), zap.Error(err))
			continue
		}
		s.logger.Debug("published result", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
