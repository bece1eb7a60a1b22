package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
	"github.com/JakeFAU/consulta-orchestrator/internal/publisher/memory"
)

func TestPublisherSinkPublishesFinishedLookups(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "consulta-results", nil)
	now := time.Now().UTC()
	result := &consulta.Result{
		Kind:    consulta.ResultSuccess,
		Subject: "1087549965",
		Data:    consulta.ResultData{Sisben: consulta.Fields{"nombres": "ANA"}},
	}

	batch := []progress.Event{
		{JobID: "job-1", JobKind: consulta.JobKindPipeline, TS: now, Kind: progress.KindAdmitted},
		{JobID: "child-1", JobKind: consulta.JobKindStageB, TS: now, Kind: progress.KindFinished, Status: consulta.JobStatusCompleted},
		{
			JobID:     "job-1",
			JobKind:   consulta.JobKindPipeline,
			SubjectID: "1087549965",
			TS:        now,
			Kind:      progress.KindFinished,
			Status:    consulta.JobStatusCompleted,
			Result:    result,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "consulta-results", msgs[0].Topic)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "job-1", note.JobID)
	require.Equal(t, "1087549965", note.Subject)
	require.Equal(t, consulta.JobStatusCompleted, note.Status)
	require.Equal(t, "ANA", note.Result.Data.Sisben["nombres"])

	result.Data.Sisben["nombres"] = "changed"
	require.Equal(t, "ANA", note.Result.Data.Sisben["nombres"])
}

func TestPublisherSinkCarriesQueueID(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "consulta-results", nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
		JobID:   "queued-1",
		JobKind: consulta.JobKindStageB,
		TS:      time.Now(),
		Kind:    progress.KindFinished,
		Status:  consulta.JobStatusNotFound,
		QueueID: "cola-42",
	}}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	note, ok := msgs[0].Payload.(Notification)
	require.True(t, ok)
	require.Equal(t, "queued-1", note.JobID)
	require.Equal(t, "cola-42", note.QueueID)
}

func TestPublisherSinkSwallowsFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink := NewPublisherSink(pub, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Kind: progress.KindFinished, Status: consulta.JobStatusError},
		{JobID: "b", TS: time.Now(), Kind: progress.KindFinished, Status: consulta.JobStatusNotFound},
	})
	require.NoError(t, err)
	require.Empty(t, pub.Messages())
}

func TestPublisherSinkWithoutPublisher(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewPublisherSink(nil, "t", nil).Consume(context.Background(), []progress.Event{
		{JobID: "a", TS: time.Now(), Kind: progress.KindFinished, Status: consulta.JobStatusError},
	}))
}
