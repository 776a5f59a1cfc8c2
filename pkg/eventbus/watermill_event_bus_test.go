package eventbus_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/jobflow/pkg/channels/gochannel"
	"github.com/dukex/jobflow/pkg/eventbus"
	"github.com/dukex/jobflow/pkg/events"
	"github.com/dukex/jobflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.JobCompleted, 1)

	require.NoError(t, bus.Handle(events.JobCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.JobCompleted)
		if ok {
			received <- completed
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	event := events.JobCompleted{
		BaseEvent: events.NewBaseEvent(events.JobCompletedEvent, "wf-1"),
		JobID:     "job-1",
		SessionID: "session-1",
		TaskType:  models.TaskTypeRegexFileFilter,
		Usage:     &models.Usage{TokensSent: 3},
	}
	require.NoError(t, bus.Publish(ctx, "job-1", event))

	select {
	case got := <-received:
		assert.Equal(t, "job-1", got.JobID)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, models.TaskTypeRegexFileFilter, got.TaskType)
		assert.Equal(t, 3, got.Usage.TokensSent)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_UnhandledEventsAreAcked(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// Publish blocks until the subscriber acks, so returning at all proves the ack.
	err := bus.Publish(ctx, "wf-1", events.WorkflowStarted{
		BaseEvent:      events.NewBaseEvent(events.WorkflowStartedEvent, "wf-1"),
		DefinitionName: "FileFinderWorkflow",
	})
	assert.NoError(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, eventbus.Event) error {
	return errors.New("broker down")
}

func TestNotify(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, nil))
	event := events.JobCanceled{BaseEvent: events.NewBaseEvent(events.JobCanceledEvent, ""), JobID: "job-1"}

	eventbus.Notify(context.Background(), logger, nil, "job-1", event)
	assert.Empty(t, buf.String())

	eventbus.Notify(context.Background(), logger, failingPublisher{}, "job-1", event)
	assert.Contains(t, buf.String(), "broker down")
	assert.Contains(t, buf.String(), "job.canceled")
}
