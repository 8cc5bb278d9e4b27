package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replybridge-backend/internal/events"
	"replybridge-backend/internal/models"
)

var schedulerEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type schedulerFixture struct {
	*testEnv
	clock     *fakeClock
	recorder  *eventRecorder
	scheduler *SchedulerService
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	env := newTestEnv(t, 100)
	env.addCredentials(t, env.userID, models.PlatformTelegram)
	clock := newFakeClock(schedulerEpoch)
	recorder := &eventRecorder{}
	sched := NewSchedulerService(env.store, env.sender, recorder,
		WithClock(clock),
		WithSweepInterval(0),
	)
	t.Cleanup(sched.Stop)
	return &schedulerFixture{testEnv: env, clock: clock, recorder: recorder, scheduler: sched}
}

func (f *schedulerFixture) schedule(t *testing.T, in time.Duration, webhookID *string) *models.ScheduleMessageResponse {
	t.Helper()
	resp, err := f.scheduler.ScheduleMessage(context.Background(), ScheduleRequest{
		UserID:       f.userID,
		Platform:     models.PlatformTelegram,
		To:           "42",
		Message:      "reminder",
		ScheduleTime: f.clock.Now().Add(in),
		WebhookID:    webhookID,
	})
	require.NoError(t, err)
	return resp
}

func (f *schedulerFixture) row(t *testing.T, id string) *models.ScheduledMessage {
	t.Helper()
	row, err := f.store.GetScheduledMessage(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	return row
}

func TestScheduleDueMessageSendsImmediately(t *testing.T) {
	f := newSchedulerFixture(t)

	resp := f.schedule(t, -time.Minute, nil)
	assert.Equal(t, models.ImmediateScheduleID, resp.ScheduleID)
	assert.Equal(t, string(models.ScheduledStatusSent), resp.Status)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success())

	assert.Zero(t, f.scheduler.Armed())
	assert.Len(t, f.factory.Adapter(models.PlatformTelegram).Sent(), 1)

	evs := f.recorder.All()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeMessageSent, evs[0].Type)
	assert.Equal(t, uuid.Nil, evs[0].ScheduledMessageID)
}

func TestScheduledMessageFiresOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	hook := "hook-1"

	resp := f.schedule(t, 5*time.Second, &hook)
	assert.Equal(t, string(models.ScheduledStatusPending), resp.Status)
	assert.Equal(t, 1, f.scheduler.Armed())

	f.clock.Advance(4 * time.Second)
	assert.Empty(t, f.factory.Adapter(models.PlatformTelegram).Sent())

	f.clock.Advance(time.Second)
	sent := f.factory.Adapter(models.PlatformTelegram).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reminder", sent[0].Text)

	row := f.row(t, resp.ScheduleID)
	assert.Equal(t, models.ScheduledStatusSent, row.Status)
	require.NotNil(t, row.SentMessageID)
	assert.Equal(t, "telegram-out-1", *row.SentMessageID)

	evs := f.recorder.All()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeMessageSent, evs[0].Type)
	assert.Equal(t, resp.ScheduleID, evs[0].ScheduledMessageID.String())
	require.NotNil(t, evs[0].WebhookID)
	assert.Equal(t, hook, *evs[0].WebhookID)

	// A later sweep finds nothing to do.
	n, err := f.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.factory.Adapter(models.PlatformTelegram).Sent(), 1)
	assert.Len(t, f.recorder.All(), 1)
}

func TestScheduledMessageFailure(t *testing.T) {
	f := newSchedulerFixture(t)
	f.factory.Adapter(models.PlatformTelegram).FailSends(errors.New("chat not found"))

	resp := f.schedule(t, time.Minute, nil)
	f.clock.Advance(time.Minute)

	row := f.row(t, resp.ScheduleID)
	assert.Equal(t, models.ScheduledStatusFailed, row.Status)
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, "chat not found")

	evs := f.recorder.All()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeMessageFailed, evs[0].Type)
	assert.Contains(t, evs[0].Error, "chat not found")
}

func TestScheduleValidation(t *testing.T) {
	f := newSchedulerFixture(t)
	_, err := f.scheduler.ScheduleMessage(context.Background(), ScheduleRequest{
		UserID: f.userID, Platform: models.PlatformTelegram, To: "42", Message: "x",
	})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStartRecoversPendingRows(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	overdue := &models.ScheduledMessage{
		ID: uuid.New(), UserID: f.userID, Platform: models.PlatformTelegram, To: "42", Message: "late",
		ScheduleTime: schedulerEpoch.Add(-time.Hour), Status: models.ScheduledStatusPending,
	}
	future := &models.ScheduledMessage{
		ID: uuid.New(), UserID: f.userID, Platform: models.PlatformTelegram, To: "42", Message: "later",
		ScheduleTime: schedulerEpoch.Add(time.Hour), Status: models.ScheduledStatusPending,
	}
	require.NoError(t, f.store.CreateScheduledMessage(ctx, overdue))
	require.NoError(t, f.store.CreateScheduledMessage(ctx, future))

	require.NoError(t, f.scheduler.Start(ctx))
	assert.Equal(t, 2, f.scheduler.Armed())

	f.clock.Advance(0)
	assert.Equal(t, models.ScheduledStatusSent, f.row(t, overdue.ID.String()).Status)
	assert.Equal(t, models.ScheduledStatusPending, f.row(t, future.ID.String()).Status)
	assert.Equal(t, 1, f.scheduler.Armed())

	f.clock.Advance(time.Hour)
	assert.Equal(t, models.ScheduledStatusSent, f.row(t, future.ID.String()).Status)
	assert.Len(t, f.factory.Adapter(models.PlatformTelegram).Sent(), 2)
}

func TestSweepFiresRowsWithoutTimers(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	row := &models.ScheduledMessage{
		ID: uuid.New(), UserID: f.userID, Platform: models.PlatformTelegram, To: "42", Message: "swept",
		ScheduleTime: schedulerEpoch.Add(-time.Second), Status: models.ScheduledStatusPending,
	}
	require.NoError(t, f.store.CreateScheduledMessage(ctx, row))

	n, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ScheduledStatusSent, f.row(t, row.ID.String()).Status)
}

func TestLiveClaimBlocksSecondFire(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	resp := f.schedule(t, time.Minute, nil)
	id := uuid.MustParse(resp.ScheduleID)

	// Another worker claims the row just before the timer goes off.
	_, err := f.store.ClaimScheduledMessage(ctx, id, schedulerEpoch.Add(59*time.Second), schedulerEpoch.Add(59*time.Second-defaultClaimTTL))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.factory.Adapter(models.PlatformTelegram).Sent())
	assert.Equal(t, models.ScheduledStatusPending, f.row(t, resp.ScheduleID).Status)

	// Once the claim is stale the sweep takes the row over.
	f.clock.Advance(defaultClaimTTL)
	n, err := f.scheduler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ScheduledStatusSent, f.row(t, resp.ScheduleID).Status)
	assert.Len(t, f.factory.Adapter(models.PlatformTelegram).Sent(), 1)
}

func TestStopDisarmsTimers(t *testing.T) {
	f := newSchedulerFixture(t)
	resp := f.schedule(t, time.Minute, nil)

	f.scheduler.Stop()
	assert.Zero(t, f.scheduler.Armed())

	f.clock.Advance(time.Minute)
	assert.Empty(t, f.factory.Adapter(models.PlatformTelegram).Sent())
	assert.Equal(t, models.ScheduledStatusPending, f.row(t, resp.ScheduleID).Status)
}

func TestListScheduled(t *testing.T) {
	f := newSchedulerFixture(t)
	f.schedule(t, time.Minute, nil)
	f.schedule(t, 2*time.Minute, nil)

	rows, err := f.scheduler.ListScheduled(context.Background(), f.userID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = f.scheduler.ListScheduled(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, rows)
}
