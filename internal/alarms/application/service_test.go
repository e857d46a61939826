package application

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "ess-cloud/internal/alarms/domain"
	"ess-cloud/internal/alarms/infrastructure/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []AlarmEvent
}

func (n *captureNotifier) Notify(_ context.Context, event AlarmEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]string, 0, len(n.events))
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}

func newTestService(t *testing.T) (*Service, *memory.AlarmRepository, *fakeClock, *captureNotifier) {
	t.Helper()
	repo := memory.NewAlarmRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	notifier := &captureNotifier{}
	service, err := NewService(repo, repo.History(), WithClock(clock), WithNotifier(notifier))
	require.NoError(t, err)
	return service, repo, clock, notifier
}

func deviceKey(deviceID int64, alarmType string, code int64) alarms.AlarmKey {
	return alarms.AlarmKey{DeviceID: &deviceID, AlarmType: alarmType, Code: code}
}

func TestReportFaultOpensThenRetriggers(t *testing.T) {
	service, _, clock, notifier := newTestService(t)
	ctx := context.Background()
	key := deviceKey(7, "cell_overvoltage", 102)

	outcome, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key, Level: alarms.LevelWarning})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, outcome)
	assert.Equal(t, 1, alarm.RepeatCount)
	assert.Equal(t, alarms.StatusActive, alarm.Status)
	first := alarm.FirstTriggeredAt

	clock.Advance(5 * time.Minute)
	outcome, alarm, err = service.ReportFault(ctx, alarms.FaultSignal{
		Key:   key,
		Level: alarms.LevelCritical,
		Extra: json.RawMessage(`{"voltage":4.31}`),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetriggered, outcome)
	assert.Equal(t, 2, alarm.RepeatCount)
	assert.Equal(t, first, alarm.FirstTriggeredAt, "first trigger must survive re-triggers")
	assert.Equal(t, first.Add(5*time.Minute), alarm.LastTriggeredAt)
	assert.Equal(t, alarms.LevelCritical, alarm.Level, "most recent level wins")
	assert.JSONEq(t, `{"voltage":4.31}`, string(alarm.Extra))

	assert.Equal(t, []string{"opened", "retriggered"}, notifier.Types())
}

func TestReportFaultDistinctKeysOpenSeparateAlarms(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, first, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(1, "overtemp", 40)})
	require.NoError(t, err)
	_, second, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(1, "overtemp", 41)})
	require.NoError(t, err)
	_, third, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(2, "overtemp", 40)})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, third.ID)

	total, _, err := service.CountUnhandled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestReportFaultDefaultsLevel(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, alarm, err := service.ReportFault(context.Background(), alarms.FaultSignal{Key: deviceKey(1, "comm_loss", 1)})
	require.NoError(t, err)
	assert.Equal(t, alarms.DefaultLevel, alarm.Level)
}

func TestReportFaultRejectsInvalidKey(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: alarms.AlarmKey{AlarmType: "", Code: 1}})
	assert.ErrorIs(t, err, alarms.ErrInvalidKey)

	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: alarms.AlarmKey{AlarmType: "x", Code: -2}})
	assert.ErrorIs(t, err, alarms.ErrInvalidKey)
}

func TestAcknowledgeIsOrthogonalToDedup(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	key := deviceKey(3, "fan_failure", 12)

	_, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	acked, err := service.Acknowledge(ctx, alarm.ID, "operator-1", time.Time{})
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged())
	assert.Equal(t, "operator-1", acked.ConfirmedBy)
	assert.Equal(t, alarms.StatusActive, acked.Status, "confirmation never closes an alarm")
	assert.Equal(t, 1, acked.RepeatCount)

	// A later re-trigger keeps the confirmation in place.
	clock.Advance(time.Minute)
	outcome, retriggered, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetriggered, outcome)
	assert.True(t, retriggered.Acknowledged())
	assert.Equal(t, 2, retriggered.RepeatCount)

	unacked, err := service.Unacknowledge(ctx, alarm.ID)
	require.NoError(t, err)
	assert.False(t, unacked.Acknowledged())
	assert.Empty(t, unacked.ConfirmedBy)
}

func TestAcknowledgeMissingAlarm(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Acknowledge(context.Background(), 999, "operator-1", time.Time{})
	assert.ErrorIs(t, err, alarms.ErrNotFound)
}

func TestAcknowledgeRequiresActor(t *testing.T) {
	service, _, _, _ := newTestService(t)

	_, err := service.Acknowledge(context.Background(), 1, "", time.Time{})
	assert.Error(t, err)
}

func TestClearArchivesSnapshotWithDuration(t *testing.T) {
	service, repo, clock, notifier := newTestService(t)
	ctx := context.Background()
	key := deviceKey(9, "insulation_fault", 77)

	_, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key, Level: alarms.LevelCritical})
	require.NoError(t, err)
	opened := clock.Now()

	clock.Advance(10 * time.Minute)
	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: key, Level: alarms.LevelCritical})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = service.Acknowledge(ctx, alarm.ID, "operator-1", time.Time{})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	record, err := service.Clear(ctx, alarm.ID, "operator-2", time.Time{}, "replaced module")
	require.NoError(t, err)

	assert.Equal(t, alarms.StatusCleared, record.Status)
	assert.Equal(t, 2, record.RepeatCount)
	assert.Equal(t, "operator-2", record.ClearedBy)
	assert.Equal(t, "replaced module", record.Remark)
	assert.Equal(t, "operator-1", record.ConfirmedBy)
	assert.Equal(t, opened, record.FirstTriggeredAt)
	assert.Equal(t, 15*time.Minute, record.Duration, "duration spans first trigger to clear")

	gone, err := repo.GetByID(ctx, alarm.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "cleared alarm must leave the active store")

	// Second clear of the same lifecycle instance.
	_, err = service.Clear(ctx, alarm.ID, "operator-2", time.Time{}, "")
	assert.ErrorIs(t, err, alarms.ErrNotFound)

	assert.Contains(t, notifier.Types(), "cleared")
}

func TestClearBeforeFirstTriggerRejected(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()

	_, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(4, "overtemp", 5)})
	require.NoError(t, err)

	_, err = service.Clear(ctx, alarm.ID, "operator-1", clock.Now().Add(-time.Hour), "")
	assert.ErrorIs(t, err, alarms.ErrInvalidClearTime)
}

func TestKeyReuseAfterClearStartsFreshLifecycle(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	key := deviceKey(5, "contactor_stuck", 300)

	_, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = service.Clear(ctx, alarm.ID, "operator-1", time.Time{}, "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	outcome, reopened, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, outcome, "cleared key must be reusable")
	assert.NotEqual(t, alarm.ID, reopened.ID)
	assert.Equal(t, 1, reopened.RepeatCount)
	assert.Equal(t, clock.Now(), reopened.FirstTriggeredAt)
}

func TestClearByKeyUsesDeviceActor(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	key := deviceKey(6, "dc_bus_undervoltage", 21)

	_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	record, err := service.ClearByKey(ctx, key, "device", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "device", record.ClearedBy)
	assert.Equal(t, 30*time.Second, record.Duration)

	_, err = service.ClearByKey(ctx, key, "device", time.Time{})
	assert.ErrorIs(t, err, alarms.ErrNotFound)
}

func TestConfirmByCode(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(1, "overtemp", 40)})
	require.NoError(t, err)
	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(2, "overtemp", 40)})
	require.NoError(t, err)
	_, other, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(3, "overtemp", 41)})
	require.NoError(t, err)

	count, err := service.ConfirmByCode(ctx, 40, "operator-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// Already-confirmed rows are not stamped again.
	count, err = service.ConfirmByCode(ctx, 40, "operator-2")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	items, _, err := service.ListActive(ctx, alarms.ActiveFilter{Status: "acknowledged"}, alarms.Page{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, item := range items {
		assert.NotEqual(t, other.ID, item.ID)
	}
}

func TestConfirmByDevice(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(1, "overtemp", 40)})
	require.NoError(t, err)
	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(2, "overtemp", 40)})
	require.NoError(t, err)

	count, err := service.ConfirmByDevice(ctx, 1, 40, "operator-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestListActivePagination(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		clock.Advance(time.Second)
		_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(i, "overtemp", 40)})
		require.NoError(t, err)
	}

	items, total, err := service.ListActive(ctx, alarms.ActiveFilter{}, alarms.Page{Number: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.True(t, items[0].LastTriggeredAt.After(items[1].LastTriggeredAt), "most recent first")

	items, total, err = service.ListActive(ctx, alarms.ActiveFilter{}, alarms.Page{Number: 3, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, items, 1)
}

func TestListHistoryTimeRange(t *testing.T) {
	service, _, clock, _ := newTestService(t)
	ctx := context.Background()
	base := clock.Now()

	for i := int64(0); i < 3; i++ {
		clock.Advance(time.Hour)
		_, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(i, "overtemp", 40)})
		require.NoError(t, err)
		_, err = service.Clear(ctx, alarm.ID, "operator-1", time.Time{}, "")
		require.NoError(t, err)
	}

	records, total, err := service.ListHistory(ctx, alarms.HistoryFilter{
		From: base.Add(90 * time.Minute),
		To:   base.Add(4 * time.Hour),
	}, alarms.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, records, 2)
}

func TestCountUnhandledByLevel(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(1, "overtemp", 40), Level: alarms.LevelCritical})
	require.NoError(t, err)
	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(2, "overtemp", 40), Level: alarms.LevelCritical})
	require.NoError(t, err)
	_, _, err = service.ReportFault(ctx, alarms.FaultSignal{Key: deviceKey(3, "comm_loss", 1)})
	require.NoError(t, err)

	total, byLevel, err := service.CountUnhandled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, byLevel[alarms.LevelCritical])
	assert.Equal(t, 1, byLevel[alarms.LevelInfo])
}

func TestConcurrentReportsResolveToOneOpenAlarm(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()
	key := deviceKey(11, "overtemp", 40)

	const workers = 16
	var wg sync.WaitGroup
	opened := make(chan ReportOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
			if err == nil {
				opened <- outcome
			}
		}()
	}
	wg.Wait()
	close(opened)

	var opens, retriggers, repeat int
	for outcome := range opened {
		switch outcome {
		case OutcomeOpened:
			opens++
		case OutcomeRetriggered:
			retriggers++
		}
	}
	assert.Equal(t, 1, opens, "exactly one worker opens the lifecycle")
	assert.Equal(t, workers-1, retriggers)

	items, total, err := service.ListActive(ctx, alarms.ActiveFilter{}, alarms.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	repeat = items[0].RepeatCount
	assert.Equal(t, workers, repeat)
}
