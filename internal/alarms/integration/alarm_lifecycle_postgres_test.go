package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	alarmapp "ess-cloud/internal/alarms/application"
	alarms "ess-cloud/internal/alarms/domain"
	alarmrepo "ess-cloud/internal/alarms/infrastructure/postgres"
	devicerepo "ess-cloud/internal/devices/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestAlarmLifecycle_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cleanup(ctx, db)

	devices := devicerepo.NewDeviceRepository(db)
	if err := devices.EnsureExists(ctx, 9001); err != nil {
		t.Fatalf("ensure device: %v", err)
	}

	activeRepo := alarmrepo.NewAlarmRepository(db)
	historyRepo := alarmrepo.NewHistoryRepository(db)
	service, err := alarmapp.NewService(activeRepo, historyRepo)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deviceID := int64(9001)
	key := alarms.AlarmKey{DeviceID: &deviceID, AlarmType: "cell_overvoltage", Code: 102}
	start := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

	// Open, then re-trigger twice.
	outcome, opened, err := service.ReportFault(ctx, alarms.FaultSignal{
		Key: key, Level: alarms.LevelWarning, ObservedAt: start,
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if outcome != alarmapp.OutcomeOpened {
		t.Fatalf("expected opened, got %s", outcome)
	}
	for i := 1; i <= 2; i++ {
		outcome, _, err = service.ReportFault(ctx, alarms.FaultSignal{
			Key: key, Level: alarms.LevelCritical, ObservedAt: start.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("retrigger %d: %v", i, err)
		}
		if outcome != alarmapp.OutcomeRetriggered {
			t.Fatalf("expected retriggered, got %s", outcome)
		}
	}

	current, err := activeRepo.GetByID(ctx, opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current == nil {
		t.Fatal("expected open alarm")
	}
	if current.RepeatCount != 3 {
		t.Fatalf("expected repeat_count 3, got %d", current.RepeatCount)
	}
	if !current.FirstTriggeredAt.Equal(start) {
		t.Fatalf("first trigger moved: %s", current.FirstTriggeredAt)
	}
	if current.Level != alarms.LevelCritical {
		t.Fatalf("expected level to follow latest signal, got %s", current.Level)
	}

	// Confirm, then clear.
	if _, err := service.Acknowledge(ctx, opened.ID, "operator-1", start.Add(3*time.Minute)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	record, err := service.Clear(ctx, opened.ID, "operator-2", start.Add(10*time.Minute), "replaced module")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if record.Duration != 10*time.Minute {
		t.Fatalf("expected 10m duration, got %s", record.Duration)
	}
	if record.ClearedBy != "operator-2" || record.ConfirmedBy != "operator-1" {
		t.Fatalf("actor snapshot wrong: cleared_by=%s confirmed_by=%s", record.ClearedBy, record.ConfirmedBy)
	}
	if record.Status != alarms.StatusCleared {
		t.Fatalf("expected cleared status, got %s", record.Status)
	}

	// Second clear of the same lifecycle must fail.
	if _, err := service.Clear(ctx, opened.ID, "operator-2", start.Add(11*time.Minute), ""); err == nil {
		t.Fatal("double clear succeeded")
	}

	// Archive row is queryable with the stored duration.
	records, total, err := historyRepo.List(ctx, alarms.HistoryFilter{DeviceID: &deviceID}, alarms.Page{Number: 1, Size: 10})
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Fatalf("expected one archive row, got total=%d len=%d", total, len(records))
	}
	if records[0].Duration != 10*time.Minute {
		t.Fatalf("stored duration wrong: %s", records[0].Duration)
	}

	// The key is reusable for a fresh lifecycle.
	outcome, reopened, err := service.ReportFault(ctx, alarms.FaultSignal{
		Key: key, ObservedAt: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if outcome != alarmapp.OutcomeOpened {
		t.Fatalf("expected fresh lifecycle, got %s", outcome)
	}
	if reopened.ID == opened.ID {
		t.Fatal("reopened lifecycle reused the old id")
	}
	if reopened.RepeatCount != 1 {
		t.Fatalf("expected fresh repeat count, got %d", reopened.RepeatCount)
	}
}

func TestConcurrentFirstObservation_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cleanup(ctx, db)

	devices := devicerepo.NewDeviceRepository(db)
	if err := devices.EnsureExists(ctx, 9002); err != nil {
		t.Fatalf("ensure device: %v", err)
	}

	activeRepo := alarmrepo.NewAlarmRepository(db)
	historyRepo := alarmrepo.NewHistoryRepository(db)
	service, err := alarmapp.NewService(activeRepo, historyRepo)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deviceID := int64(9002)
	key := alarms.AlarmKey{DeviceID: &deviceID, AlarmType: "overtemp", Code: 40}

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make(chan alarmapp.ReportOutcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
			if err != nil {
				t.Errorf("concurrent report: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	opens := 0
	for outcome := range outcomes {
		if outcome == alarmapp.OutcomeOpened {
			opens++
		}
	}
	if opens != 1 {
		t.Fatalf("expected exactly one open, got %d", opens)
	}

	items, total, err := activeRepo.List(ctx, alarms.ActiveFilter{DeviceID: &deviceID}, alarms.Page{Number: 1, Size: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected one open row, got total=%d", total)
	}
	if items[0].RepeatCount != workers {
		t.Fatalf("expected repeat_count %d, got %d", workers, items[0].RepeatCount)
	}
}

func TestNilDeviceKey_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cleanup(ctx, db)

	activeRepo := alarmrepo.NewAlarmRepository(db)
	historyRepo := alarmrepo.NewHistoryRepository(db)
	service, err := alarmapp.NewService(activeRepo, historyRepo)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	// No device reference: the absent id is still one distinct key.
	key := alarms.AlarmKey{AlarmType: "fleet_offline", Code: 900}
	if _, _, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key}); err != nil {
		t.Fatalf("report: %v", err)
	}
	outcome, alarm, err := service.ReportFault(ctx, alarms.FaultSignal{Key: key})
	if err != nil {
		t.Fatalf("report again: %v", err)
	}
	if outcome != alarmapp.OutcomeRetriggered {
		t.Fatalf("nil device id must deduplicate, got %s", outcome)
	}
	if alarm.RepeatCount != 2 {
		t.Fatalf("expected repeat_count 2, got %d", alarm.RepeatCount)
	}

	record, err := service.ClearByKey(ctx, key, "device", time.Time{})
	if err != nil {
		t.Fatalf("clear by key: %v", err)
	}
	if record.DeviceID != nil {
		t.Fatal("device id should stay null in the archive")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if !tableExists(db, "devices") || !tableExists(db, "alarms") || !tableExists(db, "alarm_history") {
		t.Skip("missing tables; run migrations")
	}
	return db
}

func cleanup(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, "DELETE FROM alarm_history")
	_, _ = db.ExecContext(ctx, "DELETE FROM alarms")
	_, _ = db.ExecContext(ctx, "DELETE FROM devices")
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
