package alarms

import (
	"context"
	"time"
)

// ActiveFilter narrows active-alarm listings.
type ActiveFilter struct {
	DeviceID  *int64
	DeviceSN  string
	AlarmType string
	Code      *int64
	Level     string
	// Status accepts "active" (unconfirmed) or "acknowledged" (confirmed);
	// empty matches both.
	Status string
}

// HistoryFilter narrows archive listings. From/To bound last_triggered_at.
type HistoryFilter struct {
	DeviceID  *int64
	DeviceSN  string
	AlarmType string
	Code      *int64
	Level     string
	From      time.Time
	To        time.Time
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// ActiveAlarmRepository is the durable store of open alarms. Upsert and the
// clear methods are the only cross-worker synchronization points; no other
// locking exists.
type ActiveAlarmRepository interface {
	// Upsert atomically opens a new alarm or re-triggers the open one for
	// the signal's key. It reports opened=true when a row was inserted.
	Upsert(ctx context.Context, signal FaultSignal) (*ActiveAlarm, bool, error)

	// GetByID returns (nil, nil) when the alarm does not exist.
	GetByID(ctx context.Context, id int64) (*ActiveAlarm, error)

	// SetAcknowledged stamps the confirmation fields; ErrNotFound when the
	// alarm is absent or already archived.
	SetAcknowledged(ctx context.Context, id int64, actor string, at time.Time) error

	// ClearAcknowledgment undoes a confirmation; ErrNotFound when absent.
	ClearAcknowledgment(ctx context.Context, id int64) error

	// ConfirmByCode confirms every unconfirmed alarm with the code and
	// returns the number of rows stamped.
	ConfirmByCode(ctx context.Context, code int64, actor string, at time.Time) (int64, error)

	// ConfirmByDevice confirms every unconfirmed alarm for a device/code pair.
	ConfirmByDevice(ctx context.Context, deviceID int64, code int64, actor string, at time.Time) (int64, error)

	// List returns a page ordered by last_triggered_at descending, plus the
	// total match count.
	List(ctx context.Context, filter ActiveFilter, page Page) ([]ActiveAlarm, int, error)

	// CountUnhandled returns the open-alarm total and per-level counts.
	CountUnhandled(ctx context.Context) (int, map[string]int, error)

	// ClearAndArchive closes the alarm in one transaction: snapshot to
	// history with the computed duration, then delete the active row.
	// ErrNotFound when already cleared, ErrInvalidClearTime when at precedes
	// the first trigger.
	ClearAndArchive(ctx context.Context, id int64, actor string, at time.Time, remark string) (*HistoryRecord, error)

	// ClearAndArchiveByKey is ClearAndArchive addressed by condition key,
	// used for device self-clear signals.
	ClearAndArchiveByKey(ctx context.Context, key AlarmKey, actor string, at time.Time) (*HistoryRecord, error)
}

// HistoryRepository reads the append-only archive.
type HistoryRepository interface {
	List(ctx context.Context, filter HistoryFilter, page Page) ([]HistoryRecord, int, error)
}
