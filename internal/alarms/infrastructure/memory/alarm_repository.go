package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alarms "ess-cloud/internal/alarms/domain"
)

// AlarmRepository is an in-memory ActiveAlarmStore plus AlarmHistoryStore
// for unit tests. It honors the same invariants as the Postgres
// implementation: one open row per key, exactly-once archival.
type AlarmRepository struct {
	mu      sync.Mutex
	nextID  int64
	active  map[int64]*alarms.ActiveAlarm
	history []alarms.HistoryRecord
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository() *AlarmRepository {
	return &AlarmRepository{nextID: 1, active: make(map[int64]*alarms.ActiveAlarm)}
}

// Upsert opens or re-triggers the alarm for the signal's key.
func (r *AlarmRepository) Upsert(ctx context.Context, signal alarms.FaultSignal) (*alarms.ActiveAlarm, bool, error) {
	_ = ctx
	if err := signal.Key.Validate(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.findByKeyLocked(signal.Key); existing != nil {
		existing.LastTriggeredAt = signal.ObservedAt.UTC()
		existing.RepeatCount++
		existing.Level = signal.Level
		existing.Extra = append([]byte(nil), signal.Extra...)
		clone := *existing
		return &clone, false, nil
	}

	alarm := &alarms.ActiveAlarm{
		ID:               r.nextID,
		DeviceID:         signal.Key.DeviceID,
		AlarmType:        signal.Key.AlarmType,
		Code:             signal.Key.Code,
		Level:            signal.Level,
		Extra:            append([]byte(nil), signal.Extra...),
		Status:           alarms.StatusActive,
		FirstTriggeredAt: signal.ObservedAt.UTC(),
		LastTriggeredAt:  signal.ObservedAt.UTC(),
		RepeatCount:      1,
	}
	r.nextID++
	r.active[alarm.ID] = alarm
	clone := *alarm
	return &clone, true, nil
}

// GetByID returns (nil, nil) when absent.
func (r *AlarmRepository) GetByID(ctx context.Context, id int64) (*alarms.ActiveAlarm, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm, ok := r.active[id]
	if !ok {
		return nil, nil
	}
	clone := *alarm
	return &clone, nil
}

// SetAcknowledged stamps confirmation fields.
func (r *AlarmRepository) SetAcknowledged(ctx context.Context, id int64, actor string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm, ok := r.active[id]
	if !ok {
		return alarms.ErrNotFound
	}
	confirmed := at.UTC()
	alarm.ConfirmedAt = &confirmed
	alarm.ConfirmedBy = actor
	return nil
}

// ClearAcknowledgment undoes a confirmation.
func (r *AlarmRepository) ClearAcknowledgment(ctx context.Context, id int64) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm, ok := r.active[id]
	if !ok {
		return alarms.ErrNotFound
	}
	alarm.ConfirmedAt = nil
	alarm.ConfirmedBy = ""
	return nil
}

// ConfirmByCode confirms all unconfirmed alarms with the code.
func (r *AlarmRepository) ConfirmByCode(ctx context.Context, code int64, actor string, at time.Time) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	confirmed := at.UTC()
	for _, alarm := range r.active {
		if alarm.Code == code && alarm.ConfirmedAt == nil {
			stamp := confirmed
			alarm.ConfirmedAt = &stamp
			alarm.ConfirmedBy = actor
			count++
		}
	}
	return count, nil
}

// ConfirmByDevice confirms all unconfirmed alarms for a device/code pair.
func (r *AlarmRepository) ConfirmByDevice(ctx context.Context, deviceID int64, code int64, actor string, at time.Time) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	confirmed := at.UTC()
	for _, alarm := range r.active {
		if alarm.DeviceID != nil && *alarm.DeviceID == deviceID && alarm.Code == code && alarm.ConfirmedAt == nil {
			stamp := confirmed
			alarm.ConfirmedAt = &stamp
			alarm.ConfirmedBy = actor
			count++
		}
	}
	return count, nil
}

// List returns matching open alarms, most recent trigger first.
func (r *AlarmRepository) List(ctx context.Context, filter alarms.ActiveFilter, page alarms.Page) ([]alarms.ActiveAlarm, int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []alarms.ActiveAlarm
	for _, alarm := range r.active {
		if matchesActive(alarm, filter) {
			matches = append(matches, *alarm)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastTriggeredAt.After(matches[j].LastTriggeredAt)
	})
	total := len(matches)
	matches = paginate(matches, page)
	return matches, total, nil
}

// CountUnhandled returns the total and per-level open alarm counts.
func (r *AlarmRepository) CountUnhandled(ctx context.Context) (int, map[string]int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	byLevel := make(map[string]int)
	for _, alarm := range r.active {
		byLevel[alarm.Level]++
	}
	return len(r.active), byLevel, nil
}

// ClearAndArchive closes an alarm by id.
func (r *AlarmRepository) ClearAndArchive(ctx context.Context, id int64, actor string, at time.Time, remark string) (*alarms.HistoryRecord, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm, ok := r.active[id]
	if !ok {
		return nil, alarms.ErrNotFound
	}
	return r.archiveLocked(alarm, actor, at, remark)
}

// ClearAndArchiveByKey closes the open alarm matching a key.
func (r *AlarmRepository) ClearAndArchiveByKey(ctx context.Context, key alarms.AlarmKey, actor string, at time.Time) (*alarms.HistoryRecord, error) {
	_ = ctx
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	alarm := r.findByKeyLocked(key)
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	return r.archiveLocked(alarm, actor, at, "")
}

// ListHistory implements the HistoryRepository interface.
func (r *AlarmRepository) ListHistory(ctx context.Context, filter alarms.HistoryFilter, page alarms.Page) ([]alarms.HistoryRecord, int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []alarms.HistoryRecord
	for _, record := range r.history {
		if matchesHistory(record, filter) {
			matches = append(matches, record)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastTriggeredAt.After(matches[j].LastTriggeredAt)
	})
	total := len(matches)
	matches = paginate(matches, page)
	return matches, total, nil
}

// HistoryView adapts the repository to the HistoryRepository interface.
type HistoryView struct {
	repo *AlarmRepository
}

// History returns a history view over the repository.
func (r *AlarmRepository) History() *HistoryView {
	return &HistoryView{repo: r}
}

// List implements HistoryRepository.
func (v *HistoryView) List(ctx context.Context, filter alarms.HistoryFilter, page alarms.Page) ([]alarms.HistoryRecord, int, error) {
	return v.repo.ListHistory(ctx, filter, page)
}

func (r *AlarmRepository) archiveLocked(alarm *alarms.ActiveAlarm, actor string, at time.Time, remark string) (*alarms.HistoryRecord, error) {
	at = at.UTC()
	if at.Before(alarm.FirstTriggeredAt) {
		return nil, alarms.ErrInvalidClearTime
	}
	record := alarms.HistoryRecord{
		ID:               int64(len(r.history) + 1),
		DeviceID:         alarm.DeviceID,
		AlarmType:        alarm.AlarmType,
		Code:             alarm.Code,
		Level:            alarm.Level,
		Extra:            append([]byte(nil), alarm.Extra...),
		Status:           alarms.StatusCleared,
		FirstTriggeredAt: alarm.FirstTriggeredAt,
		LastTriggeredAt:  alarm.LastTriggeredAt,
		RepeatCount:      alarm.RepeatCount,
		Remark:           alarm.Remark,
		ConfirmedAt:      alarm.ConfirmedAt,
		ConfirmedBy:      alarm.ConfirmedBy,
		ClearedAt:        at,
		ClearedBy:        actor,
		ArchivedAt:       time.Now().UTC(),
		Duration:         at.Sub(alarm.FirstTriggeredAt),
	}
	if remark != "" {
		record.Remark = remark
	}
	r.history = append(r.history, record)
	delete(r.active, alarm.ID)
	return &record, nil
}

func (r *AlarmRepository) findByKeyLocked(key alarms.AlarmKey) *alarms.ActiveAlarm {
	for _, alarm := range r.active {
		if alarm.AlarmType != key.AlarmType || alarm.Code != key.Code {
			continue
		}
		if (alarm.DeviceID == nil) != (key.DeviceID == nil) {
			continue
		}
		if alarm.DeviceID != nil && *alarm.DeviceID != *key.DeviceID {
			continue
		}
		return alarm
	}
	return nil
}

func matchesActive(alarm *alarms.ActiveAlarm, filter alarms.ActiveFilter) bool {
	if filter.DeviceID != nil && (alarm.DeviceID == nil || *alarm.DeviceID != *filter.DeviceID) {
		return false
	}
	if filter.AlarmType != "" && alarm.AlarmType != filter.AlarmType {
		return false
	}
	if filter.Code != nil && alarm.Code != *filter.Code {
		return false
	}
	if filter.Level != "" && alarm.Level != filter.Level {
		return false
	}
	switch filter.Status {
	case "acknowledged":
		return alarm.ConfirmedAt != nil
	case alarms.StatusActive:
		return alarm.ConfirmedAt == nil
	}
	return true
}

func matchesHistory(record alarms.HistoryRecord, filter alarms.HistoryFilter) bool {
	if filter.DeviceID != nil && (record.DeviceID == nil || *record.DeviceID != *filter.DeviceID) {
		return false
	}
	if filter.AlarmType != "" && record.AlarmType != filter.AlarmType {
		return false
	}
	if filter.Code != nil && record.Code != *filter.Code {
		return false
	}
	if filter.Level != "" && record.Level != filter.Level {
		return false
	}
	if !filter.From.IsZero() && record.LastTriggeredAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !record.LastTriggeredAt.Before(filter.To) {
		return false
	}
	return true
}

func paginate[T any](items []T, page alarms.Page) []T {
	if page.Size <= 0 {
		return items
	}
	offset := page.Offset()
	if offset >= len(items) {
		return nil
	}
	end := offset + page.Size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
