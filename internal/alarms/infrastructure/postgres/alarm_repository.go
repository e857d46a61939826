package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "ess-cloud/internal/alarms/domain"
)

const activeAlarmColumns = `a.id, a.device_id, d.device_sn, a.alarm_type, a.code, a.level, a.extra, a.status,
	a.first_triggered_at, a.last_triggered_at, a.repeat_count, a.remark, a.confirmed_at, a.confirmed_by`

// AlarmRepository is the Postgres ActiveAlarmStore. Uniqueness of the open
// condition is enforced by the uq_alarms_condition index; every write path
// here is a single statement or a single transaction, so concurrent
// ingestion workers need no coordination beyond the store itself.
type AlarmRepository struct {
	db *sql.DB
}

// NewAlarmRepository constructs a repository.
func NewAlarmRepository(db *sql.DB) *AlarmRepository {
	return &AlarmRepository{db: db}
}

// Upsert opens a new alarm or bumps the open one, in one atomic statement.
// The xmax = 0 projection distinguishes an insert from a conflict update.
func (r *AlarmRepository) Upsert(ctx context.Context, signal alarms.FaultSignal) (*alarms.ActiveAlarm, bool, error) {
	if r == nil || r.db == nil {
		return nil, false, errors.New("alarm repo: nil db")
	}
	if err := signal.Key.Validate(); err != nil {
		return nil, false, err
	}
	if signal.ObservedAt.IsZero() {
		return nil, false, errors.New("alarm repo: zero observation time")
	}

	row := r.db.QueryRowContext(ctx, `
INSERT INTO alarms (
	device_id, alarm_type, code, level, extra, status,
	first_triggered_at, last_triggered_at, repeat_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
ON CONFLICT (device_id, alarm_type, code)
DO UPDATE SET
	last_triggered_at = EXCLUDED.last_triggered_at,
	repeat_count = alarms.repeat_count + 1,
	level = EXCLUDED.level,
	extra = EXCLUDED.extra
RETURNING id, device_id, alarm_type, code, level, extra, status,
	first_triggered_at, last_triggered_at, repeat_count, remark,
	confirmed_at, confirmed_by, (xmax = 0)`,
		nullableInt64(signal.Key.DeviceID),
		signal.Key.AlarmType,
		signal.Key.Code,
		signal.Level,
		nullableJSON(signal.Extra),
		alarms.StatusActive,
		signal.ObservedAt.UTC(),
	)

	var alarm alarms.ActiveAlarm
	var deviceID sql.NullInt64
	var extra []byte
	var remark sql.NullString
	var confirmedAt sql.NullTime
	var confirmedBy sql.NullString
	var inserted bool
	if err := row.Scan(
		&alarm.ID,
		&deviceID,
		&alarm.AlarmType,
		&alarm.Code,
		&alarm.Level,
		&extra,
		&alarm.Status,
		&alarm.FirstTriggeredAt,
		&alarm.LastTriggeredAt,
		&alarm.RepeatCount,
		&remark,
		&confirmedAt,
		&confirmedBy,
		&inserted,
	); err != nil {
		return nil, false, err
	}
	applyNullable(&alarm, deviceID, extra, remark, confirmedAt, confirmedBy)
	alarm.FirstTriggeredAt = alarm.FirstTriggeredAt.UTC()
	alarm.LastTriggeredAt = alarm.LastTriggeredAt.UTC()
	return &alarm, inserted, nil
}

// GetByID fetches an alarm; (nil, nil) when absent.
func (r *AlarmRepository) GetByID(ctx context.Context, id int64) (*alarms.ActiveAlarm, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+activeAlarmColumns+`
FROM alarms a
LEFT JOIN devices d ON a.device_id = d.id
WHERE a.id = $1`, id)
	return scanActiveAlarm(row)
}

// SetAcknowledged stamps confirmation fields on an open alarm.
func (r *AlarmRepository) SetAcknowledged(ctx context.Context, id int64, actor string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarms
SET confirmed_at = $1, confirmed_by = $2
WHERE id = $3`, at.UTC(), actor, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ClearAcknowledgment undoes a confirmation.
func (r *AlarmRepository) ClearAcknowledgment(ctx context.Context, id int64) error {
	if r == nil || r.db == nil {
		return errors.New("alarm repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarms
SET confirmed_at = NULL, confirmed_by = NULL
WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ConfirmByCode confirms all unconfirmed alarms carrying a code.
func (r *AlarmRepository) ConfirmByCode(ctx context.Context, code int64, actor string, at time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarms
SET confirmed_at = $1, confirmed_by = $2
WHERE code = $3 AND confirmed_at IS NULL`, at.UTC(), actor, code)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ConfirmByDevice confirms all unconfirmed alarms for one device/code pair.
func (r *AlarmRepository) ConfirmByDevice(ctx context.Context, deviceID int64, code int64, actor string, at time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("alarm repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE alarms
SET confirmed_at = $1, confirmed_by = $2
WHERE device_id = $3 AND code = $4 AND confirmed_at IS NULL`, at.UTC(), actor, deviceID, code)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// List returns a page of open alarms, most recent trigger first.
func (r *AlarmRepository) List(ctx context.Context, filter alarms.ActiveFilter, page alarms.Page) ([]alarms.ActiveAlarm, int, error) {
	if r == nil || r.db == nil {
		return nil, 0, errors.New("alarm repo: nil db")
	}
	where, args := buildActiveWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM alarms a LEFT JOIN devices d ON a.device_id = d.id` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
SELECT ` + activeAlarmColumns + `
FROM alarms a
LEFT JOIN devices d ON a.device_id = d.id` + where + fmt.Sprintf(`
ORDER BY a.last_triggered_at DESC
LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []alarms.ActiveAlarm
	for rows.Next() {
		alarm, err := scanActiveAlarm(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// CountUnhandled returns the total and per-level counts of open alarms.
func (r *AlarmRepository) CountUnhandled(ctx context.Context) (int, map[string]int, error) {
	if r == nil || r.db == nil {
		return 0, nil, errors.New("alarm repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT level, COUNT(*)
FROM alarms
GROUP BY level`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	total := 0
	byLevel := make(map[string]int)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return 0, nil, err
		}
		byLevel[level] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	return total, byLevel, nil
}

// ClearAndArchive closes an alarm by id: snapshot into alarm_history and
// delete the active row in one transaction.
func (r *AlarmRepository) ClearAndArchive(ctx context.Context, id int64, actor string, at time.Time, remark string) (*alarms.HistoryRecord, error) {
	return r.clearAndArchive(ctx, actor, at, remark, `
SELECT id, device_id, alarm_type, code, level, extra, status,
	first_triggered_at, last_triggered_at, repeat_count, remark,
	confirmed_at, confirmed_by
FROM alarms
WHERE id = $1
FOR UPDATE`, id)
}

// ClearAndArchiveByKey closes the open alarm matching a condition key.
func (r *AlarmRepository) ClearAndArchiveByKey(ctx context.Context, key alarms.AlarmKey, actor string, at time.Time) (*alarms.HistoryRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return r.clearAndArchive(ctx, actor, at, "", `
SELECT id, device_id, alarm_type, code, level, extra, status,
	first_triggered_at, last_triggered_at, repeat_count, remark,
	confirmed_at, confirmed_by
FROM alarms
WHERE device_id IS NOT DISTINCT FROM $1 AND alarm_type = $2 AND code = $3
FOR UPDATE`, nullableInt64(key.DeviceID), key.AlarmType, key.Code)
}

func (r *AlarmRepository) clearAndArchive(ctx context.Context, actor string, at time.Time, remark string, selectQuery string, selectArgs ...any) (*alarms.HistoryRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alarm repo: nil db")
	}
	if actor == "" {
		return nil, errors.New("alarm repo: empty actor")
	}
	at = at.UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectQuery, selectArgs...)

	var record alarms.HistoryRecord
	var activeID int64
	var deviceID sql.NullInt64
	var extra []byte
	var prevRemark sql.NullString
	var confirmedAt sql.NullTime
	var confirmedBy sql.NullString
	if err := row.Scan(
		&activeID,
		&deviceID,
		&record.AlarmType,
		&record.Code,
		&record.Level,
		&extra,
		&record.Status,
		&record.FirstTriggeredAt,
		&record.LastTriggeredAt,
		&record.RepeatCount,
		&prevRemark,
		&confirmedAt,
		&confirmedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, alarms.ErrNotFound
		}
		return nil, err
	}
	record.FirstTriggeredAt = record.FirstTriggeredAt.UTC()
	record.LastTriggeredAt = record.LastTriggeredAt.UTC()
	if deviceID.Valid {
		value := deviceID.Int64
		record.DeviceID = &value
	}
	if len(extra) > 0 {
		record.Extra = append([]byte(nil), extra...)
	}
	if prevRemark.Valid {
		record.Remark = prevRemark.String
	}
	if remark != "" {
		record.Remark = remark
	}
	if confirmedAt.Valid {
		confirmed := confirmedAt.Time.UTC()
		record.ConfirmedAt = &confirmed
	}
	if confirmedBy.Valid {
		record.ConfirmedBy = confirmedBy.String
	}

	if at.Before(record.FirstTriggeredAt) {
		return nil, alarms.ErrInvalidClearTime
	}
	record.Status = alarms.StatusCleared
	record.ClearedAt = at
	record.ClearedBy = actor
	record.Duration = at.Sub(record.FirstTriggeredAt)

	if err := tx.QueryRowContext(ctx, `
INSERT INTO alarm_history (
	device_id, alarm_type, code, level, extra, status,
	first_triggered_at, last_triggered_at, repeat_count, remark,
	confirmed_at, confirmed_by, cleared_at, cleared_by, archived_at, duration
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10,
	$11, $12, $13, $14, now(), make_interval(secs => $15)
)
RETURNING id, archived_at`,
		nullableInt64(record.DeviceID),
		record.AlarmType,
		record.Code,
		record.Level,
		nullableJSON(record.Extra),
		record.Status,
		record.FirstTriggeredAt,
		record.LastTriggeredAt,
		record.RepeatCount,
		nullableString(record.Remark),
		nullableTime(record.ConfirmedAt),
		nullableString(record.ConfirmedBy),
		record.ClearedAt,
		record.ClearedBy,
		record.Duration.Seconds(),
	).Scan(&record.ID, &record.ArchivedAt); err != nil {
		return nil, err
	}
	record.ArchivedAt = record.ArchivedAt.UTC()

	// Delete exactly the row that was snapshotted, not whatever currently
	// matches the key.
	if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE id = $1`, activeID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

func buildActiveWhere(filter alarms.ActiveFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.DeviceID != nil {
		add("a.device_id = $%d", *filter.DeviceID)
	}
	if filter.DeviceSN != "" {
		add("d.device_sn = $%d", filter.DeviceSN)
	}
	if filter.AlarmType != "" {
		add("a.alarm_type = $%d", filter.AlarmType)
	}
	if filter.Code != nil {
		add("a.code = $%d", *filter.Code)
	}
	if filter.Level != "" {
		add("a.level = $%d", filter.Level)
	}
	switch filter.Status {
	case "acknowledged":
		conds = append(conds, "a.confirmed_at IS NOT NULL")
	case alarms.StatusActive:
		conds = append(conds, "a.confirmed_at IS NULL")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\nWHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActiveAlarm(row rowScanner) (*alarms.ActiveAlarm, error) {
	var alarm alarms.ActiveAlarm
	var deviceID sql.NullInt64
	var deviceSN sql.NullString
	var extra []byte
	var remark sql.NullString
	var confirmedAt sql.NullTime
	var confirmedBy sql.NullString
	if err := row.Scan(
		&alarm.ID,
		&deviceID,
		&deviceSN,
		&alarm.AlarmType,
		&alarm.Code,
		&alarm.Level,
		&extra,
		&alarm.Status,
		&alarm.FirstTriggeredAt,
		&alarm.LastTriggeredAt,
		&alarm.RepeatCount,
		&remark,
		&confirmedAt,
		&confirmedBy,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	applyNullable(&alarm, deviceID, extra, remark, confirmedAt, confirmedBy)
	if deviceSN.Valid {
		alarm.DeviceSN = deviceSN.String
	}
	alarm.FirstTriggeredAt = alarm.FirstTriggeredAt.UTC()
	alarm.LastTriggeredAt = alarm.LastTriggeredAt.UTC()
	return &alarm, nil
}

func applyNullable(alarm *alarms.ActiveAlarm, deviceID sql.NullInt64, extra []byte, remark sql.NullString, confirmedAt sql.NullTime, confirmedBy sql.NullString) {
	if deviceID.Valid {
		value := deviceID.Int64
		alarm.DeviceID = &value
	}
	if len(extra) > 0 {
		alarm.Extra = append([]byte(nil), extra...)
	}
	if remark.Valid {
		alarm.Remark = remark.String
	}
	if confirmedAt.Valid {
		confirmed := confirmedAt.Time.UTC()
		alarm.ConfirmedAt = &confirmed
	}
	if confirmedBy.Valid {
		alarm.ConfirmedBy = confirmedBy.String
	}
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alarms.ErrNotFound
	}
	return nil
}

func nullableInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func nullableJSON(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return []byte(value)
}
