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

// HistoryRepository reads the append-only alarm archive. Inserts happen only
// inside the AlarmRepository clear transaction.
type HistoryRepository struct {
	db *sql.DB
}

// NewHistoryRepository constructs a repository.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// List returns a page of archived alarms, most recent trigger first.
func (r *HistoryRepository) List(ctx context.Context, filter alarms.HistoryFilter, page alarms.Page) ([]alarms.HistoryRecord, int, error) {
	if r == nil || r.db == nil {
		return nil, 0, errors.New("history repo: nil db")
	}
	where, args := buildHistoryWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM alarm_history h LEFT JOIN devices d ON h.device_id = d.id` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
SELECT h.id, h.device_id, d.device_sn, h.alarm_type, h.code, h.level, h.extra, h.status,
	h.first_triggered_at, h.last_triggered_at, h.repeat_count, h.remark,
	h.confirmed_at, h.confirmed_by, h.cleared_at, h.cleared_by, h.archived_at,
	EXTRACT(EPOCH FROM h.duration)
FROM alarm_history h
LEFT JOIN devices d ON h.device_id = d.id` + where + fmt.Sprintf(`
ORDER BY h.last_triggered_at DESC
LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []alarms.HistoryRecord
	for rows.Next() {
		record, err := scanHistoryRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func buildHistoryWhere(filter alarms.HistoryFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.DeviceID != nil {
		add("h.device_id = $%d", *filter.DeviceID)
	}
	if filter.DeviceSN != "" {
		add("d.device_sn = $%d", filter.DeviceSN)
	}
	if filter.AlarmType != "" {
		add("h.alarm_type = $%d", filter.AlarmType)
	}
	if filter.Code != nil {
		add("h.code = $%d", *filter.Code)
	}
	if filter.Level != "" {
		add("h.level = $%d", filter.Level)
	}
	if !filter.From.IsZero() {
		add("h.last_triggered_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("h.last_triggered_at < $%d", filter.To.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "\nWHERE " + strings.Join(conds, " AND "), args
}

func scanHistoryRecord(row rowScanner) (*alarms.HistoryRecord, error) {
	var record alarms.HistoryRecord
	var deviceID sql.NullInt64
	var deviceSN sql.NullString
	var extra []byte
	var remark sql.NullString
	var confirmedAt sql.NullTime
	var confirmedBy sql.NullString
	var durationSeconds sql.NullFloat64
	if err := row.Scan(
		&record.ID,
		&deviceID,
		&deviceSN,
		&record.AlarmType,
		&record.Code,
		&record.Level,
		&extra,
		&record.Status,
		&record.FirstTriggeredAt,
		&record.LastTriggeredAt,
		&record.RepeatCount,
		&remark,
		&confirmedAt,
		&confirmedBy,
		&record.ClearedAt,
		&record.ClearedBy,
		&record.ArchivedAt,
		&durationSeconds,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if deviceID.Valid {
		value := deviceID.Int64
		record.DeviceID = &value
	}
	if deviceSN.Valid {
		record.DeviceSN = deviceSN.String
	}
	if len(extra) > 0 {
		record.Extra = append([]byte(nil), extra...)
	}
	if remark.Valid {
		record.Remark = remark.String
	}
	if confirmedAt.Valid {
		confirmed := confirmedAt.Time.UTC()
		record.ConfirmedAt = &confirmed
	}
	if confirmedBy.Valid {
		record.ConfirmedBy = confirmedBy.String
	}
	if durationSeconds.Valid {
		record.Duration = time.Duration(durationSeconds.Float64 * float64(time.Second))
	}
	record.FirstTriggeredAt = record.FirstTriggeredAt.UTC()
	record.LastTriggeredAt = record.LastTriggeredAt.UTC()
	record.ClearedAt = record.ClearedAt.UTC()
	record.ArchivedAt = record.ArchivedAt.UTC()
	return &record, nil
}
