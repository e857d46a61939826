package alarms

import (
	"encoding/json"
	"time"
)

const (
	StatusActive  = "active"
	StatusCleared = "cleared"
)

const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// DefaultLevel is assigned when a fault signal carries no severity.
const DefaultLevel = LevelInfo

// AlarmKey identifies a logical fault condition. DeviceID may be nil when
// the device has been deleted; the absent reference is still a distinct,
// stable key component, never a wildcard.
type AlarmKey struct {
	DeviceID  *int64 `json:"device_id"`
	AlarmType string `json:"alarm_type"`
	Code      int64  `json:"code"`
}

// Validate rejects malformed keys before any storage mutation.
func (k AlarmKey) Validate() error {
	if k.AlarmType == "" {
		return ErrInvalidKey
	}
	if k.Code < 0 {
		return ErrInvalidKey
	}
	return nil
}

// FaultSignal is one raw observation arriving from the ingestion boundary.
type FaultSignal struct {
	Key        AlarmKey
	Level      string
	Extra      json.RawMessage
	ObservedAt time.Time
}

// Normalize applies level default and UTC timestamps.
func (s *FaultSignal) Normalize(now time.Time) {
	if s.Level == "" {
		s.Level = DefaultLevel
	}
	if s.ObservedAt.IsZero() {
		s.ObservedAt = now
	}
	s.ObservedAt = s.ObservedAt.UTC()
}

// ActiveAlarm is one open lifecycle instance of an alarm condition.
// Acknowledgment is orthogonal to status: confirming an alarm never closes
// it, and clearing does not require confirmation.
type ActiveAlarm struct {
	ID               int64           `json:"alarm_id"`
	DeviceID         *int64          `json:"device_id"`
	DeviceSN         string          `json:"device_sn,omitempty"`
	AlarmType        string          `json:"alarm_type"`
	Code             int64           `json:"code"`
	Level            string          `json:"level"`
	Extra            json.RawMessage `json:"extra,omitempty"`
	Status           string          `json:"status"`
	FirstTriggeredAt time.Time       `json:"first_triggered_at"`
	LastTriggeredAt  time.Time       `json:"last_triggered_at"`
	RepeatCount      int             `json:"repeat_count"`
	Remark           string          `json:"remark,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	ConfirmedBy      string          `json:"confirmed_by,omitempty"`
}

// Key returns the logical condition key of the alarm.
func (a *ActiveAlarm) Key() AlarmKey {
	return AlarmKey{DeviceID: a.DeviceID, AlarmType: a.AlarmType, Code: a.Code}
}

// Acknowledged reports whether an operator has confirmed the alarm.
func (a *ActiveAlarm) Acknowledged() bool {
	return a.ConfirmedAt != nil
}

// HistoryRecord is the immutable archive snapshot of one resolved lifecycle
// instance. Duration spans first trigger to clear.
type HistoryRecord struct {
	ID               int64           `json:"history_id"`
	DeviceID         *int64          `json:"device_id"`
	DeviceSN         string          `json:"device_sn,omitempty"`
	AlarmType        string          `json:"alarm_type"`
	Code             int64           `json:"code"`
	Level            string          `json:"level"`
	Extra            json.RawMessage `json:"extra,omitempty"`
	Status           string          `json:"status"`
	FirstTriggeredAt time.Time       `json:"first_triggered_at"`
	LastTriggeredAt  time.Time       `json:"last_triggered_at"`
	RepeatCount      int             `json:"repeat_count"`
	Remark           string          `json:"remark,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	ConfirmedBy      string          `json:"confirmed_by,omitempty"`
	ClearedAt        time.Time       `json:"cleared_at"`
	ClearedBy        string          `json:"cleared_by"`
	ArchivedAt       time.Time       `json:"archived_at"`
	Duration         time.Duration   `json:"duration_seconds"`
}
