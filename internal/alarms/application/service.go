package application

import (
	"context"
	"errors"
	"time"

	alarms "ess-cloud/internal/alarms/domain"
	"ess-cloud/internal/observability/metrics"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// ReportOutcome tells a fault-signal caller what the deduplicator did.
type ReportOutcome string

const (
	OutcomeOpened      ReportOutcome = "opened"
	OutcomeRetriggered ReportOutcome = "retriggered"
)

// AlarmNotifier publishes alarm lifecycle events.
type AlarmNotifier interface {
	Notify(ctx context.Context, event AlarmEvent)
}

// AlarmEvent represents a lifecycle update.
type AlarmEvent struct {
	Type    string                `json:"type"`
	Alarm   *alarms.ActiveAlarm   `json:"alarm,omitempty"`
	History *alarms.HistoryRecord `json:"history,omitempty"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Service is the alarm lifecycle engine: deduplicating ingestion,
// acknowledgment workflow, and the clear-and-archive transaction. All
// cross-worker coordination is delegated to the store.
type Service struct {
	active   alarms.ActiveAlarmRepository
	history  alarms.HistoryRepository
	notifier AlarmNotifier
	clock    Clock
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		s.clock = clock
	}
}

// NewService constructs an alarm service.
func NewService(active alarms.ActiveAlarmRepository, history alarms.HistoryRepository, opts ...ServiceOption) (*Service, error) {
	if active == nil || history == nil {
		return nil, errors.New("alarms: nil repository")
	}
	service := &Service{
		active:  active,
		history: history,
		clock:   systemClock{},
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// ReportFault ingests one raw fault signal. The signal either opens a new
// lifecycle instance or re-triggers the open one; the store's conditional
// upsert makes the decision atomically, so concurrent workers observing the
// same condition resolve to exactly one open row.
func (s *Service) ReportFault(ctx context.Context, signal alarms.FaultSignal) (ReportOutcome, *alarms.ActiveAlarm, error) {
	if s == nil {
		return "", nil, errors.New("alarms: nil service")
	}
	if err := signal.Key.Validate(); err != nil {
		return "", nil, err
	}
	signal.Normalize(s.clock.Now())

	alarm, opened, err := s.active.Upsert(ctx, signal)
	if err != nil {
		return "", nil, err
	}
	outcome := OutcomeRetriggered
	if opened {
		outcome = OutcomeOpened
	}
	s.notify(ctx, string(outcome), alarm, nil)
	return outcome, alarm, nil
}

// Acknowledge records operator confirmation against an open alarm. It never
// changes status, repeat count, or trigger timestamps. Confirming an absent
// or already-archived alarm fails with ErrNotFound so the operator gets
// accurate feedback.
func (s *Service) Acknowledge(ctx context.Context, id int64, actor string, at time.Time) (*alarms.ActiveAlarm, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if actor == "" {
		return nil, errors.New("alarms: actor required")
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	if err := s.active.SetAcknowledged(ctx, id, actor, at.UTC()); err != nil {
		return nil, err
	}
	alarm, err := s.active.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	s.notify(ctx, "acknowledged", alarm, nil)
	return alarm, nil
}

// Unacknowledge undoes a confirmation, the undo path for operator error.
func (s *Service) Unacknowledge(ctx context.Context, id int64) (*alarms.ActiveAlarm, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if err := s.active.ClearAcknowledgment(ctx, id); err != nil {
		return nil, err
	}
	alarm, err := s.active.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alarm == nil {
		return nil, alarms.ErrNotFound
	}
	s.notify(ctx, "unacknowledged", alarm, nil)
	return alarm, nil
}

// Clear closes an alarm: archive the snapshot with its computed duration and
// remove the active row, in one transaction. A second clear of the same id
// fails with ErrNotFound.
func (s *Service) Clear(ctx context.Context, id int64, actor string, at time.Time, remark string) (*alarms.HistoryRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if actor == "" {
		return nil, errors.New("alarms: actor required")
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	record, err := s.active.ClearAndArchive(ctx, id, actor, at.UTC(), remark)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "cleared", nil, record)
	return record, nil
}

// ClearByKey closes the open alarm for a condition key. Device self-clear
// signals from the ingestion boundary land here.
func (s *Service) ClearByKey(ctx context.Context, key alarms.AlarmKey, actor string, at time.Time) (*alarms.HistoryRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if actor == "" {
		return nil, errors.New("alarms: actor required")
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	record, err := s.active.ClearAndArchiveByKey(ctx, key, actor, at.UTC())
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "cleared", nil, record)
	return record, nil
}

// ConfirmByCode confirms every unconfirmed alarm carrying the code.
func (s *Service) ConfirmByCode(ctx context.Context, code int64, actor string) (int64, error) {
	if s == nil {
		return 0, errors.New("alarms: nil service")
	}
	if actor == "" {
		return 0, errors.New("alarms: actor required")
	}
	return s.active.ConfirmByCode(ctx, code, actor, s.clock.Now().UTC())
}

// ConfirmByDevice confirms every unconfirmed alarm for a device/code pair.
func (s *Service) ConfirmByDevice(ctx context.Context, deviceID int64, code int64, actor string) (int64, error) {
	if s == nil {
		return 0, errors.New("alarms: nil service")
	}
	if actor == "" {
		return 0, errors.New("alarms: actor required")
	}
	return s.active.ConfirmByDevice(ctx, deviceID, code, actor, s.clock.Now().UTC())
}

// ListActive returns a page of open alarms plus the total match count.
func (s *Service) ListActive(ctx context.Context, filter alarms.ActiveFilter, page alarms.Page) ([]alarms.ActiveAlarm, int, error) {
	if s == nil {
		return nil, 0, errors.New("alarms: nil service")
	}
	return s.active.List(ctx, filter, normalizePage(page))
}

// ListHistory returns a page of archived alarms plus the total match count.
func (s *Service) ListHistory(ctx context.Context, filter alarms.HistoryFilter, page alarms.Page) ([]alarms.HistoryRecord, int, error) {
	if s == nil {
		return nil, 0, errors.New("alarms: nil service")
	}
	return s.history.List(ctx, filter, normalizePage(page))
}

// CountUnhandled returns the open-alarm total and per-level counts.
func (s *Service) CountUnhandled(ctx context.Context) (int, map[string]int, error) {
	if s == nil {
		return 0, nil, errors.New("alarms: nil service")
	}
	return s.active.CountUnhandled(ctx)
}

func (s *Service) notify(ctx context.Context, eventType string, alarm *alarms.ActiveAlarm, record *alarms.HistoryRecord) {
	if s == nil {
		return
	}
	metrics.IncAlarmEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlarmEvent{Type: eventType, Alarm: alarm, History: record})
}

func normalizePage(page alarms.Page) alarms.Page {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size < 1 {
		page.Size = defaultPageSize
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}
	return page
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
