package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"ess-cloud/internal/alarms/application"
	alarms "ess-cloud/internal/alarms/domain"
	"ess-cloud/internal/observability/metrics"
)

// actorDevice is recorded as the clearing actor for device self-clear
// signals.
const actorDevice = "device"

// FaultService is the slice of the alarm service the consumer needs.
type FaultService interface {
	ReportFault(ctx context.Context, signal alarms.FaultSignal) (application.ReportOutcome, *alarms.ActiveAlarm, error)
	ClearByKey(ctx context.Context, key alarms.AlarmKey, actor string, at time.Time) (*alarms.HistoryRecord, error)
}

// DeviceRegistry guarantees a device row exists before an alarm references it.
type DeviceRegistry interface {
	EnsureExists(ctx context.Context, id int64) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Consumer translates raw broker messages on devices/<id>/alarm into alarm
// service calls. The broker strips the $share/<group>/ prefix before
// delivery, so handlers only ever see the concrete topic.
type Consumer struct {
	service FaultService
	devices DeviceRegistry
	clock   Clock
	logger  *log.Logger
	timeout time.Duration
}

// ConsumerOption customizes a consumer.
type ConsumerOption func(*Consumer)

// WithClock assigns a clock.
func WithClock(clock Clock) ConsumerOption {
	return func(c *Consumer) {
		c.clock = clock
	}
}

// WithTimeout bounds the handling of a single message.
func WithTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewConsumer constructs a consumer.
func NewConsumer(service FaultService, devices DeviceRegistry, logger *log.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if service == nil {
		return nil, errors.New("mqtt consumer: nil service")
	}
	if devices == nil {
		return nil, errors.New("mqtt consumer: nil device registry")
	}
	if logger == nil {
		return nil, errors.New("mqtt consumer: nil logger")
	}
	consumer := &Consumer{
		service: service,
		devices: devices,
		clock:   systemClock{},
		logger:  logger,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(consumer)
	}
	return consumer, nil
}

// alarmPayload is the device wire format. Code zero is a valid alarm code,
// so it stays a pointer to detect absence.
type alarmPayload struct {
	AlarmType string          `json:"alarm_type"`
	Code      *int64          `json:"code"`
	Level     string          `json:"level"`
	Status    string          `json:"status"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// Handle processes one message. Malformed messages are terminal errors and
// must not be retried; store failures propagate so the broker can redeliver.
func (c *Consumer) Handle(topic string, payload []byte) error {
	if c == nil {
		return errors.New("mqtt consumer: nil consumer")
	}
	start := c.clock.Now()

	deviceID, err := parseAlarmTopic(topic)
	if err != nil {
		metrics.IncIngestError("topic")
		return err
	}

	var msg alarmPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.IncIngestError("decode")
		return fmt.Errorf("mqtt consumer: decode payload: %w", err)
	}
	if msg.Code == nil {
		metrics.IncIngestError("payload")
		return errors.New("mqtt consumer: payload missing code")
	}

	key := alarms.AlarmKey{
		DeviceID:  &deviceID,
		AlarmType: msg.AlarmType,
		Code:      *msg.Code,
	}
	if err := key.Validate(); err != nil {
		metrics.IncIngestError("payload")
		return fmt.Errorf("mqtt consumer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.devices.EnsureExists(ctx, deviceID); err != nil {
		metrics.IncIngestError("store")
		return fmt.Errorf("mqtt consumer: ensure device %d: %w", deviceID, err)
	}

	if msg.Status == alarms.StatusCleared {
		_, err := c.service.ClearByKey(ctx, key, actorDevice, start)
		if errors.Is(err, alarms.ErrNotFound) {
			// Self-clear for a condition we never saw open. Nothing to do.
			metrics.ObserveIngest("cleared_noop", c.clock.Now().Sub(start))
			return nil
		}
		if err != nil {
			metrics.IncIngestError("store")
			return fmt.Errorf("mqtt consumer: clear device=%d type=%s code=%d: %w",
				deviceID, key.AlarmType, key.Code, err)
		}
		metrics.ObserveIngest("cleared", c.clock.Now().Sub(start))
		return nil
	}

	signal := alarms.FaultSignal{
		Key:        key,
		Level:      msg.Level,
		Extra:      msg.Extra,
		ObservedAt: start,
	}
	outcome, _, err := c.service.ReportFault(ctx, signal)
	if err != nil {
		metrics.IncIngestError("store")
		return fmt.Errorf("mqtt consumer: report device=%d type=%s code=%d: %w",
			deviceID, key.AlarmType, key.Code, err)
	}
	metrics.ObserveIngest(string(outcome), c.clock.Now().Sub(start))
	return nil
}

// parseAlarmTopic extracts the device id from devices/<id>/alarm.
func parseAlarmTopic(topic string) (int64, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "devices" || parts[2] != "alarm" {
		return 0, fmt.Errorf("mqtt consumer: unexpected topic %q", topic)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("mqtt consumer: bad device id in topic %q", topic)
	}
	return id, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
