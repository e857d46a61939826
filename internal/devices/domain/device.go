package devices

import (
	"errors"
	"time"
)

// ErrNotFound indicates a missing device record.
var ErrNotFound = errors.New("device: not found")

// Device is a registered fleet device. Registration is owned by an external
// identity service; this boundary only guarantees the row exists before an
// alarm references it.
type Device struct {
	ID        int64
	SN        string
	CreatedAt time.Time
}
