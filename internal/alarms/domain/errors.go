package alarms

import "errors"

var (
	// ErrNotFound indicates the target alarm does not exist or was already
	// archived. Double-clear and ack-after-clear both surface this.
	ErrNotFound = errors.New("alarm: not found")

	// ErrInvalidKey indicates a malformed alarm key (empty type or
	// non-representable code).
	ErrInvalidKey = errors.New("alarm: invalid key")

	// ErrInvalidClearTime indicates a clear time before the first trigger.
	ErrInvalidClearTime = errors.New("alarm: clear time precedes first trigger")
)
