package logic

import "errors"

// ErrNilCapService is returned when a Decider is built without a frequency
// cap service.
var ErrNilCapService = errors.New("frequency cap service is nil")

// ErrStoreUnavailable wraps counter store failures surfaced by RecordDisplay.
var ErrStoreUnavailable = errors.New("counter store unavailable")
