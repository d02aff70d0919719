package dispatch

import "errors"

var (
	ErrInvalidDestination = errors.New("dispatch: invalid destination")
	ErrCarrierRejected    = errors.New("dispatch: carrier rejected call")
	ErrCapacityExceeded   = errors.New("dispatch: active call capacity exceeded")
)
