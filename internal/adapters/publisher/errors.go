package publisher

import "errors"

// Sentinel kinds for publish errors.
var (
	ErrCircuitOpen = errors.New("publisher circuit open")
	ErrEncode      = errors.New("encode event")
)
