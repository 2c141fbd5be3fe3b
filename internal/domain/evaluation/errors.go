package evaluation

import "errors"

var (
	ErrLengthMismatch = errors.New("prediction and actual lengths differ")
	ErrUnknownModel   = errors.New("unknown model")
	ErrEmptyInput     = errors.New("no samples")
	ErrTooFewSamples  = errors.New("too few samples for the test")
)
