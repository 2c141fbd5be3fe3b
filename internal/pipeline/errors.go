package pipeline

import "errors"

// Sentinel kinds for pipeline errors.
var (
	ErrNoRecords       = errors.New("source returned no records")
	ErrUnsupportedType = errors.New("unsupported model type")
)
