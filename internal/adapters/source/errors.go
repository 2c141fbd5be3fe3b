package source

import "errors"

// Sentinel kinds for record source errors.
var (
	ErrSchemaViolation = errors.New("schema violation")
	ErrNoRecords       = errors.New("source produced no records")
)
