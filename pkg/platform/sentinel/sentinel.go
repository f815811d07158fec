package sentinel

import "errors"

// Sentinel errors for storage facts. Record stores return these (optionally
// wrapped) and the project service translates them into domain errors:
// - ErrNotFound: no record, counter or log exists under the key
// - ErrAlreadyUsed: the name is held by another active record of the same owner
// - ErrConflict: a record with the same id already exists
// - ErrInvalidState: the stored document cannot be used (corrupt or foreign JSON)
// - ErrUnavailable: the backing service cannot be reached
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
