package service

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCollabType = errors.New("unknown collab type")
	ErrCorruptSnapshot   = errors.New("snapshot content does not match its hash")
	ErrDatabaseExists    = errors.New("database already exists")
)

// ValidationError reports a request that is well formed but not applicable
// to the current database, e.g. a filter condition the field type lacks.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
