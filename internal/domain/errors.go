package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the core wraps one of them so callers
// can tell "fix the input" from "re-fetch and retry".
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("record not found")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", ErrValidation)
	ErrTerminalStatus    = fmt.Errorf("%w: event is in a terminal status", ErrConflict)
	ErrStaleStatus       = fmt.Errorf("%w: event status changed since it was read", ErrConflict)
	ErrJobRunning        = fmt.Errorf("%w: a reprocess job is already running", ErrConflict)
	ErrEventExists       = fmt.Errorf("%w: shift already has an event in that chain position", ErrConflict)
)
