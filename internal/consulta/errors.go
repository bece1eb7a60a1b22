package consulta

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipeline components.
var (
	// ErrValidation marks malformed admission input. No job is created.
	ErrValidation = errors.New("validation")
	// ErrJobNotFound is returned for unknown or reaped job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job id is reused.
	ErrJobExists = errors.New("job already exists")
	// ErrSnapshotNotFound is returned when no page snapshot was stored.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// NewValidationError wraps msg so that errors.Is(err, ErrValidation) holds.
func NewValidationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
