package jobservice

import (
	"errors"

	"github.com/ssuji15/orca/internal/db/repository"
	"github.com/ssuji15/orca/internal/mutex"
	"github.com/ssuji15/orca/internal/resource"
)

var (
	// ErrNotFound is returned when the job or execution an operation names does not exist.
	ErrNotFound = repository.ErrNotFound
	// ErrConflict is returned when an operation does not apply to the job's current state.
	ErrConflict = errors.New("job service: conflict")
	ErrInvalid  = errors.New("job service: invalid request")

	ErrDependencyFailure = resource.ErrDependencyFailure
	ErrLockTimeout       = mutex.ErrLockTimeout
)
