package operations

import (
	"errors"
	"fmt"

	"github.com/basket/docsearch/internal/persistence"
)

var (
	// ErrNotFound reports that no record exists for the requested id.
	ErrNotFound = persistence.ErrOperationNotFound
	// ErrDuplicateID reports an id collision on create. Ids are unique by
	// construction, so this signals a bug rather than a recoverable state.
	ErrDuplicateID = persistence.ErrDuplicateOperation
	// ErrTerminal is returned by Start when the record already finished.
	ErrTerminal = errors.New("operation already terminal")
	// ErrInvalidTransition is returned by Complete and Fail on a record that
	// never started.
	ErrInvalidTransition = errors.New("invalid operation transition")
)

// PersistenceError wraps a store failure that is neither a missing record
// nor an id collision. It is never retried by this package.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("operations: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrOperationNotFound),
		errors.Is(err, persistence.ErrDuplicateOperation):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, persistence.ErrIllegalTransition):
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidTransition, err)
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}
