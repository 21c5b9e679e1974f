package sync

import (
	"errors"
	"fmt"
)

// ErrContractViolation is matched by every *ContractError.
var ErrContractViolation = errors.New("contract violation")

var (
	// ErrDirtyPull means a strict pull found dirty rows in the local store.
	ErrDirtyPull = errors.New("pull into a repo with dirty rows")

	// ErrDeletedInsert means a deleted item was passed to a master's
	// InsertOrReplace instead of DeleteByPk.
	ErrDeletedInsert = errors.New("deleted item passed to insert")

	// ErrSequenceExhausted means the update sequence space is used up.
	ErrSequenceExhausted = errors.New("used up all sequence numbers")

	// ErrInvalidItem means an item failed validation.
	ErrInvalidItem = errors.New("invalid item")
)

// ErrResyncInProgress is returned by a mirror asked to serve pages while
// its own resync has not finished. Callers retry later.
var ErrResyncInProgress = errors.New("mirror is resyncing")

// ContractError reports a caller or adapter bug. Coordinators panic with it;
// it is never returned as a regular error.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation in %s: %v", e.Op, e.Err)
}

func (e *ContractError) Unwrap() []error {
	return []error{ErrContractViolation, e.Err}
}

func violate(op string, err error) {
	panic(&ContractError{Op: op, Err: err})
}
