package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSerial = errors.New("card serial is required")
	ErrInvalidCardID = errors.New("card_id is required")
	ErrInvalidResult = errors.New("unknown scan result")
	ErrNoOperator    = errors.New("operator is required")

	// ErrAmbiguousWrite wraps a write whose outcome cannot be trusted. It is
	// resolved by a verification read, never by repeating the write.
	ErrAmbiguousWrite = errors.New("ambiguous write")

	// ErrNotFoundAfterWrite: the verification read did not find a record
	// that the preceding write should have produced.
	ErrNotFoundAfterWrite = errors.New("record not found after write")

	// ErrAmbiguousResolution: a human-entered lookup key matched zero or
	// several customers. The operator can retry with a corrected value.
	ErrAmbiguousResolution = errors.New("ambiguous customer resolution")

	// ErrStaleResponse marks a response to a superseded request. It is
	// dropped and never shown to the operator.
	ErrStaleResponse = errors.New("stale response")

	ErrInvalidTransition = errors.New("invalid provisioning transition")
	ErrNoSession         = errors.New("no provisioning session for serial")
	ErrAlreadyAssigned   = errors.New("card already assigned")
)

// ResolutionError reports how many customers matched Query.
type ResolutionError struct {
	Query   string
	Matches int
}

func (e *ResolutionError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("no customer matches %q", e.Query)
	}
	return fmt.Sprintf("%d customers match %q", e.Matches, e.Query)
}

func (e *ResolutionError) Is(target error) bool { return target == ErrAmbiguousResolution }
