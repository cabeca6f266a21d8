package cloud

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/JustinTimperio/SpotFly/internal/state"
)

// Error is a provider failure classified into one of the status entry
// kinds. The reconciler turns these directly into journal entries.
type Error struct {
	Type state.StatusEntryType
	Err  error
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err under the given classification.
func NewError(entryType state.StatusEntryType, err error) *Error {
	return &Error{Type: entryType, Err: err}
}

// Classify maps a raw provider error onto a classified Error. Already
// classified errors pass through unchanged.
func Classify(err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "MaxSpotInstanceCountExceeded":
			return NewError(state.EntryMaxSpotExceeded, err)
		case "RequestLimitExceeded", "Unavailable", "ServiceUnavailable", "InternalError", "RequestExpired":
			return NewError(state.EntryTemporaryFailure, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(state.EntryTemporaryFailure, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(state.EntryTemporaryFailure, err)
	}
	if strings.Contains(err.Error(), "Service Unavailable") {
		return NewError(state.EntryTemporaryFailure, err)
	}

	return NewError(state.EntryUnclassified, err)
}

// Critical reports whether the classification requires operator
// intervention. Quota and transient failures clear themselves on the next
// successful launch, and price-too-low does not halt the pool either;
// everything else halts the pool.
func (e *Error) Critical() bool {
	switch e.Type {
	case state.EntryMaxSpotExceeded, state.EntryTemporaryFailure, state.EntryPriceTooLow:
		return false
	}
	return true
}
