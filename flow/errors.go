package flow

import (
	"errors"
	"fmt"
)

var (
	ErrStale     = errors.New("stale flow generation")
	ErrTransient = errors.New("transient flow failure")
	ErrPermanent = errors.New("permanent flow failure")

	ErrClosed          = errors.New("flow closed")
	ErrReconnecting    = errors.New("flow reconnecting")
	ErrUnknownDelivery = errors.New("unknown delivery id")
)

// Outcome is the result class of a settlement operation.
type Outcome uint8

const (
	Success Outcome = iota
	Stale
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Stale:
		return "stale"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Transient marks err as recoverable by retrying later.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent marks err as not recoverable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Classify maps err to an Outcome. Errors that are not explicitly marked as
// stale or transient are permanent.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrStale):
		return Stale
	case errors.Is(err, ErrTransient):
		return TransientFailure
	default:
		return PermanentFailure
	}
}

func IsTransient(err error) bool {
	return Classify(err) == TransientFailure
}
