package activitypub

import (
	"errors"
	"fmt"
)

var (
	ErrSignatureMissing      = errors.New("signature missing")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrInvalidActor          = errors.New("invalid actor")
	ErrActorResolutionFailed = errors.New("actor resolution failed")
	ErrMalformedActor        = fmt.Errorf("%w: malformed actor document", ErrActorResolutionFailed)
	ErrUnsupportedActivity   = errors.New("unsupported activity")
	ErrDeliveryFailed        = errors.New("delivery failed")
	// ErrBlocked marks a deliberate drop, not a failure
	ErrBlocked = errors.New("blocked")
)

// DeliveryError is returned when a remote inbox answered with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("remote server returned status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return ErrDeliveryFailed
}
