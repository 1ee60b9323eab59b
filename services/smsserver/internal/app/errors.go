package app

import (
	"errors"

	"smsinbox/services/smsserver/internal/gateway"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrAmbiguous    = errors.New("ambiguous prefix")
	ErrUnauthorized = errors.New("Unauthorized")

	// ErrNoDevice is returned by sends in private mode before any registration.
	ErrNoDevice = gateway.ErrNoDevice
)

// UpstreamError is a failed proxy call; see gateway.UpstreamError.
type UpstreamError = gateway.UpstreamError

// validationError carries a client-facing message and matches ErrValidation.
type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Is(target error) bool { return target == ErrValidation }

func invalid(msg string) error {
	return validationError{msg: msg}
}

// notFoundError carries a client-facing message and matches ErrNotFound.
type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func (e notFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(msg string) error {
	return notFoundError{msg: msg}
}
