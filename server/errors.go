package server

import (
	"errors"
	"fmt"
)

var (
	errNotReady             = errors.New("relay not ready")
	errInvalidRequest       = errors.New("invalid relay request")
	errFeeTooLow            = errors.New("relay fee too low")
	errGasPriceTooLow       = errors.New("gas price too low")
	errCanRelayFailed       = errors.New("canRelay failed")
	errServerAlreadyRunning = errors.New("server already running")
	errMissingKey           = errors.New("relay key is required")
	errMissingHub           = errors.New("hub is required")
)

// RejectionError is a relay request refused by one of the server's checks.
// It is reported to the client and never treated as a server fault.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(err error, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: fmt.Sprintf(format, args...), Err: err}
}
