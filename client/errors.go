package client

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/gsn-relay/types"
)

// RelayError records why a single candidate relay was discarded
type RelayError struct {
	URL     string
	Address common.Address
	Err     error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s (%s): %v", e.URL, e.Address.Hex(), e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// NoRelayResponded is returned once every discovered candidate has been tried without success.
// Errors holds the per-candidate failures in the order they happened.
type NoRelayResponded struct {
	Attempted int
	Pinged    int
	Errors    []error
}

func (e *NoRelayResponded) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: attempted %d, pinged %d: [%s]", types.ErrNoRelayResponded, e.Attempted, e.Pinged, strings.Join(msgs, "; "))
}

func (e *NoRelayResponded) Unwrap() []error {
	return append([]error{types.ErrNoRelayResponded}, e.Errors...)
}
