package types

import "errors"

var (
	// ErrNetworkTimeout is returned when a relay did not answer within the request timeout.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrInvalidResponse is returned for malformed responses or responses with missing fields.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrSignatureMismatch is returned when a recovered signer does not match the claimed one.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrNonceExceeded is returned when a relay transaction nonce is above the agreed maximum.
	ErrNonceExceeded = errors.New("relay nonce exceeded")

	// ErrInsufficientStakeOrBalance is returned when a stake, balance or deposit is below the required amount.
	ErrInsufficientStakeOrBalance = errors.New("insufficient stake or balance")

	// ErrChainRPCFailure is returned when a ledger RPC call fails.
	ErrChainRPCFailure = errors.New("chain rpc failure")

	// ErrConfigMismatch is returned when a request targets a different hub or configuration.
	ErrConfigMismatch = errors.New("config mismatch")

	// ErrAmbiguousSignatureEncoding is returned when a recovery id cannot be normalized unambiguously.
	ErrAmbiguousSignatureEncoding = errors.New("ambiguous signature encoding")

	// ErrNoValidRelays is returned when discovery yields no relay passing the filter.
	ErrNoValidRelays = errors.New("no valid relays")

	// ErrNoRelayResponded is returned when every candidate relay failed.
	ErrNoRelayResponded = errors.New("no relay responded")
)
