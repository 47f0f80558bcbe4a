package ap2

import "errors"

// Standard error definitions

var (
	// ErrInvalidAddress indicates a malformed account identifier.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidAmount indicates a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidKey indicates an invalid or missing signing key.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates an unreadable or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidThreshold indicates a batch threshold below 1.
	ErrInvalidThreshold = errors.New("batch threshold must be at least 1")

	// ErrMandateExpired indicates the mandate's expiry is in the past.
	ErrMandateExpired = errors.New("mandate expired")

	// ErrMandateNotSigned indicates an operation that requires an active mandate.
	ErrMandateNotSigned = errors.New("mandate not signed")

	// ErrSignatureMismatch indicates the recovered signer does not match the payer.
	ErrSignatureMismatch = errors.New("signature does not match user address")

	// ErrBatchNotFound indicates an unknown batch identifier.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchFinalized indicates a transition out of a terminal batch status.
	ErrBatchFinalized = errors.New("batch already finalized")

	// ErrEventNotFound indicates an unknown event identifier.
	ErrEventNotFound = errors.New("event not found")

	// ErrFacilitatorUnavailable indicates the facilitator service is unreachable.
	ErrFacilitatorUnavailable = errors.New("facilitator unavailable")

	// ErrSettlementFailed indicates the facilitator rejected or failed the settlement.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrConfirmationTimeout indicates the on-chain confirmation wait timed out.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
)
