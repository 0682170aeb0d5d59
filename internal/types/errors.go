package types

import "errors"

// Pipeline error taxonomy. Every error surfaced by the proof/submission
// pipeline wraps exactly one of these sentinels so callers can decide
// retry policy with errors.Is instead of string matching.
var (
	// ErrInvalidInput rejects a request before any external call is made.
	// User-correctable (malformed address, non-positive or over-limit amount).
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedAddress is a specialization of invalid input for hex
	// address parsing failures.
	ErrMalformedAddress = errors.New("malformed address")

	// ErrFieldOverflow means a value does not fit in the proving field.
	ErrFieldOverflow = errors.New("value exceeds field modulus")

	// ErrProvingService wraps compile/witness/setup/prove failures from the
	// external prover. Retryable: no on-chain state has changed.
	ErrProvingService = errors.New("proving service error")

	// ErrProofInvalid means local verification of a freshly generated proof
	// failed. Fatal, never retried: it indicates a circuit/key mismatch and
	// must halt the pipeline before any chain call.
	ErrProofInvalid = errors.New("proof verification failed")

	// ErrOutputParse means the prover returned outputs of an unexpected
	// shape for the operation. Fatal for the request (contract drift).
	ErrOutputParse = errors.New("unexpected prover output")

	// ErrChainSubmission wraps submission or confirmation failures. Not
	// retried automatically: the caller must check whether the transaction
	// landed before resubmitting, or it risks double-spending a commitment.
	ErrChainSubmission = errors.New("chain submission failed")

	// ErrConfirmationTimeout is distinct from submission failure: the
	// transaction was sent and may still confirm later. The record must not
	// be marked updated until confirmation is actually observed.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrConcurrentModification means the record changed between read and
	// write. Retryable by re-reading and re-running the whole pipeline.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrPersistence after a confirmed chain success is the most severe
	// class: on-chain and off-chain views have diverged and need
	// reconciliation. Never swallowed.
	ErrPersistence = errors.New("persistence error")
)
