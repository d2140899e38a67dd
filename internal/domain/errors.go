package domain

import "errors"

// Stable failure kinds. Callers match with errors.Is and map them onto
// HTTP statuses at the server boundary; phases store the formatted
// message on the job context.
var (
	// ErrInvalidInput covers malformed wallets, missing required fields
	// and empty promo codes.
	ErrInvalidInput = errors.New("invalid_input")

	// ErrAuthorizationRejected covers expired, exhausted or already
	// redeemed promo codes and certified-record mismatches.
	ErrAuthorizationRejected = errors.New("authorization_rejected")

	// ErrSourceUnavailable means every provider in a macro domain
	// failed; retryable within the phase.
	ErrSourceUnavailable = errors.New("source_unavailable")

	// ErrMacroDataUnusable means the retry budget is exhausted and no
	// acceptable last-known-good snapshot exists.
	ErrMacroDataUnusable = errors.New("macro_data_unusable")

	// ErrSchemaValidation means a phase output failed validation after
	// the single sanitisation retry.
	ErrSchemaValidation = errors.New("schema_validation")

	// ErrPaymentNotConfirmed means the payment deadline elapsed with no
	// matching Transfer log.
	ErrPaymentNotConfirmed = errors.New("payment_not_confirmed")

	// ErrTransactionReused means a single-use transaction hash is
	// already bound to a different decision.
	ErrTransactionReused = errors.New("transaction_reused")

	// ErrAgentUnavailable means wallet or agent initialisation failed.
	ErrAgentUnavailable = errors.New("agent_unavailable")

	// ErrWebhookFailure means the AAA dispatch returned non-2xx or
	// timed out. Phase 6 still completes.
	ErrWebhookFailure = errors.New("webhook_failure")
)
