package models

import "errors"

// Error taxonomy for the dispatch and settlement paths. Dispatch-local
// conditions (conflict, expiry) are recovered by retrying the next
// candidate; the rest surface to the caller.
var (
	ErrStaleLocation      = errors.New("driver location is stale")
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrQuotaExhausted     = errors.New("subscription quota exhausted")
	ErrAssignmentConflict = errors.New("assignment version conflict")
	ErrOfferExpired       = errors.New("offer expired")
	ErrInvalidZone        = errors.New("invalid or inactive service zone")
	ErrEscrowTerminal     = errors.New("escrow transaction already terminal")
	ErrEscrowDisputed     = errors.New("escrow transaction is disputed")
	ErrPaymentHoldFailed  = errors.New("payment hold failed")
	ErrRequestNotFound    = errors.New("request not found")
	ErrOfferNotFound      = errors.New("offer not found")
	ErrEscrowNotFound     = errors.New("escrow transaction not found")
	ErrRequestTerminal    = errors.New("request already terminal")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrBadAmountSplit     = errors.New("escrow amounts do not sum to total")
	ErrNoSubscription     = errors.New("no active subscription")
)
