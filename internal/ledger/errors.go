package ledger

import "errors"

// Every failure rejects the whole operation; no partial state survives.
var (
	// Authorization
	ErrUnauthorized = errors.New("caller not authorized")

	// Not found
	ErrInvalidProviderID    = errors.New("invalid provider id")
	ErrInvalidSubscriberID  = errors.New("invalid subscriber id")
	ErrInactiveSubscription = errors.New("subscription not active")

	// Conflicts
	ErrProviderAlreadyRegistered   = errors.New("provider already registered")
	ErrSubscriberAlreadyRegistered = errors.New("subscriber already registered")
	ErrSubscriptionAlreadyActive   = errors.New("subscription already active")
	ErrPermitAlreadyUsed           = errors.New("permit signature already used")

	// Validation
	ErrFeeBelowMinimum     = errors.New("fee below minimum")
	ErrDepositBelowMinimum = errors.New("deposit below minimum")
	ErrInvalidMaxProviders = errors.New("max provider count below current count")
	ErrInvalidStatus       = errors.New("invalid provider status")
	ErrWrongNetwork        = errors.New("wrong network id")
	ErrInvalidPermit       = errors.New("invalid permit signature")
	ErrAmountOverflow      = errors.New("amount overflows 64-bit balance")

	// State
	ErrProviderLimitReached = errors.New("provider limit reached")
	ErrProviderInactive     = errors.New("provider not active")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrEarlyClaim           = errors.New("claim period not elapsed")
	ErrLedgerPaused         = errors.New("ledger paused")

	// External collaborators
	ErrTransferFailed = errors.New("value transfer failed")
)
