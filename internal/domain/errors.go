package domain

import "errors"

// Failure taxonomy for reconciliation and validation cycles
var (
	// ErrSourceUnavailable means the roster could not be fetched or decoded.
	// The cycle is abandoned; the next scheduled cycle runs normally.
	ErrSourceUnavailable = errors.New("roster source unavailable")

	// ErrRecordSkipped marks a single roster record or requirement that could
	// not be used. The batch continues without it.
	ErrRecordSkipped = errors.New("record skipped")

	// ErrStoreError wraps a failed store operation for one unit of work.
	ErrStoreError = errors.New("store operation failed")

	// ErrEntitlementMutationFailed is reported after the bounded retry gives up.
	ErrEntitlementMutationFailed = errors.New("entitlement mutation failed")
)

// Domain errors
var (
	ErrMemberNotFound        = errors.New("member not found")
	ErrRankNotFound          = errors.New("rank not found")
	ErrIdentityNotLinked     = errors.New("identity not linked to a character")
	ErrIdentityNotFound      = errors.New("identity not found on provider")
	ErrDuplicateIdentity     = errors.New("character already linked to another identity")
	ErrInvalidRequirement    = errors.New("invalid rank requirement")
	ErrRequirementNotFound   = errors.New("rank requirement not found")
	ErrInsufficientAllowance = errors.New("not enough points left to give")
	ErrSelfAward             = errors.New("cannot award points to yourself")
	ErrWeeklyRecipientCap    = errors.New("weekly points cap for this recipient reached")
	ErrNegativeBalance       = errors.New("cannot remove more points than the member has")
	ErrNotPermitted          = errors.New("operation not permitted")
	ErrAlreadyClaimed        = errors.New("reward already claimed in this window")
	ErrDuplicateEvent        = errors.New("points event already applied")
	ErrClaimWindowFull       = errors.New("reward claim window is full")
	ErrUnknownJob            = errors.New("unknown job")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInternalError         = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrRankNotFound) ||
		errors.Is(err, ErrIdentityNotLinked) ||
		errors.Is(err, ErrRequirementNotFound)
}

// IsRejection reports whether err is a business-rule rejection that should
// be shown to the caller rather than logged as a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientAllowance) ||
		errors.Is(err, ErrSelfAward) ||
		errors.Is(err, ErrWeeklyRecipientCap) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrInvalidRequirement)
}
