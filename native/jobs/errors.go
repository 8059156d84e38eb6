package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected classifies failures that leave state untouched and are
	// reported to callers as a plain "no". Every rejection sentinel below
	// satisfies errors.Is(err, ErrRejected).
	ErrRejected = errors.New("jobs: rejected")
	// ErrFatal classifies failures that abort the operation with an error.
	ErrFatal = errors.New("jobs: fatal")
)

type tieredError struct {
	tier error
	msg  string
}

func (e *tieredError) Error() string { return e.msg }

func (e *tieredError) Is(target error) bool { return target == e.tier }

func rejection(msg string) error { return &tieredError{tier: ErrRejected, msg: "jobs: " + msg} }

func fatal(msg string) error { return &tieredError{tier: ErrFatal, msg: "jobs: " + msg} }

var (
	ErrInvalidSkillMask    = rejection("invalid skill requirement")
	ErrUnsupportedCurrency = rejection("unsupported currency")
	ErrInvalidTerms        = rejection("rate and estimate must be non-zero")
	ErrLockOverflow        = rejection("lock amount overflows")
	ErrSkillsMismatch      = rejection("worker skills do not match job")
	ErrJobNotFound         = rejection("job not found")
	ErrOfferNotFound       = rejection("offer not found")
	ErrInvalidState        = rejection("operation not allowed in current state")
	ErrUnauthorizedCaller  = rejection("caller not allowed for this job")
	ErrAlreadyPaused       = rejection("work already paused")
	ErrNotPaused           = rejection("work is not paused")
	ErrZeroMinutes         = rejection("additional minutes must be non-zero")
	ErrInvalidCaller       = rejection("caller must be a non-zero account")

	ErrInsufficientFunds = fatal("insufficient client balance")
	ErrPaymentNotAllowed = fatal("payment not approved")
	ErrAccessDenied      = fatal("access denied")
	ErrArithmetic        = fatal("amount overflow")
	ErrStorage           = fatal("state storage failure")
)

// IsRejection reports whether err belongs to the rejection tier.
func IsRejection(err error) bool { return errors.Is(err, ErrRejected) }

// IsFatal reports whether err belongs to the fatal tier.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
