package jobs

import "github.com/ethereum/go-ethereum/common"

// AuthorizationTarget is the component name the engine presents to the
// authorization gate.
const AuthorizationTarget = "jobs"

// AuthorizationGate answers whether caller may invoke selector on target.
type AuthorizationGate interface {
	CanCall(caller common.Address, target, selector string) bool
}

// PaymentGate is consulted before any fund-affecting operation. While service
// mode is disabled every payment is implicitly approved.
type PaymentGate interface {
	IsServiceModeEnabled() bool
	IsApproved(jobID uint64) bool
}

// SkillLookup reports whether a worker holds the requested skills within an
// area and category.
type SkillLookup interface {
	HasSkills(worker common.Address, area, category, skills uint64) bool
}

// CurrencyRegistry reports whether a currency may be used for new offers.
type CurrencyRegistry interface {
	IsSupported(currency string) bool
}

// AuthorizationFunc adapts a function to AuthorizationGate.
type AuthorizationFunc func(caller common.Address, target, selector string) bool

// CanCall implements AuthorizationGate.
func (f AuthorizationFunc) CanCall(caller common.Address, target, selector string) bool {
	return f != nil && f(caller, target, selector)
}

// Operation selectors presented to the authorization gate.
const (
	OpPostJob             = "postJob"
	OpPostJobOffer        = "postJobOffer"
	OpAcceptOffer         = "acceptOffer"
	OpStartWork           = "startWork"
	OpConfirmStartWork    = "confirmStartWork"
	OpPauseWork           = "pauseWork"
	OpResumeWork          = "resumeWork"
	OpAddMoreTime         = "addMoreTime"
	OpEndWork             = "endWork"
	OpConfirmEndWork      = "confirmEndWork"
	OpReleasePayment      = "releasePayment"
	OpCancelJob           = "cancelJob"
	OpSetPaymentGate      = "setPaymentGate"
	OpSetSkillLookup      = "setSkillLookup"
	OpSetCurrencyRegistry = "setCurrencyRegistry"
	OpSetEmitter          = "setEmitter"
)
