package payments

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/core/types"
)

// AuthorizationTarget is the component name presented to the authorization
// gate for processor administration.
const AuthorizationTarget = "payments"

const (
	OpEnableServiceMode  = "enableServiceMode"
	OpDisableServiceMode = "disableServiceMode"
	OpApprove            = "approve"
	OpRevoke             = "revoke"

	EventTypeServiceMode = "payments.service_mode"
	EventTypeApproval    = "payments.approval"
)

var (
	ErrAccessDenied = errors.New("payments: access denied")
	ErrInvalidJob   = errors.New("payments: job id must be non-zero")
	errNilState     = errors.New("payments: state not configured")

	serviceModeKey = []byte("payments/service-mode")
	approvalPrefix = []byte("payments/approval/")
)

// Authorizer answers whether caller may invoke selector on target.
type Authorizer interface {
	CanCall(caller common.Address, target, selector string) bool
}

type paymentEvent struct{ evt *types.Event }

func (p paymentEvent) EventType() string   { return p.evt.Type }
func (p paymentEvent) Event() *types.Event { return p.evt }

// Processor is the payment authorization gate. While service mode is enabled,
// every fund-affecting job operation needs an explicit approval for that job.
type Processor struct {
	mu      sync.RWMutex
	kv      state.KV
	auth    Authorizer
	emitter events.Emitter
}

// NewProcessor returns a processor persisted in kv and administered through
// auth. A nil emitter discards events.
func NewProcessor(kv state.KV, auth Authorizer, emitter events.Emitter) *Processor {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Processor{kv: kv, auth: auth, emitter: emitter}
}

func approvalKey(jobID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", approvalPrefix, jobID))
}

func (p *Processor) authorize(caller common.Address, selector string) error {
	if p == nil || p.kv == nil {
		return errNilState
	}
	if p.auth == nil || !p.auth.CanCall(caller, AuthorizationTarget, selector) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, selector)
	}
	return nil
}

// EnableServiceMode switches the processor into restrictive mode.
func (p *Processor) EnableServiceMode(caller common.Address) error {
	return p.setServiceMode(caller, OpEnableServiceMode, true)
}

// DisableServiceMode implicitly approves every payment again.
func (p *Processor) DisableServiceMode(caller common.Address) error {
	return p.setServiceMode(caller, OpDisableServiceMode, false)
}

func (p *Processor) setServiceMode(caller common.Address, selector string, enabled bool) error {
	if err := p.authorize(caller, selector); err != nil {
		return err
	}
	p.mu.Lock()
	err := p.kv.KVPut(serviceModeKey, enabled)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emitter.Emit(paymentEvent{evt: &types.Event{
		Type:       EventTypeServiceMode,
		Attributes: map[string]string{"enabled": strconv.FormatBool(enabled)},
	}})
	return nil
}

// ApplyServiceMode sets the stored flag without an authorization check. It is
// intended for start-up configuration only and emits no event.
func (p *Processor) ApplyServiceMode(enabled bool) error {
	if p == nil || p.kv == nil {
		return errNilState
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kv.KVPut(serviceModeKey, enabled)
}

// Approve allows fund-affecting operations on the job while service mode is
// enabled.
func (p *Processor) Approve(caller common.Address, jobID uint64) error {
	return p.setApproval(caller, OpApprove, jobID, true)
}

// Revoke withdraws a previous approval.
func (p *Processor) Revoke(caller common.Address, jobID uint64) error {
	return p.setApproval(caller, OpRevoke, jobID, false)
}

func (p *Processor) setApproval(caller common.Address, selector string, jobID uint64, approved bool) error {
	if err := p.authorize(caller, selector); err != nil {
		return err
	}
	if jobID == 0 {
		return ErrInvalidJob
	}
	p.mu.Lock()
	var err error
	if approved {
		err = p.kv.KVPut(approvalKey(jobID), true)
	} else {
		err = p.kv.KVDelete(approvalKey(jobID))
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.emitter.Emit(paymentEvent{evt: &types.Event{
		Type: EventTypeApproval,
		Attributes: map[string]string{
			"jobId":    strconv.FormatUint(jobID, 10),
			"approved": strconv.FormatBool(approved),
		},
	}})
	return nil
}

// IsServiceModeEnabled reports whether approvals are required. Read failures
// report true so that payments fail closed.
func (p *Processor) IsServiceModeEnabled() bool {
	if p == nil || p.kv == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var enabled bool
	ok, err := p.kv.KVGet(serviceModeKey, &enabled)
	if err != nil {
		return true
	}
	return ok && enabled
}

// IsApproved reports whether the job holds an explicit approval.
func (p *Processor) IsApproved(jobID uint64) bool {
	if p == nil || p.kv == nil || jobID == 0 {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var approved bool
	ok, err := p.kv.KVGet(approvalKey(jobID), &approved)
	return err == nil && ok && approved
}
