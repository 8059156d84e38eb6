package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/core/types"
	"jobescrow/native/ledger"
)

var (
	errNilState = errors.New("jobs engine: state not configured")

	jobPrefix   = []byte("jobs/job/")
	offerPrefix = []byte("jobs/offer/")
	counterKey  = []byte("jobs/meta/count")
)

// Config carries the collaborators injected at construction.
type Config struct {
	Authorization AuthorizationGate
	Payments      PaymentGate
	Skills        SkillLookup
	Currencies    CurrencyRegistry
	Emitter       events.Emitter
	Observer      OperationObserver
	Logger        *slog.Logger
	// WorkflowAuthorization makes every workflow operation consult the
	// authorization gate in addition to the per-job caller checks.
	WorkflowAuthorization bool
}

// Engine is the job and offer state machine. All operations are serialised by
// a single mutex and commit their job and ledger writes through one state
// transaction, so an operation either applies in full or not at all.
type Engine struct {
	mu           sync.Mutex
	state        *state.Manager
	auth         AuthorizationGate
	payments     PaymentGate
	skills       SkillLookup
	currencies   CurrencyRegistry
	emitter      events.Emitter
	observer     OperationObserver
	logger       *slog.Logger
	workflowAuth bool
	nowFn        func() int64
}

// NewEngine creates a jobs engine operating on the supplied state manager.
func NewEngine(mgr *state.Manager, cfg Config) *Engine {
	e := &Engine{
		state:        mgr,
		auth:         cfg.Authorization,
		payments:     cfg.Payments,
		skills:       cfg.Skills,
		currencies:   cfg.Currencies,
		emitter:      events.NoopEmitter{},
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		workflowAuth: cfg.WorkflowAuthorization,
		nowFn:        func() int64 { return time.Now().Unix() },
	}
	if cfg.Emitter != nil {
		e.emitter = cfg.Emitter
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// SetPaymentGate replaces the payment authorization gate. The caller must be
// allowed to invoke setPaymentGate on the jobs component.
func (e *Engine) SetPaymentGate(caller common.Address, gate PaymentGate) error {
	return e.configure(caller, OpSetPaymentGate, func() { e.payments = gate })
}

// SetSkillLookup replaces the skill lookup consulted at offer posting.
func (e *Engine) SetSkillLookup(caller common.Address, lookup SkillLookup) error {
	return e.configure(caller, OpSetSkillLookup, func() { e.skills = lookup })
}

// SetCurrencyRegistry replaces the currency registry consulted at offer
// posting.
func (e *Engine) SetCurrencyRegistry(caller common.Address, registry CurrencyRegistry) error {
	return e.configure(caller, OpSetCurrencyRegistry, func() { e.currencies = registry })
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(caller common.Address, emitter events.Emitter) error {
	return e.configure(caller, OpSetEmitter, func() {
		if emitter == nil {
			e.emitter = events.NoopEmitter{}
			return
		}
		e.emitter = emitter
	})
}

func (e *Engine) configure(caller common.Address, selector string, apply func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canCall(caller, selector) {
		e.logger.Warn("jobs configuration denied", slog.String("caller", addressHex(caller)), slog.String("op", selector))
		return fmt.Errorf("%w: %s", ErrAccessDenied, selector)
	}
	apply()
	e.logger.Info("jobs configuration updated", slog.String("caller", addressHex(caller)), slog.String("op", selector))
	return nil
}

func (e *Engine) canCall(caller common.Address, selector string) bool {
	return e.auth != nil && e.auth.CanCall(caller, AuthorizationTarget, selector)
}

func (e *Engine) paymentAllowed(jobID uint64) bool {
	if e.payments == nil || !e.payments.IsServiceModeEnabled() {
		return true
	}
	return e.payments.IsApproved(jobID)
}

func (e *Engine) emit(evt *types.Event) {
	if evt == nil || e.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("jobs event emitter panicked", slog.String("type", evt.Type), slog.Any("panic", r))
		}
	}()
	e.emitter.Emit(jobEvent{evt: evt})
}

// OperationObserver receives the outcome of every engine operation.
type OperationObserver interface {
	ObserveOperation(op, outcome string, duration time.Duration)
}

func (e *Engine) observe(op string, started time.Time, err error) {
	if e.observer == nil {
		return
	}
	outcome := "applied"
	switch {
	case IsRejection(err):
		outcome = "rejected"
	case err != nil:
		outcome = "fatal"
	}
	e.observer.ObserveOperation(op, outcome, time.Since(started))
}

// txn is the per-operation view handed to workflow steps.
type txn struct {
	kv     *state.Tx
	ledger *ledger.Ledger
	now    uint64
	events []*types.Event
}

func (t *txn) emit(evt *types.Event) { t.events = append(t.events, evt) }

// run executes a workflow operation. See apply.
func (e *Engine) run(op string, caller common.Address, fn func(*txn) error) error {
	return e.apply(op, caller, e.workflowAuth, fn)
}

// apply executes fn inside a state transaction under the engine lock. Writes
// are committed only when fn succeeds; events are delivered after the commit.
func (e *Engine) apply(op string, caller common.Address, authorize bool, fn func(*txn) error) (err error) {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	started := time.Now()
	defer func() { e.observe(op, started, err) }()
	if authorize && !e.canCall(caller, op) {
		e.logger.Warn("jobs operation denied", slog.String("op", op), slog.String("caller", addressHex(caller)))
		return fmt.Errorf("%w: %s", ErrAccessDenied, op)
	}
	tx := e.state.Begin()
	t := &txn{kv: tx, ledger: ledger.New(tx), now: e.now()}
	if err := fn(t); err != nil {
		tx.Discard()
		e.logger.Debug("jobs operation failed", slog.String("op", op), slog.String("caller", addressHex(caller)), slog.Any("error", err))
		return err
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("jobs commit failed", slog.String("op", op), slog.Any("error", err))
		return storageErr(err)
	}
	e.logger.Debug("jobs operation applied", slog.String("op", op), slog.String("caller", addressHex(caller)))
	for _, evt := range t.events {
		e.emit(evt)
	}
	return nil
}

func jobKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", jobPrefix, id))
}

func offerJobPrefix(jobID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", offerPrefix, jobID))
}

func offerKey(jobID uint64, worker common.Address) []byte {
	return append(offerJobPrefix(jobID), addressHex(worker)[2:]...)
}

func loadJob(kv state.KV, id uint64) (*Job, error) {
	if id == 0 {
		return nil, ErrJobNotFound
	}
	job := new(Job)
	ok, err := kv.KVGet(jobKey(id), job)
	if err != nil {
		return nil, storageErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	job.sanitize()
	return job, nil
}

func storeJob(kv state.KV, job *Job) error {
	return storageErr(kv.KVPut(jobKey(job.ID), job))
}

func loadOffer(kv state.KV, jobID uint64, worker common.Address) (*Offer, error) {
	offer := new(Offer)
	ok, err := kv.KVGet(offerKey(jobID, worker), offer)
	if err != nil {
		return nil, storageErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %d worker %s", ErrOfferNotFound, jobID, addressHex(worker))
	}
	offer.Rate = cloneAmount(offer.Rate)
	offer.OnTop = cloneAmount(offer.OnTop)
	return offer, nil
}

func jobsCount(kv state.KV) (uint64, error) {
	var count uint64
	if _, err := kv.KVGet(counterKey, &count); err != nil {
		return 0, storageErr(err)
	}
	return count, nil
}

// Job returns a copy of the stored job.
func (e *Engine) Job(id uint64) (*Job, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return loadJob(e.state, id)
}

// GetJobState returns the current lifecycle state of the job. Unknown jobs
// report JobStateUnknown together with ErrJobNotFound.
func (e *Engine) GetJobState(id uint64) (JobState, error) {
	job, err := e.Job(id)
	if err != nil {
		return JobStateUnknown, err
	}
	return job.State, nil
}

// Offer returns the offer the worker posted for the job.
func (e *Engine) Offer(jobID uint64, worker common.Address) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return loadOffer(e.state, jobID, worker)
}

// Offers lists every offer posted for the job ordered by worker address.
func (e *Engine) Offers(jobID uint64) ([]*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := loadJob(e.state, jobID); err != nil {
		return nil, err
	}
	var (
		out     []*Offer
		decodeE error
	)
	err := e.state.KVIterate(offerJobPrefix(jobID), func(_, value []byte) bool {
		offer := new(Offer)
		if err := rlp.DecodeBytes(value, offer); err != nil {
			decodeE = err
			return false
		}
		out = append(out, offer.Clone())
		return true
	})
	if err == nil {
		err = decodeE
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// JobsCount returns the number of jobs ever posted, which is also the highest
// assigned id.
func (e *Engine) JobsCount() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return jobsCount(e.state)
}

// BalanceOf reports the ledger balance of an owner.
func (e *Engine) BalanceOf(owner ledger.Owner, currency string) (*uint256.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return ledger.New(e.state).BalanceOf(owner, currency)
}

// Deposit credits the account with funds arriving from outside the ledger.
// It runs under the engine lock so it never interleaves with a workflow
// operation touching the same balance.
func (e *Engine) Deposit(account common.Address, currency string, amount *uint256.Int) error {
	return e.apply("deposit", account, false, func(t *txn) error {
		return t.ledger.Deposit(ledger.UserOwner(account), currency, amount)
	})
}

// Withdraw debits the account for funds leaving the ledger.
func (e *Engine) Withdraw(account common.Address, currency string, amount *uint256.Int) error {
	return e.apply("withdraw", account, false, func(t *txn) error {
		return t.ledger.Withdraw(ledger.UserOwner(account), currency, amount)
	})
}
