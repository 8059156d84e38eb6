package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"jobescrow/native/currency"
	"jobescrow/native/ledger"
)

const maxDetailsLength = 4096

// PostJob creates a job in the CREATED state and returns its id. Invalid skill
// requirements are rejected with id 0.
func (e *Engine) PostJob(caller common.Address, area, category, skills uint64, details string) (uint64, error) {
	var id uint64
	err := e.run(OpPostJob, caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return ErrInvalidCaller
		}
		if err := ValidateRequirement(area, category, skills); err != nil {
			return err
		}
		details = strings.TrimSpace(details)
		if len(details) > maxDetailsLength {
			details = details[:maxDetailsLength]
		}
		count, err := jobsCount(t.kv)
		if err != nil {
			return err
		}
		job := &Job{
			ID:           count + 1,
			Client:       caller,
			Area:         area,
			Category:     category,
			Skills:       skills,
			Details:      details,
			State:        JobStateCreated,
			Rate:         new(uint256.Int),
			OnTop:        new(uint256.Int),
			LockedAmount: new(uint256.Int),
			CreatedAt:    t.now,
		}
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		if err := t.kv.KVPut(counterKey, job.ID); err != nil {
			return storageErr(err)
		}
		id = job.ID
		t.emit(NewJobPostedEvent(job))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PostJobOffer stores the caller's offer for a job still in CREATED. A repeated
// offer from the same worker replaces the previous one.
func (e *Engine) PostJobOffer(caller common.Address, jobID uint64, cur string, rate *uint256.Int, estimate uint64, onTop *uint256.Int) error {
	return e.run(OpPostJobOffer, caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return ErrInvalidCaller
		}
		job, err := loadJob(t.kv, jobID)
		if err != nil {
			return err
		}
		if job.State != JobStateCreated {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidState, jobID, job.State)
		}
		normalized, err := currency.Normalize(cur)
		if err != nil || e.currencies == nil || !e.currencies.IsSupported(normalized) {
			return fmt.Errorf("%w: %q", ErrUnsupportedCurrency, cur)
		}
		if rate == nil || rate.IsZero() || estimate == 0 {
			return ErrInvalidTerms
		}
		bonus := cloneAmount(onTop)
		if _, err := LockAmount(rate, estimate, bonus); err != nil {
			return err
		}
		if e.skills == nil || !e.skills.HasSkills(caller, job.Area, job.Category, job.Skills) {
			return ErrSkillsMismatch
		}
		offer := &Offer{
			JobID:    jobID,
			Worker:   caller,
			Currency: normalized,
			Rate:     cloneAmount(rate),
			Estimate: estimate,
			OnTop:    bonus,
			PostedAt: t.now,
		}
		if err := t.kv.KVPut(offerKey(jobID, caller), offer); err != nil {
			return storageErr(err)
		}
		t.emit(NewOfferPostedEvent(offer))
		return nil
	})
}

// AcceptOffer copies the worker's offer onto the job and locks the worst-case
// payable amount from the client's balance.
func (e *Engine) AcceptOffer(caller common.Address, jobID uint64, worker common.Address) error {
	return e.run(OpAcceptOffer, caller, func(t *txn) error {
		job, err := e.clientJob(t, caller, jobID, JobStateCreated)
		if err != nil {
			return err
		}
		offer, err := loadOffer(t.kv, jobID, worker)
		if err != nil {
			return err
		}
		lock, err := LockAmount(offer.Rate, offer.Estimate, offer.OnTop)
		if err != nil {
			return err
		}
		if !e.paymentAllowed(jobID) {
			return fmt.Errorf("%w: lock for job %d", ErrPaymentNotAllowed, jobID)
		}
		if err := moveFunds(t.ledger, offer.Currency, ledger.Transfer{
			From: ledger.UserOwner(job.Client), To: ledger.EscrowOwner(jobID), Amount: lock,
		}); err != nil {
			return err
		}
		job.Worker = offer.Worker
		job.Currency = offer.Currency
		job.Rate = cloneAmount(offer.Rate)
		job.Estimate = offer.Estimate
		job.OnTop = cloneAmount(offer.OnTop)
		job.LockedAmount = lock
		job.State = JobStateAccepted
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewOfferAcceptedEvent(job, lock))
		return nil
	})
}

// StartWork is the worker's request to begin; the client confirms it.
func (e *Engine) StartWork(caller common.Address, jobID uint64) error {
	return e.run(OpStartWork, caller, func(t *txn) error {
		job, err := e.workerJob(t, caller, jobID, JobStateAccepted)
		if err != nil {
			return err
		}
		job.State = JobStatePendingStart
		return storeJob(t.kv, job)
	})
}

// ConfirmStartWork records the work start time.
func (e *Engine) ConfirmStartWork(caller common.Address, jobID uint64) error {
	return e.run(OpConfirmStartWork, caller, func(t *txn) error {
		job, err := e.clientJob(t, caller, jobID, JobStatePendingStart)
		if err != nil {
			return err
		}
		job.StartedAt = t.now
		job.State = JobStateStarted
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewWorkStartedEvent(job))
		return nil
	})
}

// PauseWork opens a pause. Paused time is excluded from billing.
func (e *Engine) PauseWork(caller common.Address, jobID uint64) error {
	return e.run(OpPauseWork, caller, func(t *txn) error {
		job, err := e.workerJob(t, caller, jobID, JobStateStarted)
		if err != nil {
			return err
		}
		if job.Paused {
			return ErrAlreadyPaused
		}
		job.Paused = true
		job.PausedAt = t.now
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewWorkPausedEvent(job, t.now))
		return nil
	})
}

// ResumeWork closes the open pause.
func (e *Engine) ResumeWork(caller common.Address, jobID uint64) error {
	return e.run(OpResumeWork, caller, func(t *txn) error {
		job, err := e.workerJob(t, caller, jobID, JobStateStarted)
		if err != nil {
			return err
		}
		if !job.Paused {
			return ErrNotPaused
		}
		closePause(job, t.now)
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewWorkResumedEvent(job, t.now))
		return nil
	})
}

// AddMoreTime extends the job and locks rate*minutes from the client.
func (e *Engine) AddMoreTime(caller common.Address, jobID uint64, minutes uint64) error {
	return e.run(OpAddMoreTime, caller, func(t *txn) error {
		job, err := e.clientJob(t, caller, jobID, JobStateStarted)
		if err != nil {
			return err
		}
		if minutes == 0 {
			return ErrZeroMinutes
		}
		if job.AddedMinutes > ^uint64(0)-minutes {
			return fmt.Errorf("%w: added minutes", ErrArithmetic)
		}
		extra, err := ExtensionAmount(job.Rate, minutes)
		if err != nil {
			return err
		}
		locked, overflow := new(uint256.Int).AddOverflow(job.LockedAmount, extra)
		if overflow {
			return fmt.Errorf("%w: locked amount", ErrArithmetic)
		}
		if !e.paymentAllowed(jobID) {
			return fmt.Errorf("%w: extension for job %d", ErrPaymentNotAllowed, jobID)
		}
		if err := moveFunds(t.ledger, job.Currency, ledger.Transfer{
			From: ledger.UserOwner(job.Client), To: ledger.EscrowOwner(jobID), Amount: extra,
		}); err != nil {
			return err
		}
		job.AddedMinutes += minutes
		job.LockedAmount = locked
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewTimeAddedEvent(job, minutes, extra))
		return nil
	})
}

// EndWork is the worker's request to finish. An open pause is closed first.
func (e *Engine) EndWork(caller common.Address, jobID uint64) error {
	return e.run(OpEndWork, caller, func(t *txn) error {
		job, err := e.workerJob(t, caller, jobID, JobStateStarted)
		if err != nil {
			return err
		}
		if job.Paused {
			closePause(job, t.now)
		}
		job.State = JobStatePendingFinish
		return storeJob(t.kv, job)
	})
}

// ConfirmEndWork records completion; billing stops at this timestamp.
func (e *Engine) ConfirmEndWork(caller common.Address, jobID uint64) error {
	return e.run(OpConfirmEndWork, caller, func(t *txn) error {
		job, err := e.clientJob(t, caller, jobID, JobStatePendingFinish)
		if err != nil {
			return err
		}
		job.FinishedAt = t.now
		job.State = JobStateFinished
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewWorkFinishedEvent(job))
		return nil
	})
}

// ReleasePayment pays the worker for the billed minutes and returns the rest
// of the escrow to the client. Anyone may trigger it once the job is FINISHED.
func (e *Engine) ReleasePayment(caller common.Address, jobID uint64) error {
	return e.run(OpReleasePayment, caller, func(t *txn) error {
		job, err := loadJob(t.kv, jobID)
		if err != nil {
			return err
		}
		if job.State != JobStateFinished {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidState, jobID, job.State)
		}
		if !e.paymentAllowed(jobID) {
			return fmt.Errorf("%w: release for job %d", ErrPaymentNotAllowed, jobID)
		}
		payable, err := PayableAmount(job)
		if err != nil {
			return err
		}
		refund, err := settle(t.ledger, job, payable)
		if err != nil {
			return err
		}
		job.State = JobStateFinalized
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewPaymentReleasedEvent(job, payable, refund))
		return nil
	})
}

// CancelJob terminates an accepted job, paying the worker per the
// cancellation policy and refunding the remainder to the client.
func (e *Engine) CancelJob(caller common.Address, jobID uint64) error {
	return e.run(OpCancelJob, caller, func(t *txn) error {
		job, err := loadJob(t.kv, jobID)
		if err != nil {
			return err
		}
		if caller != job.Client {
			return ErrUnauthorizedCaller
		}
		if !job.State.Cancellable() {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidState, jobID, job.State)
		}
		if !e.paymentAllowed(jobID) {
			return fmt.Errorf("%w: cancellation for job %d", ErrPaymentNotAllowed, jobID)
		}
		payout, err := CancellationPayout(job)
		if err != nil {
			return err
		}
		refund, err := settle(t.ledger, job, payout)
		if err != nil {
			return err
		}
		job.State = JobStateCancelled
		if err := storeJob(t.kv, job); err != nil {
			return err
		}
		t.emit(NewJobCancelledEvent(job, payout, refund))
		return nil
	})
}

func (e *Engine) clientJob(t *txn, caller common.Address, jobID uint64, want JobState) (*Job, error) {
	job, err := loadJob(t.kv, jobID)
	if err != nil {
		return nil, err
	}
	if caller != job.Client {
		return nil, ErrUnauthorizedCaller
	}
	if job.State != want {
		return nil, fmt.Errorf("%w: job %d is %s, want %s", ErrInvalidState, jobID, job.State, want)
	}
	return job, nil
}

func (e *Engine) workerJob(t *txn, caller common.Address, jobID uint64, want JobState) (*Job, error) {
	job, err := loadJob(t.kv, jobID)
	if err != nil {
		return nil, err
	}
	if !job.HasWorker() || caller != job.Worker {
		return nil, ErrUnauthorizedCaller
	}
	if job.State != want {
		return nil, fmt.Errorf("%w: job %d is %s, want %s", ErrInvalidState, jobID, job.State, want)
	}
	return job, nil
}

func closePause(job *Job, now uint64) {
	if now > job.PausedAt {
		job.PausedSeconds += now - job.PausedAt
	}
	job.Paused = false
	job.PausedAt = 0
}

// settle splits the whole escrow balance: payment to the worker and the rest
// back to the client. The escrow balance ends at zero.
func settle(l *ledger.Ledger, job *Job, payment *uint256.Int) (*uint256.Int, error) {
	escrow := ledger.EscrowOwner(job.ID)
	held, err := l.BalanceOf(escrow, job.Currency)
	if err != nil {
		return nil, storageErr(err)
	}
	if held.Lt(payment) {
		return nil, fmt.Errorf("%w: escrow holds %s, owes %s", ErrInsufficientFunds, held.Dec(), payment.Dec())
	}
	refund := new(uint256.Int).Sub(held, payment)
	err = moveFunds(l, job.Currency,
		ledger.Transfer{From: escrow, To: ledger.UserOwner(job.Worker), Amount: payment},
		ledger.Transfer{From: escrow, To: ledger.UserOwner(job.Client), Amount: refund},
	)
	if err != nil {
		return nil, err
	}
	return refund, nil
}

func moveFunds(l *ledger.Ledger, cur string, transfers ...ledger.Transfer) error {
	err := l.TransferBatch(cur, transfers)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrOverflow):
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	default:
		return storageErr(err)
	}
}
