package jobs

import (
	"math"

	"github.com/holiman/uint256"
)

const (
	// GraceMinutes is billed on top of the estimate in the worst case and is
	// the flat amount paid when a started job is cancelled.
	GraceMinutes uint64 = 60
	// MinimumBilledMinutes is the floor applied to worked time at release.
	MinimumBilledMinutes uint64 = 60

	safetyMarginDivisor = 10
	secondsPerMinute    = 60
)

var ten = uint256.NewInt(safetyMarginDivisor)

// LockAmount sizes the escrow lock for an offer: the worst-case payable amount
// rate*(estimate+60)+onTop plus a ten percent margin rounded up. Any overflow
// of the 256-bit domain yields ErrLockOverflow.
func LockAmount(rate *uint256.Int, estimate uint64, onTop *uint256.Int) (*uint256.Int, error) {
	if rate == nil || onTop == nil {
		return nil, ErrInvalidTerms
	}
	if estimate > math.MaxUint64-GraceMinutes {
		return nil, ErrLockOverflow
	}
	worst, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(estimate+GraceMinutes))
	if overflow {
		return nil, ErrLockOverflow
	}
	if _, overflow = worst.AddOverflow(worst, onTop); overflow {
		return nil, ErrLockOverflow
	}
	margin, rem := new(uint256.Int), new(uint256.Int)
	margin.DivMod(worst, ten, rem)
	if !rem.IsZero() {
		margin.AddUint64(margin, 1)
	}
	lock, overflow := new(uint256.Int).AddOverflow(worst, margin)
	if overflow {
		return nil, ErrLockOverflow
	}
	return lock, nil
}

// ExtensionAmount is the additional lock taken when the client grants more
// time.
func ExtensionAmount(rate *uint256.Int, minutes uint64) (*uint256.Int, error) {
	if rate == nil {
		return nil, ErrInvalidTerms
	}
	amount, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(minutes))
	if overflow {
		return nil, ErrArithmetic
	}
	return amount, nil
}

// WorkedMinutes derives billable minutes from the recorded work interval:
// elapsed seconds between start and finish minus paused seconds, floored to
// whole minutes and clamped to [60, estimate+added+60].
func WorkedMinutes(startedAt, finishedAt, pausedSeconds, estimate, added uint64) uint64 {
	var elapsed uint64
	if finishedAt > startedAt {
		elapsed = finishedAt - startedAt
	}
	if pausedSeconds >= elapsed {
		elapsed = 0
	} else {
		elapsed -= pausedSeconds
	}
	minutes := elapsed / secondsPerMinute
	ceiling := saturatingAdd(saturatingAdd(estimate, added), GraceMinutes)
	if minutes < MinimumBilledMinutes {
		minutes = MinimumBilledMinutes
	}
	if minutes > ceiling {
		minutes = ceiling
	}
	return minutes
}

// PayableAmount returns rate*workedMinutes+onTop for a job that has finished.
func PayableAmount(job *Job) (*uint256.Int, error) {
	if job == nil {
		return nil, ErrJobNotFound
	}
	worked := WorkedMinutes(job.StartedAt, job.FinishedAt, job.PausedSeconds, job.Estimate, job.AddedMinutes)
	return billed(job.Rate, worked, job.OnTop)
}

// CancellationPayout returns the amount owed to the worker when the client
// cancels: the on-top bonus before work has started and the bonus plus one
// flat hour afterwards, regardless of elapsed time.
func CancellationPayout(job *Job) (*uint256.Int, error) {
	if job == nil {
		return nil, ErrJobNotFound
	}
	switch job.State {
	case JobStateAccepted, JobStatePendingStart:
		return cloneAmount(job.OnTop), nil
	case JobStateStarted, JobStatePendingFinish:
		return billed(job.Rate, GraceMinutes, job.OnTop)
	default:
		return nil, ErrInvalidState
	}
}

func billed(rate *uint256.Int, minutes uint64, onTop *uint256.Int) (*uint256.Int, error) {
	amount, overflow := new(uint256.Int).MulOverflow(cloneAmount(rate), uint256.NewInt(minutes))
	if overflow {
		return nil, ErrArithmetic
	}
	if _, overflow = amount.AddOverflow(amount, cloneAmount(onTop)); overflow {
		return nil, ErrArithmetic
	}
	return amount, nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
