package jobs

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// JobState enumerates the lifecycle states of a job. The numeric values are
// part of the public API and are reported by GetJobState.
type JobState uint8

const (
	JobStateUnknown JobState = iota
	JobStateCreated
	JobStateAccepted
	JobStatePendingStart
	JobStateStarted
	JobStatePendingFinish
	JobStateFinished
	JobStateFinalized
	JobStateCancelled
)

var jobStateNames = map[JobState]string{
	JobStateCreated:       "CREATED",
	JobStateAccepted:      "ACCEPTED",
	JobStatePendingStart:  "PENDING_START",
	JobStateStarted:       "STARTED",
	JobStatePendingFinish: "PENDING_FINISH",
	JobStateFinished:      "FINISHED",
	JobStateFinalized:     "FINALIZED",
	JobStateCancelled:     "CANCELLED",
}

func (s JobState) String() string {
	if name, ok := jobStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Valid reports whether the state is one of the defined lifecycle states.
func (s JobState) Valid() bool {
	_, ok := jobStateNames[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobStateFinalized || s == JobStateCancelled
}

// Cancellable reports whether the client may cancel a job in this state.
func (s JobState) Cancellable() bool {
	switch s {
	case JobStateAccepted, JobStatePendingStart, JobStateStarted, JobStatePendingFinish:
		return true
	default:
		return false
	}
}

// Job is the persisted job record. Timestamps are unix seconds taken from the
// engine clock; zero means unset.
type Job struct {
	ID            uint64
	Client        common.Address
	Worker        common.Address
	Area          uint64
	Category      uint64
	Skills        uint64
	Details       string
	State         JobState
	Currency      string
	Rate          *uint256.Int
	Estimate      uint64
	OnTop         *uint256.Int
	AddedMinutes  uint64
	LockedAmount  *uint256.Int
	CreatedAt     uint64
	StartedAt     uint64
	Paused        bool
	PausedAt      uint64
	PausedSeconds uint64
	FinishedAt    uint64
}

// HasWorker reports whether an offer has been accepted for the job.
func (j *Job) HasWorker() bool { return j != nil && j.Worker != (common.Address{}) }

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Rate = cloneAmount(j.Rate)
	out.OnTop = cloneAmount(j.OnTop)
	out.LockedAmount = cloneAmount(j.LockedAmount)
	return &out
}

func (j *Job) sanitize() {
	j.Rate = cloneAmount(j.Rate)
	j.OnTop = cloneAmount(j.OnTop)
	j.LockedAmount = cloneAmount(j.LockedAmount)
}

// Offer holds the terms a worker proposes for a job. At most one offer per
// (job, worker) pair is retained; reposting overwrites it.
type Offer struct {
	JobID    uint64
	Worker   common.Address
	Currency string
	Rate     *uint256.Int
	Estimate uint64
	OnTop    *uint256.Int
	PostedAt uint64
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	out := *o
	out.Rate = cloneAmount(o.Rate)
	out.OnTop = cloneAmount(o.OnTop)
	return &out
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// areaFlagMask covers the odd bit positions (1, 3, 5, ...). Area and category
// flags occupy the even positions, so a valid flag never intersects it.
const areaFlagMask uint64 = 0xAAAAAAAAAAAAAAAA

// IsSingleFlag reports whether mask selects exactly one area or category.
func IsSingleFlag(mask uint64) bool {
	return mask != 0 && mask&(mask-1) == 0 && mask&areaFlagMask == 0
}

// ValidateRequirement checks the skill requirement supplied when posting a job.
func ValidateRequirement(area, category, skills uint64) error {
	if !IsSingleFlag(area) {
		return fmt.Errorf("%w: area %d", ErrInvalidSkillMask, area)
	}
	if !IsSingleFlag(category) {
		return fmt.Errorf("%w: category %d", ErrInvalidSkillMask, category)
	}
	if skills == 0 {
		return fmt.Errorf("%w: empty skills", ErrInvalidSkillMask)
	}
	return nil
}
