package jobs

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"jobescrow/core/types"
)

const (
	EventTypeJobPosted       = "jobs.posted"
	EventTypeOfferPosted     = "jobs.offer.posted"
	EventTypeOfferAccepted   = "jobs.offer.accepted"
	EventTypeWorkStarted     = "jobs.work.started"
	EventTypeWorkPaused      = "jobs.work.paused"
	EventTypeWorkResumed     = "jobs.work.resumed"
	EventTypeTimeAdded       = "jobs.work.time_added"
	EventTypeWorkFinished    = "jobs.work.finished"
	EventTypePaymentReleased = "jobs.payment.released"
	EventTypeJobCancelled    = "jobs.cancelled"
)

type jobEvent struct {
	evt *types.Event
}

func (e jobEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e jobEvent) Event() *types.Event { return e.evt }

// NewJobPostedEvent returns the payload emitted when a client posts a job.
func NewJobPostedEvent(job *Job) *types.Event {
	evt := newJobEvent(EventTypeJobPosted, job)
	evt.Attributes["area"] = strconv.FormatUint(job.Area, 10)
	evt.Attributes["category"] = strconv.FormatUint(job.Category, 10)
	evt.Attributes["skills"] = strconv.FormatUint(job.Skills, 10)
	if details := strings.TrimSpace(job.Details); details != "" {
		evt.Attributes["details"] = details
	}
	return evt
}

// NewOfferPostedEvent returns the payload emitted when a worker posts or
// replaces an offer.
func NewOfferPostedEvent(offer *Offer) *types.Event {
	attrs := map[string]string{
		"jobId":    strconv.FormatUint(offer.JobID, 10),
		"worker":   addressHex(offer.Worker),
		"currency": offer.Currency,
		"rate":     amountString(offer.Rate),
		"estimate": strconv.FormatUint(offer.Estimate, 10),
		"onTop":    amountString(offer.OnTop),
	}
	return &types.Event{Type: EventTypeOfferPosted, Attributes: attrs}
}

// NewOfferAcceptedEvent returns the payload emitted when the client accepts an
// offer and the lock is taken.
func NewOfferAcceptedEvent(job *Job, lock *uint256.Int) *types.Event {
	evt := newJobEvent(EventTypeOfferAccepted, job)
	evt.Attributes["lockAmount"] = amountString(lock)
	return evt
}

// NewWorkStartedEvent is emitted when the client confirms the start of work.
func NewWorkStartedEvent(job *Job) *types.Event {
	return withAt(newJobEvent(EventTypeWorkStarted, job), job.StartedAt)
}

// NewWorkPausedEvent is emitted when the worker pauses.
func NewWorkPausedEvent(job *Job, at uint64) *types.Event {
	return withAt(newJobEvent(EventTypeWorkPaused, job), at)
}

// NewWorkResumedEvent is emitted when the worker resumes.
func NewWorkResumedEvent(job *Job, at uint64) *types.Event {
	return withAt(newJobEvent(EventTypeWorkResumed, job), at)
}

// NewTimeAddedEvent is emitted when the client extends the job.
func NewTimeAddedEvent(job *Job, minutes uint64, extra *uint256.Int) *types.Event {
	evt := newJobEvent(EventTypeTimeAdded, job)
	evt.Attributes["minutes"] = strconv.FormatUint(minutes, 10)
	evt.Attributes["lockAmount"] = amountString(extra)
	return evt
}

// NewWorkFinishedEvent is emitted when the client confirms completion.
func NewWorkFinishedEvent(job *Job) *types.Event {
	return withAt(newJobEvent(EventTypeWorkFinished, job), job.FinishedAt)
}

// NewPaymentReleasedEvent is emitted when the worker is paid.
func NewPaymentReleasedEvent(job *Job, payment, refund *uint256.Int) *types.Event {
	evt := newJobEvent(EventTypePaymentReleased, job)
	evt.Attributes["payment"] = amountString(payment)
	evt.Attributes["refund"] = amountString(refund)
	return evt
}

// NewJobCancelledEvent is emitted when the client cancels a job.
func NewJobCancelledEvent(job *Job, payment, refund *uint256.Int) *types.Event {
	evt := newJobEvent(EventTypeJobCancelled, job)
	evt.Attributes["payment"] = amountString(payment)
	evt.Attributes["refund"] = amountString(refund)
	return evt
}

func newJobEvent(eventType string, job *Job) *types.Event {
	attrs := make(map[string]string)
	if job != nil {
		attrs["jobId"] = strconv.FormatUint(job.ID, 10)
		attrs["client"] = addressHex(job.Client)
		attrs["state"] = job.State.String()
		if job.HasWorker() {
			attrs["worker"] = addressHex(job.Worker)
		}
		if job.Currency != "" {
			attrs["currency"] = job.Currency
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func withAt(evt *types.Event, at uint64) *types.Event {
	evt.Attributes["at"] = strconv.FormatUint(at, 10)
	return evt
}

func addressHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
