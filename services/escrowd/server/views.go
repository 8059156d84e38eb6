package server

import (
	"strconv"

	"jobescrow/native/jobs"
	"jobescrow/native/skills"
)

type jobView struct {
	ID            uint64 `json:"id"`
	Client        string `json:"client"`
	Worker        string `json:"worker,omitempty"`
	Area          uint64 `json:"area"`
	Category      uint64 `json:"category"`
	Skills        uint64 `json:"skills"`
	Details       string `json:"details"`
	State         string `json:"state"`
	StateCode     uint8  `json:"stateCode"`
	Currency      string `json:"currency,omitempty"`
	Rate          string `json:"rate"`
	Estimate      uint64 `json:"estimate"`
	OnTop         string `json:"onTop"`
	AddedMinutes  uint64 `json:"addedMinutes"`
	LockedAmount  string `json:"lockedAmount"`
	CreatedAt     uint64 `json:"createdAt"`
	StartedAt     uint64 `json:"startedAt,omitempty"`
	Paused        bool   `json:"paused"`
	PausedAt      uint64 `json:"pausedAt,omitempty"`
	PausedSeconds uint64 `json:"pausedSeconds"`
	FinishedAt    uint64 `json:"finishedAt,omitempty"`
}

func newJobView(job *jobs.Job) jobView {
	view := jobView{
		ID:            job.ID,
		Client:        job.Client.Hex(),
		Area:          job.Area,
		Category:      job.Category,
		Skills:        job.Skills,
		Details:       job.Details,
		State:         job.State.String(),
		StateCode:     uint8(job.State),
		Currency:      job.Currency,
		Rate:          amountString(job.Rate),
		Estimate:      job.Estimate,
		OnTop:         amountString(job.OnTop),
		AddedMinutes:  job.AddedMinutes,
		LockedAmount:  amountString(job.LockedAmount),
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		Paused:        job.Paused,
		PausedAt:      job.PausedAt,
		PausedSeconds: job.PausedSeconds,
		FinishedAt:    job.FinishedAt,
	}
	if job.HasWorker() {
		view.Worker = job.Worker.Hex()
	}
	return view
}

type offerView struct {
	JobID      uint64 `json:"jobId"`
	Worker     string `json:"worker"`
	Currency   string `json:"currency"`
	Rate       string `json:"rate"`
	Estimate   uint64 `json:"estimate"`
	OnTop      string `json:"onTop"`
	LockAmount string `json:"lockAmount,omitempty"`
	PostedAt   uint64 `json:"postedAt"`
}

func newOfferView(offer *jobs.Offer) offerView {
	view := offerView{
		JobID:    offer.JobID,
		Worker:   offer.Worker.Hex(),
		Currency: offer.Currency,
		Rate:     amountString(offer.Rate),
		Estimate: offer.Estimate,
		OnTop:    amountString(offer.OnTop),
		PostedAt: offer.PostedAt,
	}
	if lock, err := jobs.LockAmount(offer.Rate, offer.Estimate, offer.OnTop); err == nil {
		view.LockAmount = lock.Dec()
	}
	return view
}

type skillEntryView struct {
	Area     uint64 `json:"area"`
	Category uint64 `json:"category"`
	Skills   uint64 `json:"skills"`
}

type profileView struct {
	User       string            `json:"user"`
	Areas      uint64            `json:"areas"`
	Categories map[string]uint64 `json:"categories"`
	Skills     []skillEntryView  `json:"skills"`
}

func newProfileView(user string, profile *skills.Profile) profileView {
	view := profileView{User: user, Categories: map[string]uint64{}, Skills: []skillEntryView{}}
	if profile == nil {
		return view
	}
	view.Areas = profile.Areas
	for _, entry := range profile.Categories {
		view.Categories[strconv.FormatUint(entry.Area, 10)] = entry.Categories
	}
	for _, entry := range profile.Skills {
		view.Skills = append(view.Skills, skillEntryView{Area: entry.Area, Category: entry.Category, Skills: entry.Skills})
	}
	return view
}
