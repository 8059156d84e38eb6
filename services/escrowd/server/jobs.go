package server

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"jobescrow/native/ledger"
)

type postJobRequest struct {
	Area     uint64 `json:"area"`
	Category uint64 `json:"category"`
	Skills   uint64 `json:"skills"`
	Details  string `json:"details"`
}

func (s *Server) handlePostJob(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req postJobRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.engine.PostJob(caller, req.Area, req.Category, req.Skills, req.Details)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "jobId": id})
}

func (s *Server) handleJobsCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.JobsCount()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": count})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.engine.Job(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": newJobView(job)})
}

func (s *Server) handleGetJobState(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.engine.GetJobState(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": id, "state": st.String(), "stateCode": uint8(st)})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.engine.Job(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	offers, err := s.engine.Offers(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]offerView, 0, len(offers))
	for _, offer := range offers {
		views = append(views, newOfferView(offer))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "offers": views})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	worker, err := parseAddress(chi.URLParam(r, "worker"), "worker")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.engine.Offer(id, worker)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "offer": newOfferView(offer)})
}

type postOfferRequest struct {
	Currency string `json:"currency"`
	Rate     string `json:"rate"`
	Estimate uint64 `json:"estimate"`
	OnTop    string `json:"onTop"`
}

func (s *Server) handlePostOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req postOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rate, err := parseAmount(req.Rate, "rate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	onTop, err := parseAmount(req.OnTop, "onTop")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.PostJobOffer(caller, id, req.Currency, rate, req.Estimate, onTop); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "jobId": id, "worker": caller.Hex()})
}

type acceptOfferRequest struct {
	Worker string `json:"worker"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req acceptOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	worker, err := parseAddress(req.Worker, "worker")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.AcceptOffer(caller, id, worker); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJobState(w, r, id)
}

type addTimeRequest struct {
	Minutes uint64 `json:"minutes"`
}

func (s *Server) handleAddMoreTime(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addTimeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.AddMoreTime(caller, id, req.Minutes); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJobState(w, r, id)
}

// workflow adapts a (caller, jobID) engine operation to a handler.
func (s *Server) workflow(op func(caller common.Address, jobID uint64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := callerFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		id, err := uintParam(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := op(caller, id); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJobState(w, r, id)
	}
}

func (s *Server) writeJobState(w http.ResponseWriter, r *http.Request, id uint64) {
	job, err := s.engine.Job(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": newJobView(job)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := ledger.ParseOwner(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cur := strings.TrimSpace(r.URL.Query().Get("currency"))
	balance, err := s.engine.BalanceOf(owner, cur)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"owner":    owner.String(),
		"currency": strings.ToUpper(cur),
		"balance":  amountString(balance),
	})
}

type fundsRequest struct {
	Account  string `json:"account,omitempty"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// handleDeposit credits external funds. Crediting requires the ledger deposit
// capability; the account defaults to the caller.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(caller, ledger.AuthorizationTarget, ledger.OpDeposit); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	account := caller
	if strings.TrimSpace(req.Account) != "" {
		if account, err = parseAddress(req.Account, "account"); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Deposit(account, req.Currency, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, account, req.Currency)
}

// handleWithdraw debits the caller's own balance.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fundsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Account) != "" {
		s.writeError(w, r, errForbidden)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Withdraw(caller, req.Currency, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBalance(w, r, caller, req.Currency)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, account common.Address, cur string) {
	owner := ledger.UserOwner(account)
	balance, err := s.engine.BalanceOf(owner, cur)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"owner":    owner.String(),
		"currency": strings.ToUpper(strings.TrimSpace(cur)),
		"balance":  amountString(balance),
	})
}
