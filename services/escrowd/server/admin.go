package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"jobescrow/native/currency"
)

func (s *Server) authorize(caller common.Address, target, selector string) error {
	if s.authz == nil || !s.authz.CanCall(caller, target, selector) {
		return fmt.Errorf("%w: %s.%s", errForbidden, target, selector)
	}
	return nil
}

type serviceModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleServiceMode(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req serviceModeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Enabled {
		err = s.payments.EnableServiceMode(caller)
	} else {
		err = s.payments.DisableServiceMode(caller)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "serviceMode": s.payments.IsServiceModeEnabled()})
}

func (s *Server) handleApproval(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.payments == nil {
			s.writeError(w, r, errUnavailable)
			return
		}
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
		if approve {
			err = s.payments.Approve(caller, id)
		} else {
			err = s.payments.Revoke(caller, id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": id, "approved": s.payments.IsApproved(id)})
	}
}

type currencyRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleListCurrencies(w http.ResponseWriter, r *http.Request) {
	if s.currencies == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	symbols, err := s.currencies.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "currencies": symbols})
}

func (s *Server) handleAddCurrency(w http.ResponseWriter, r *http.Request) {
	if s.currencies == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(caller, currency.AuthorizationTarget, currency.OpAdd); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req currencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.currencies.Add(req.Symbol); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleListCurrencies(w, r)
}

func (s *Server) handleRemoveCurrency(w http.ResponseWriter, r *http.Request) {
	if s.currencies == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(caller, currency.AuthorizationTarget, currency.OpRemove); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.currencies.Remove(chi.URLParam(r, "symbol")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleListCurrencies(w, r)
}

type setSkillsRequest struct {
	User       string   `json:"user"`
	Areas      uint64   `json:"areas"`
	Categories []uint64 `json:"categories"`
	Skills     []uint64 `json:"skills"`
}

func (s *Server) handleSetSkills(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req setSkillsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress(req.User, "user")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.skills.SetMany(caller, user, req.Areas, req.Categories, req.Skills); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProfile(w, r, user)
}

func (s *Server) handleClearSkills(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress(chi.URLParam(r, "user"), "user")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.skills.Clear(caller, user); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProfile(w, r, user)
}

func (s *Server) handleGetSkills(w http.ResponseWriter, r *http.Request) {
	if s.skills == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	user, err := parseAddress(chi.URLParam(r, "user"), "user")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProfile(w, r, user)
}

func (s *Server) writeProfile(w http.ResponseWriter, r *http.Request, user common.Address) {
	profile, err := s.skills.Profile(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "profile": newProfileView(user.Hex(), profile)})
}

type roleMemberRequest struct {
	User string `json:"user"`
}

func (s *Server) handleRoleMember(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.roles == nil {
			s.writeError(w, r, errUnavailable)
			return
		}
		caller, err := callerFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		role := chi.URLParam(r, "role")
		rawUser := chi.URLParam(r, "user")
		if add {
			var req roleMemberRequest
			if err := decodeJSON(r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
			rawUser = req.User
		}
		user, err := parseAddress(rawUser, "user")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if add {
			err = s.roles.AddUserRole(caller, user, role)
		} else {
			err = s.roles.RemoveUserRole(caller, user, role)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeRoles(w, r, user)
	}
}

type roleCapabilityRequest struct {
	Target   string `json:"target"`
	Selector string `json:"selector"`
}

func (s *Server) handleRoleCapability(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.roles == nil {
			s.writeError(w, r, errUnavailable)
			return
		}
		caller, err := callerFrom(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req roleCapabilityRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		role := chi.URLParam(r, "role")
		if add {
			err = s.roles.AddRoleCapability(caller, role, req.Target, req.Selector)
		} else {
			err = s.roles.RemoveRoleCapability(caller, role, req.Target, req.Selector)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": role, "target": req.Target, "selector": req.Selector, "granted": add})
	}
}

func (s *Server) handleGetRoles(w http.ResponseWriter, r *http.Request) {
	if s.roles == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	user, err := parseAddress(chi.URLParam(r, "user"), "user")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRoles(w, r, user)
}

func (s *Server) writeRoles(w http.ResponseWriter, r *http.Request, user common.Address) {
	userRoles, err := s.roles.UserRoles(user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if userRoles == nil {
		userRoles = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "user": user.Hex(), "root": s.roles.IsRootUser(user), "roles": userRoles})
}

const (
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	after, limit := int64(0), defaultAuditPage
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid after cursor", errBadRequest))
			return
		}
		after = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: invalid limit", errBadRequest))
			return
		}
		limit = min(v, maxAuditPage)
	}
	entries, err := s.audit.List(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, r, errUnavailable)
		return
	}
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(caller, "audit", "verify"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.audit.Verify(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
