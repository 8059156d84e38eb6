package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"jobescrow/native/currency"
	"jobescrow/native/jobs"
	"jobescrow/native/ledger"
	"jobescrow/native/payments"
	"jobescrow/native/roles"
	"jobescrow/native/skills"
	"jobescrow/services/escrowd/auth"
	"jobescrow/storage/sqlstore"
)

const maxRequestBody = 1 << 20

var (
	errBadRequest   = errors.New("bad request")
	errForbidden    = errors.New("forbidden")
	errUnavailable  = errors.New("component not configured")
	errMissingIdent = errors.New("missing identity")
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errMissingIdent):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidOwner),
		errors.Is(err, ledger.ErrEscrowExternal),
		errors.Is(err, currency.ErrInvalidSymbol),
		errors.Is(err, skills.ErrInvalidProfile),
		errors.Is(err, roles.ErrInvalidName),
		errors.Is(err, payments.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrOfferNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, errForbidden),
		errors.Is(err, jobs.ErrAccessDenied),
		errors.Is(err, jobs.ErrPaymentNotAllowed),
		errors.Is(err, payments.ErrAccessDenied),
		errors.Is(err, skills.ErrAccessDenied),
		errors.Is(err, roles.ErrAccessDenied):
		return http.StatusForbidden
	case jobs.IsRejection(err):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrArithmetic), errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sqlstore.ErrChainBroken):
		return http.StatusConflict
	case errors.Is(err, errUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"ok": false, "error": err.Error()}
	switch {
	case jobs.IsRejection(err):
		body["tier"] = "rejected"
	case jobs.IsFatal(err):
		body["tier"] = "fatal"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", r.URL.Path, "error", err)
		body["error"] = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON payload: %v", errBadRequest, err)
	}
	return nil
}

func callerFrom(r *http.Request) (common.Address, error) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return common.Address{}, errMissingIdent
	}
	return caller, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, raw)
	}
	return v, nil
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid %s address %q", errBadRequest, field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount accepts decimal or 0x-prefixed hex strings.
func parseAmount(raw, field string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err = uint256.FromHex(raw)
	} else {
		v, err = uint256.FromDecimal(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s %q", errBadRequest, field, raw)
	}
	return v, nil
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
