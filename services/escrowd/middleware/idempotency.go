package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"jobescrow/services/escrowd/auth"
	"jobescrow/services/escrowd/models"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 128
	maxRequestBody          = 1 << 20
	lockStripes             = 64
)

// Idempotency replays the stored response when a caller repeats a mutating
// request with the same Idempotency-Key. Reusing a key for a different
// request is a conflict. Server errors are not stored so the request can be
// retried.
type Idempotency struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
	locks  [lockStripes]sync.Mutex
}

// NewIdempotency constructs the middleware over db. A nil db disables it.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger, nowFn: time.Now}
}

func (m *Idempotency) lockFor(caller, key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(caller))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockStripes]
}

// Handler wraps next. It must run after authentication.
func (m *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if m == nil || m.db == nil || key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeJSONError(w, http.StatusBadRequest, "idempotency key too long")
			return
		}
		caller, ok := auth.CallerFromContext(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing identity")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unable to read body")
			return
		}
		if len(body) > maxRequestBody {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		callerHex := caller.Hex()

		lock := m.lockFor(callerHex, key)
		lock.Lock()
		defer lock.Unlock()

		var record models.IdempotencyRecord
		err = m.db.WithContext(r.Context()).
			Where("caller = ? AND key = ?", callerHex, key).
			First(&record).Error
		switch {
		case err == nil:
			if record.RequestHash != requestHash {
				writeJSONError(w, http.StatusConflict, "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		case !errors.Is(err, gorm.ErrRecordNotFound):
			m.logger.Error("idempotency lookup failed", slog.String("caller", callerHex), slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "idempotency store unavailable")
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		record = models.IdempotencyRecord{
			ID:          uuid.NewString(),
			Caller:      callerHex,
			Key:         key,
			RequestHash: requestHash,
			Method:      r.Method,
			Path:        r.URL.Path,
			Status:      status,
			Response:    recorder.buf.String(),
			CreatedAt:   m.nowFn(),
		}
		if err := m.db.WithContext(r.Context()).Create(&record).Error; err != nil {
			m.logger.Warn("idempotency record not stored", slog.String("caller", callerHex), slog.Any("error", err))
		}
	})
}

// Purge removes records older than maxAge.
func (m *Idempotency) Purge(maxAge time.Duration) (int64, error) {
	if m == nil || m.db == nil {
		return 0, nil
	}
	res := m.db.Where("created_at < ?", m.nowFn().Add(-maxAge)).Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
