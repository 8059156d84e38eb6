package middleware

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"jobescrow/services/escrowd/auth"
	"jobescrow/services/escrowd/models"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func withCaller(caller common.Address, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func postWithKey(handler http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"ok":true,"jobId":%d,"echo":%q}`, n, body)
	})
	mw := NewIdempotency(setupTestDB(t), nil)
	handler := withCaller(alice, mw.Handler(next))

	first := postWithKey(handler, "key-1", `{"details":"x"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	replay := postWithKey(handler, "key-1", `{"details":"x"}`)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, first.Body.String(), replay.Body.String())
	require.Equal(t, "true", replay.Header().Get(HeaderReplayed))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	conflict := postWithKey(handler, "key-1", `{"details":"y"}`)
	require.Equal(t, http.StatusConflict, conflict.Code)

	postWithKey(handler, "", `{"details":"x"}`)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyKeysAreScopedPerCaller(t *testing.T) {
	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	})
	mw := NewIdempotency(setupTestDB(t), nil)

	postWithKey(withCaller(alice, mw.Handler(next)), "shared", `{}`)
	postWithKey(withCaller(bob, mw.Handler(next)), "shared", `{}`)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	var calls int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	db := setupTestDB(t)
	mw := NewIdempotency(db, nil)
	handler := withCaller(alice, mw.Handler(next))

	require.Equal(t, http.StatusInternalServerError, postWithKey(handler, "retry", `{}`).Code)
	require.Equal(t, http.StatusOK, postWithKey(handler, "retry", `{}`).Code)
	require.Equal(t, http.StatusOK, postWithKey(handler, "retry", `{}`).Code)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))

	mw.nowFn = func() time.Time { return time.Now().Add(48 * time.Hour) }
	purged, err := mw.Purge(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestRateLimiterThrottlesPerCaller(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	call := func(caller common.Address) int {
		rec := httptest.NewRecorder()
		withCaller(caller, limiter.Middleware(ok)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/1", nil))
		return rec.Code
	}

	require.Equal(t, http.StatusNoContent, call(alice))
	require.Equal(t, http.StatusNoContent, call(alice))
	require.Equal(t, http.StatusTooManyRequests, call(alice))
	require.Equal(t, http.StatusNoContent, call(bob))

	now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, call(alice))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		limiter.Middleware(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}
