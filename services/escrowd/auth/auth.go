package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyCaller contextKey = "escrow_caller"

const defaultLeeway = 30 * time.Second

var (
	ErrMissingToken  = errors.New("auth: missing bearer token")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrInvalidCaller = errors.New("auth: subject is not an account address")
	errNoSecret      = errors.New("auth: HMAC secret required")
)

// Options controls signature verification and claim handling.
type Options struct {
	HMACSecret string
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

// Authenticator verifies HS256 bearer tokens and resolves the caller account
// from the subject claim. The caller never comes from the request body.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	nowFn    func() time.Time
}

// NewAuthenticator constructs an Authenticator from opts.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	secret := strings.TrimSpace(opts.HMACSecret)
	if secret == "" {
		return nil, errNoSecret
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(opts.Issuer),
		audience: strings.TrimSpace(opts.Audience),
		leeway:   leeway,
		nowFn:    time.Now,
	}, nil
}

// SetNowFunc overrides the clock used for expiry checks.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// Issue mints a token for subject valid for ttl.
func (a *Authenticator) Issue(subject common.Address, ttl time.Duration) (string, error) {
	now := a.nowFn()
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if a.issuer != "" {
		claims.Issuer = a.issuer
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses the raw token and returns the caller account.
func (a *Authenticator) Verify(raw string) (common.Address, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.nowFn),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return common.Address{}, ErrInvalidCaller
	}
	caller := common.HexToAddress(subject)
	if caller == (common.Address{}) {
		return common.Address{}, ErrInvalidCaller
	}
	return caller, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		caller, err := a.Verify(token)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func bearerToken(r *http.Request) (string, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(parts[1]), nil
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="escrow"`)
	w.WriteHeader(http.StatusUnauthorized)
	msg := "invalid authorization token"
	if errors.Is(err, ErrMissingToken) {
		msg = "missing authorization"
	}
	_, _ = fmt.Fprintf(w, `{"ok":false,"error":%q}`, msg)
}

// WithCaller stores the authenticated caller on ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFromContext returns the authenticated caller.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok
}
