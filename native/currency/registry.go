package currency

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"jobescrow/core/state"
)

const maxSymbolLength = 16

// AuthorizationTarget is the component name administrators are granted
// capabilities on to change the supported set.
const AuthorizationTarget = "currency"

const (
	OpAdd    = "add"
	OpRemove = "remove"
)

var (
	ErrInvalidSymbol = errors.New("currency: invalid symbol")
	errNilState      = errors.New("currency registry: state not configured")
)

var keyPrefix = []byte("currency/supported/")

// Normalize canonicalises a currency symbol to its upper-case form and
// validates its shape.
func Normalize(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > maxSymbolLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	return trimmed, nil
}

// Registry tracks the set of currencies jobs may be priced in.
type Registry struct {
	mu sync.RWMutex
	kv state.KV
}

// NewRegistry constructs a registry persisted in the supplied state.
func NewRegistry(kv state.KV) *Registry {
	return &Registry{kv: kv}
}

func symbolKey(symbol string) []byte {
	return append(append([]byte(nil), keyPrefix...), symbol...)
}

// Add marks the currency as supported. Adding an already supported currency is
// a no-op.
func (r *Registry) Add(symbol string) error {
	if r == nil || r.kv == nil {
		return errNilState
	}
	normalized, err := Normalize(symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.KVPut(symbolKey(normalized), true)
}

// Remove drops the currency from the supported set. Existing jobs priced in it
// are unaffected.
func (r *Registry) Remove(symbol string) error {
	if r == nil || r.kv == nil {
		return errNilState
	}
	normalized, err := Normalize(symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.KVDelete(symbolKey(normalized))
}

// IsSupported reports whether the currency may be used for new offers.
// Malformed symbols and read failures report false.
func (r *Registry) IsSupported(symbol string) bool {
	if r == nil || r.kv == nil {
		return false
	}
	normalized, err := Normalize(symbol)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var flag bool
	ok, err := r.kv.KVGet(symbolKey(normalized), &flag)
	return err == nil && ok && flag
}

// List returns the supported currencies in ascending order.
func (r *Registry) List() ([]string, error) {
	if r == nil || r.kv == nil {
		return nil, errNilState
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	err := r.kv.KVIterate(keyPrefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(keyPrefix):]))
		return true
	})
	return out, err
}
