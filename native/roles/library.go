package roles

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"jobescrow/core/state"
)

// AuthorizationTarget is the component name used when roles administration is
// itself delegated to a role.
const AuthorizationTarget = "roles"

const (
	OpAddUserRole          = "addUserRole"
	OpRemoveUserRole       = "removeUserRole"
	OpAddRoleCapability    = "addRoleCapability"
	OpRemoveRoleCapability = "removeRoleCapability"
	OpSetPublicCapability  = "setPublicCapability"
	OpSetRootUser          = "setRootUser"
)

var (
	ErrAccessDenied = errors.New("roles: access denied")
	ErrInvalidName  = errors.New("roles: invalid name")
	errNilState     = errors.New("roles: state not configured")
)

var (
	userRolePrefix   = []byte("roles/user/")
	capabilityPrefix = []byte("roles/capability/")
	publicPrefix     = []byte("roles/public/")
	rootPrefix       = []byte("roles/root/")
)

// Library is the role-based authorization gate. A caller may invoke a selector
// on a target when it is a root user, when the capability is public, when one
// of its roles holds the capability, or when a configured CEL rule allows it.
type Library struct {
	mu     sync.RWMutex
	kv     state.KV
	rules  *RuleSet
	logger *slog.Logger
}

// NewLibrary returns a library persisted in kv. Root users are recorded
// without an authorization check so a fresh deployment can be bootstrapped.
func NewLibrary(kv state.KV, roots ...common.Address) (*Library, error) {
	l := &Library{kv: kv, logger: slog.Default()}
	if kv == nil {
		return nil, errNilState
	}
	for _, root := range roots {
		if err := kv.KVPut(rootKey(root), true); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetLogger overrides the logger used for denied calls.
func (l *Library) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
}

// SetRules installs the CEL rule set consulted after static capabilities.
func (l *Library) SetRules(rules *RuleSet) {
	l.mu.Lock()
	l.rules = rules
	l.mu.Unlock()
}

func normalizeName(kind, raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return "", fmt.Errorf("%w: %s %q", ErrInvalidName, kind, raw)
	}
	return name, nil
}

func addrSegment(addr common.Address) string {
	return strings.ToLower(addr.Hex()[2:])
}

func userRoleKey(user common.Address, role string) []byte {
	return []byte(string(userRolePrefix) + addrSegment(user) + "/" + role)
}

func capabilityKey(target, selector, role string) []byte {
	return []byte(string(capabilityPrefix) + target + "/" + selector + "/" + role)
}

func publicKey(target, selector string) []byte {
	return []byte(string(publicPrefix) + target + "/" + selector)
}

func rootKey(user common.Address) []byte {
	return []byte(string(rootPrefix) + addrSegment(user))
}

func (l *Library) flag(key []byte) bool {
	var set bool
	ok, err := l.kv.KVGet(key, &set)
	return err == nil && ok && set
}

func (l *Library) setFlag(key []byte, enabled bool) error {
	if enabled {
		return l.kv.KVPut(key, true)
	}
	return l.kv.KVDelete(key)
}

// IsRootUser reports whether user bypasses every capability check.
func (l *Library) IsRootUser(user common.Address) bool {
	if l == nil || l.kv == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flag(rootKey(user))
}

// UserRoles lists the roles assigned to user in ascending order.
func (l *Library) UserRoles(user common.Address) ([]string, error) {
	if l == nil || l.kv == nil {
		return nil, errNilState
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userRoles(user)
}

func (l *Library) userRoles(user common.Address) ([]string, error) {
	prefix := []byte(string(userRolePrefix) + addrSegment(user) + "/")
	var out []string
	err := l.kv.KVIterate(prefix, func(key, _ []byte) bool {
		out = append(out, string(key[len(prefix):]))
		return true
	})
	return out, err
}

// HasUserRole reports whether the role is assigned to user.
func (l *Library) HasUserRole(user common.Address, role string) bool {
	if l == nil || l.kv == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flag(userRoleKey(user, role))
}

// CanCall implements the authorization gate consumed by the engines.
func (l *Library) CanCall(caller common.Address, target, selector string) bool {
	if l == nil || l.kv == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.flag(rootKey(caller)) || l.flag(publicKey(target, selector)) {
		return true
	}
	userRoles, err := l.userRoles(caller)
	if err != nil {
		l.logger.Error("roles lookup failed", slog.String("caller", caller.Hex()), slog.Any("error", err))
		return false
	}
	for _, role := range userRoles {
		if l.flag(capabilityKey(target, selector, role)) {
			return true
		}
	}
	if l.rules != nil {
		allowed, err := l.rules.Allow(Request{Caller: caller, Target: target, Selector: selector, Roles: userRoles})
		if err != nil {
			l.logger.Warn("roles rule evaluation failed", slog.String("target", target), slog.String("selector", selector), slog.Any("error", err))
			return false
		}
		if allowed {
			return true
		}
	}
	l.logger.Debug("roles call denied", slog.String("caller", caller.Hex()), slog.String("target", target), slog.String("selector", selector))
	return false
}

func (l *Library) administer(caller common.Address, selector string, apply func() error) error {
	if l == nil || l.kv == nil {
		return errNilState
	}
	if !l.CanCall(caller, AuthorizationTarget, selector) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, selector)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return apply()
}

// AddUserRole assigns role to user.
func (l *Library) AddUserRole(caller, user common.Address, role string) error {
	name, err := normalizeName("role", role)
	if err != nil {
		return err
	}
	return l.administer(caller, OpAddUserRole, func() error {
		return l.setFlag(userRoleKey(user, name), true)
	})
}

// RemoveUserRole revokes role from user.
func (l *Library) RemoveUserRole(caller, user common.Address, role string) error {
	name, err := normalizeName("role", role)
	if err != nil {
		return err
	}
	return l.administer(caller, OpRemoveUserRole, func() error {
		return l.setFlag(userRoleKey(user, name), false)
	})
}

// AddRoleCapability lets holders of role invoke selector on target.
func (l *Library) AddRoleCapability(caller common.Address, role, target, selector string) error {
	return l.roleCapability(caller, OpAddRoleCapability, role, target, selector, true)
}

// RemoveRoleCapability revokes a capability from role.
func (l *Library) RemoveRoleCapability(caller common.Address, role, target, selector string) error {
	return l.roleCapability(caller, OpRemoveRoleCapability, role, target, selector, false)
}

func (l *Library) roleCapability(caller common.Address, op, role, target, selector string, enabled bool) error {
	name, err := normalizeName("role", role)
	if err != nil {
		return err
	}
	tgt, err := normalizeName("target", target)
	if err != nil {
		return err
	}
	sel, err := normalizeName("selector", selector)
	if err != nil {
		return err
	}
	return l.administer(caller, op, func() error {
		return l.setFlag(capabilityKey(tgt, sel, name), enabled)
	})
}

// SetPublicCapability opens or closes selector on target to every caller.
func (l *Library) SetPublicCapability(caller common.Address, target, selector string, public bool) error {
	tgt, err := normalizeName("target", target)
	if err != nil {
		return err
	}
	sel, err := normalizeName("selector", selector)
	if err != nil {
		return err
	}
	return l.administer(caller, OpSetPublicCapability, func() error {
		return l.setFlag(publicKey(tgt, sel), public)
	})
}

// SetRootUser grants or revokes root status.
func (l *Library) SetRootUser(caller, user common.Address, root bool) error {
	return l.administer(caller, OpSetRootUser, func() error {
		return l.setFlag(rootKey(user), root)
	})
}
