package skills

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"jobescrow/core/state"
)

// AuthorizationTarget is the component name presented to the authorization
// gate when profiles are edited.
const AuthorizationTarget = "skills"

const (
	OpSetMany = "setMany"
	OpClear   = "clear"
)

// oddBits are never valid area or category flags.
const oddBits uint64 = 0xAAAAAAAAAAAAAAAA

var (
	ErrAccessDenied   = errors.New("skills: access denied")
	ErrInvalidProfile = errors.New("skills: invalid profile")
	errNilState       = errors.New("skills: state not configured")

	profilePrefix = []byte("skills/profile/")
)

// Authorizer answers whether caller may invoke selector on target.
type Authorizer interface {
	CanCall(caller common.Address, target, selector string) bool
}

// CategorySkills holds the skill mask a user declared within one category.
type CategorySkills struct {
	Area     uint64
	Category uint64
	Skills   uint64
}

// AreaCategories holds the category mask a user declared within one area.
type AreaCategories struct {
	Area       uint64
	Categories uint64
}

// Profile is the persisted skill declaration of a user.
type Profile struct {
	Areas      uint64
	Categories []AreaCategories
	Skills     []CategorySkills
}

// Library stores worker skill profiles and answers skill lookups for the jobs
// engine.
type Library struct {
	mu   sync.RWMutex
	kv   state.KV
	auth Authorizer
}

// NewLibrary returns a library persisted in kv and administered through auth.
func NewLibrary(kv state.KV, auth Authorizer) *Library {
	return &Library{kv: kv, auth: auth}
}

func profileKey(user common.Address) []byte {
	return append(append([]byte(nil), profilePrefix...), strings.ToLower(user.Hex()[2:])...)
}

func validFlags(mask uint64) bool {
	return mask != 0 && mask&oddBits == 0
}

// flags splits a mask into its single-bit flags in ascending order.
func flags(mask uint64) []uint64 {
	out := make([]uint64, 0, bits.OnesCount64(mask))
	for mask != 0 {
		low := mask & -mask
		out = append(out, low)
		mask &^= low
	}
	return out
}

// BuildProfile expands the compact SetMany encoding: one category mask per
// area flag in ascending order, then one skill mask per category flag in the
// same traversal order.
func BuildProfile(areas uint64, categories, skills []uint64) (*Profile, error) {
	if !validFlags(areas) {
		return nil, fmt.Errorf("%w: areas mask %d", ErrInvalidProfile, areas)
	}
	areaFlags := flags(areas)
	if len(categories) != len(areaFlags) {
		return nil, fmt.Errorf("%w: %d areas but %d category masks", ErrInvalidProfile, len(areaFlags), len(categories))
	}
	profile := &Profile{Areas: areas}
	next := 0
	for i, area := range areaFlags {
		if !validFlags(categories[i]) {
			return nil, fmt.Errorf("%w: categories mask %d", ErrInvalidProfile, categories[i])
		}
		profile.Categories = append(profile.Categories, AreaCategories{Area: area, Categories: categories[i]})
		for _, category := range flags(categories[i]) {
			if next >= len(skills) {
				return nil, fmt.Errorf("%w: missing skill masks", ErrInvalidProfile)
			}
			if skills[next] == 0 {
				return nil, fmt.Errorf("%w: empty skill mask", ErrInvalidProfile)
			}
			profile.Skills = append(profile.Skills, CategorySkills{Area: area, Category: category, Skills: skills[next]})
			next++
		}
	}
	if next != len(skills) {
		return nil, fmt.Errorf("%w: %d unused skill masks", ErrInvalidProfile, len(skills)-next)
	}
	return profile, nil
}

// SetMany replaces the user's profile.
func (l *Library) SetMany(caller, user common.Address, areas uint64, categories, skills []uint64) error {
	if err := l.authorize(caller, OpSetMany); err != nil {
		return err
	}
	profile, err := BuildProfile(areas, categories, skills)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.KVPut(profileKey(user), profile)
}

// Clear removes the user's profile.
func (l *Library) Clear(caller, user common.Address) error {
	if err := l.authorize(caller, OpClear); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.KVDelete(profileKey(user))
}

// Profile returns the stored profile or nil when the user declared nothing.
func (l *Library) Profile(user common.Address) (*Profile, error) {
	if l == nil || l.kv == nil {
		return nil, errNilState
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	profile := new(Profile)
	ok, err := l.kv.KVGet(profileKey(user), profile)
	if err != nil || !ok {
		return nil, err
	}
	return profile, nil
}

// HasSkills reports whether the user declared the area and category and every
// requested skill bit within them.
func (l *Library) HasSkills(user common.Address, area, category, skills uint64) bool {
	profile, err := l.Profile(user)
	if err != nil || profile == nil || skills == 0 {
		return false
	}
	if profile.Areas&area == 0 {
		return false
	}
	for _, entry := range profile.Skills {
		if entry.Area == area && entry.Category == category {
			return entry.Skills&skills == skills
		}
	}
	return false
}

func (l *Library) authorize(caller common.Address, selector string) error {
	if l == nil || l.kv == nil {
		return errNilState
	}
	if l.auth == nil || !l.auth.CanCall(caller, AuthorizationTarget, selector) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, selector)
	}
	return nil
}
