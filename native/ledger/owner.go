package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// OwnerKind distinguishes user accounts from job escrow holders.
type OwnerKind uint8

const (
	OwnerUser OwnerKind = iota + 1
	OwnerEscrow
)

const escrowOwnerPrefix = "job:"

var ErrInvalidOwner = errors.New("ledger: invalid owner")

// Owner identifies a balance holder. Exactly one of Account or JobID is
// meaningful depending on Kind.
type Owner struct {
	Kind    OwnerKind
	Account common.Address
	JobID   uint64
}

// UserOwner returns the owner key for a user account.
func UserOwner(addr common.Address) Owner {
	return Owner{Kind: OwnerUser, Account: addr}
}

// EscrowOwner returns the owner key holding funds locked for a job.
func EscrowOwner(jobID uint64) Owner {
	return Owner{Kind: OwnerEscrow, JobID: jobID}
}

// IsEscrow reports whether the owner is a job escrow holder.
func (o Owner) IsEscrow() bool { return o.Kind == OwnerEscrow }

// Validate checks the owner is well formed.
func (o Owner) Validate() error {
	switch o.Kind {
	case OwnerUser:
		if o.Account == (common.Address{}) {
			return fmt.Errorf("%w: zero account", ErrInvalidOwner)
		}
	case OwnerEscrow:
		if o.JobID == 0 {
			return fmt.Errorf("%w: zero job id", ErrInvalidOwner)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOwner, o.Kind)
	}
	return nil
}

// String renders the owner as a hex address or job:<id>.
func (o Owner) String() string {
	switch o.Kind {
	case OwnerUser:
		return o.Account.Hex()
	case OwnerEscrow:
		return escrowOwnerPrefix + strconv.FormatUint(o.JobID, 10)
	default:
		return "unknown"
	}
}

// ParseOwner parses the String form of an owner.
func ParseOwner(raw string) (Owner, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(trimmed), escrowOwnerPrefix) {
		id, err := strconv.ParseUint(trimmed[len(escrowOwnerPrefix):], 10, 64)
		if err != nil {
			return Owner{}, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
		}
		owner := EscrowOwner(id)
		return owner, owner.Validate()
	}
	if !common.IsHexAddress(trimmed) {
		return Owner{}, fmt.Errorf("%w: %q", ErrInvalidOwner, raw)
	}
	owner := UserOwner(common.HexToAddress(trimmed))
	return owner, owner.Validate()
}

func (o Owner) keySegment() string {
	switch o.Kind {
	case OwnerUser:
		return "u/" + strings.ToLower(o.Account.Hex()[2:])
	default:
		return fmt.Sprintf("j/%020d", o.JobID)
	}
}
