package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"jobescrow/core/state"
	"jobescrow/native/currency"
)

// AuthorizationTarget names the ledger for capability checks on external
// balance movements.
const AuthorizationTarget = "ledger"

const OpDeposit = "deposit"

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: balance overflow")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrEscrowExternal      = errors.New("ledger: escrow owners cannot deposit or withdraw")
	errNilState            = errors.New("ledger: state not configured")
)

var (
	balancePrefix = []byte("ledger/balance/")
	supplyPrefix  = []byte("ledger/supply/")
)

// Transfer is a single internal movement used by TransferBatch.
type Transfer struct {
	From   Owner
	To     Owner
	Amount *uint256.Int
}

// Ledger stores per-(owner, currency) balances in the supplied state. Bind a
// Ledger to a state.Tx to make a sequence of calls commit atomically.
type Ledger struct {
	kv state.KV
}

// New returns a ledger operating on kv.
func New(kv state.KV) *Ledger {
	return &Ledger{kv: kv}
}

// Atomic runs fn against a ledger bound to a fresh transaction and commits
// only if fn succeeds.
func Atomic(mgr *state.Manager, fn func(*Ledger) error) error {
	if mgr == nil {
		return errNilState
	}
	tx := mgr.Begin()
	if err := fn(New(tx)); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

func balanceKey(owner Owner, cur string) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(cur)+48)
	key = append(key, balancePrefix...)
	key = append(key, cur...)
	key = append(key, '/')
	key = append(key, owner.keySegment()...)
	return key
}

func supplyKey(cur string) []byte {
	return append(append([]byte(nil), supplyPrefix...), cur...)
}

func (l *Ledger) read(key []byte) (*uint256.Int, error) {
	if l == nil || l.kv == nil {
		return nil, errNilState
	}
	value := new(uint256.Int)
	ok, err := l.kv.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return value, nil
}

func (l *Ledger) write(key []byte, value *uint256.Int) error {
	if value.IsZero() {
		return l.kv.KVDelete(key)
	}
	return l.kv.KVPut(key, value)
}

func prepare(owner Owner, cur string, amount *uint256.Int) (string, error) {
	if err := owner.Validate(); err != nil {
		return "", err
	}
	if amount == nil {
		return "", ErrInvalidAmount
	}
	return currency.Normalize(cur)
}

// BalanceOf returns the balance held by owner in cur. Unknown owners hold
// zero.
func (l *Ledger) BalanceOf(owner Owner, cur string) (*uint256.Int, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	normalized, err := currency.Normalize(cur)
	if err != nil {
		return nil, err
	}
	return l.read(balanceKey(owner, normalized))
}

// Supply returns the total amount of cur held across every owner.
func (l *Ledger) Supply(cur string) (*uint256.Int, error) {
	normalized, err := currency.Normalize(cur)
	if err != nil {
		return nil, err
	}
	return l.read(supplyKey(normalized))
}

// Deposit credits a user balance with funds arriving from outside the ledger.
func (l *Ledger) Deposit(owner Owner, cur string, amount *uint256.Int) error {
	normalized, err := prepare(owner, cur, amount)
	if err != nil {
		return err
	}
	if owner.IsEscrow() {
		return ErrEscrowExternal
	}
	if amount.IsZero() {
		return nil
	}
	balance, err := l.read(balanceKey(owner, normalized))
	if err != nil {
		return err
	}
	supply, err := l.read(supplyKey(normalized))
	if err != nil {
		return err
	}
	nextBalance, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return ErrOverflow
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return ErrOverflow
	}
	if err := l.write(balanceKey(owner, normalized), nextBalance); err != nil {
		return err
	}
	return l.write(supplyKey(normalized), nextSupply)
}

// Withdraw debits a user balance for funds leaving the ledger.
func (l *Ledger) Withdraw(owner Owner, cur string, amount *uint256.Int) error {
	normalized, err := prepare(owner, cur, amount)
	if err != nil {
		return err
	}
	if owner.IsEscrow() {
		return ErrEscrowExternal
	}
	if amount.IsZero() {
		return nil
	}
	balance, err := l.read(balanceKey(owner, normalized))
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, owner, balance.Dec(), amount.Dec())
	}
	supply, err := l.read(supplyKey(normalized))
	if err != nil {
		return err
	}
	if supply.Lt(amount) {
		return fmt.Errorf("ledger: supply underflow for %s", normalized)
	}
	if err := l.write(balanceKey(owner, normalized), new(uint256.Int).Sub(balance, amount)); err != nil {
		return err
	}
	return l.write(supplyKey(normalized), new(uint256.Int).Sub(supply, amount))
}

// Transfer moves amount from one owner to another. Either both balances are
// updated or neither is.
func (l *Ledger) Transfer(from, to Owner, cur string, amount *uint256.Int) error {
	return l.TransferBatch(cur, []Transfer{{From: from, To: to, Amount: amount}})
}

// TransferBatch applies every transfer in order. All balances are computed
// before anything is written, so a failing leg leaves state untouched.
func (l *Ledger) TransferBatch(cur string, transfers []Transfer) error {
	if l == nil || l.kv == nil {
		return errNilState
	}
	normalized, err := currency.Normalize(cur)
	if err != nil {
		return err
	}
	balances := make(map[Owner]*uint256.Int)
	var order []Owner
	load := func(owner Owner) (*uint256.Int, error) {
		if bal, ok := balances[owner]; ok {
			return bal, nil
		}
		bal, err := l.read(balanceKey(owner, normalized))
		if err != nil {
			return nil, err
		}
		balances[owner] = bal
		order = append(order, owner)
		return bal, nil
	}
	for _, tr := range transfers {
		if _, err := prepare(tr.From, normalized, tr.Amount); err != nil {
			return err
		}
		if err := tr.To.Validate(); err != nil {
			return err
		}
		if tr.Amount.IsZero() || tr.From == tr.To {
			continue
		}
		fromBal, err := load(tr.From)
		if err != nil {
			return err
		}
		if fromBal.Lt(tr.Amount) {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, tr.From, fromBal.Dec(), tr.Amount.Dec())
		}
		toBal, err := load(tr.To)
		if err != nil {
			return err
		}
		credited, overflow := new(uint256.Int).AddOverflow(toBal, tr.Amount)
		if overflow {
			return ErrOverflow
		}
		balances[tr.From] = new(uint256.Int).Sub(fromBal, tr.Amount)
		balances[tr.To] = credited
	}
	for _, owner := range order {
		if err := l.write(balanceKey(owner, normalized), balances[owner]); err != nil {
			return err
		}
	}
	return nil
}
