package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"miaochain/core/events"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must not be negative")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrUnauthorizedMinter    = errors.New("token: caller is not the minter")
	ErrSupplyOverflow        = errors.New("token: total supply exceeds 256 bits")
	ErrUnknownToken          = errors.New("token: unknown token")
)

// Storage abstracts the subset of state manager functionality required by the
// ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Metadata describes a fungible token tracked by a Ledger.
type Metadata struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	// Minter is the only account allowed to mint and burn. The zero address
	// disables minting entirely.
	Minter common.Address
}

// Ledger keeps balances, allowances and supply for a single token.
type Ledger struct {
	store   Storage
	meta    Metadata
	emitter events.Emitter
}

// NewLedger binds a ledger for the described token to the provided storage.
func NewLedger(store Storage, meta Metadata) *Ledger {
	meta.Symbol = strings.ToUpper(strings.TrimSpace(meta.Symbol))
	return &Ledger{store: store, meta: meta, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event sink for transfers and supply changes.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	l.emitter = emitter
}

// Metadata returns the token description.
func (l *Ledger) Metadata() Metadata { return l.meta }

// Address returns the token address.
func (l *Ledger) Address() common.Address { return l.meta.Address }

// BalanceOf returns the holder balance, zero when unknown.
func (l *Ledger) BalanceOf(holder common.Address) (*big.Int, error) {
	return l.load(l.balanceKey(holder))
}

// TotalSupply returns the circulating supply.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	return l.load(l.supplyKey())
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender common.Address) (*big.Int, error) {
	return l.load(l.allowanceKey(owner, spender))
}

// Approve sets the allowance of spender over owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := l.store.KVPut(l.allowanceKey(owner, spender), new(big.Int).Set(amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.Approval{Token: l.meta.Address, Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer moves amount from one holder to another.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	fromBal, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientBalance, fromBal, amount)
	}
	if from != to {
		toBal, err := l.BalanceOf(to)
		if err != nil {
			return err
		}
		if err := l.store.KVPut(l.balanceKey(from), new(big.Int).Sub(fromBal, amount)); err != nil {
			return err
		}
		if err := l.store.KVPut(l.balanceKey(to), new(big.Int).Add(toBal, amount)); err != nil {
			return err
		}
	}
	l.emitter.Emit(events.Transfer{Token: l.meta.Address, Symbol: l.meta.Symbol, From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom moves amount from one holder to another using spender's
// allowance. An allowance equal to the maximum uint256 is never decremented.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	allowance, err := l.Allowance(from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := l.Transfer(from, to, amount); err != nil {
		return err
	}
	if isUnlimited(allowance) {
		return nil
	}
	return l.store.KVPut(l.allowanceKey(from, spender), new(big.Int).Sub(allowance, amount))
}

// Mint credits amount to the recipient. Only the configured minter may mint.
func (l *Ledger) Mint(caller, to common.Address, amount *big.Int) error {
	if err := l.checkMinter(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	supply, err := l.TotalSupply()
	if err != nil {
		return err
	}
	newSupply := new(big.Int).Add(supply, amount)
	if _, overflow := uint256.FromBig(newSupply); overflow {
		return ErrSupplyOverflow
	}
	bal, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := l.store.KVPut(l.balanceKey(to), new(big.Int).Add(bal, amount)); err != nil {
		return err
	}
	if err := l.store.KVPut(l.supplyKey(), newSupply); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenSupply{
		Token:   l.meta.Address,
		Symbol:  l.meta.Symbol,
		Account: to,
		Total:   new(big.Int).Set(newSupply),
		Delta:   new(big.Int).Set(amount),
		Reason:  events.SupplyReasonMint,
	})
	return nil
}

// Burn destroys amount from the holder. Only the configured minter may burn.
func (l *Ledger) Burn(caller, from common.Address, amount *big.Int) error {
	if err := l.checkMinter(caller); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	bal, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientBalance, bal, amount)
	}
	supply, err := l.TotalSupply()
	if err != nil {
		return err
	}
	newSupply := new(big.Int).Sub(supply, amount)
	if newSupply.Sign() < 0 {
		return fmt.Errorf("token %s: supply underflow", l.meta.Symbol)
	}
	if err := l.store.KVPut(l.balanceKey(from), new(big.Int).Sub(bal, amount)); err != nil {
		return err
	}
	if err := l.store.KVPut(l.supplyKey(), newSupply); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenSupply{
		Token:   l.meta.Address,
		Symbol:  l.meta.Symbol,
		Account: from,
		Total:   new(big.Int).Set(newSupply),
		Delta:   new(big.Int).Neg(amount),
		Reason:  events.SupplyReasonBurn,
	})
	return nil
}

// Authority returns a handle that mints and burns as caller. The engine is
// given such a handle instead of the raw ledger.
func (l *Ledger) Authority(caller common.Address) *Authority {
	return &Authority{ledger: l, caller: caller}
}

func (l *Ledger) checkMinter(caller common.Address) error {
	if l.meta.Minter == (common.Address{}) || caller != l.meta.Minter {
		return ErrUnauthorizedMinter
	}
	return nil
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := l.store.KVGet(key, value)
	if err != nil {
		return nil, fmt.Errorf("token %s: load: %w", l.meta.Symbol, err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (l *Ledger) balanceKey(holder common.Address) []byte {
	return append(append([]byte("token/"), l.meta.Address.Bytes()...), append([]byte("/balance/"), holder.Bytes()...)...)
}

func (l *Ledger) allowanceKey(owner, spender common.Address) []byte {
	key := append([]byte("token/"), l.meta.Address.Bytes()...)
	key = append(key, []byte("/allowance/")...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func (l *Ledger) supplyKey() []byte {
	return append(append([]byte("token/"), l.meta.Address.Bytes()...), []byte("/supply")...)
}

// Authority mints and burns on a ledger as a fixed caller.
type Authority struct {
	ledger *Ledger
	caller common.Address
}

// Address returns the token address.
func (a *Authority) Address() common.Address { return a.ledger.Address() }

// Mint credits amount to the recipient.
func (a *Authority) Mint(to common.Address, amount *big.Int) error {
	return a.ledger.Mint(a.caller, to, amount)
}

// Burn destroys amount held by from.
func (a *Authority) Burn(from common.Address, amount *big.Int) error {
	return a.ledger.Burn(a.caller, from, amount)
}

// BalanceOf returns the holder balance.
func (a *Authority) BalanceOf(holder common.Address) (*big.Int, error) {
	return a.ledger.BalanceOf(holder)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func isUnlimited(v *big.Int) bool {
	max := new(uint256.Int).SetAllOne()
	return v.Cmp(max.ToBig()) == 0
}

// MaxAllowance returns the unlimited allowance sentinel.
func MaxAllowance() *big.Int {
	return new(uint256.Int).SetAllOne().ToBig()
}
