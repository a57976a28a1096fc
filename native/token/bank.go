package token

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Bank groups the ledgers of every collateral asset so the engine can move
// any of them through a single handle.
type Bank struct {
	ledgers map[common.Address]*Ledger
}

// NewBank indexes the provided ledgers by token address.
func NewBank(ledgers ...*Ledger) *Bank {
	b := &Bank{ledgers: make(map[common.Address]*Ledger, len(ledgers))}
	for _, l := range ledgers {
		if l != nil {
			b.ledgers[l.Address()] = l
		}
	}
	return b
}

// Ledger returns the ledger for asset.
func (b *Bank) Ledger(asset common.Address) (*Ledger, error) {
	if b == nil {
		return nil, ErrUnknownToken
	}
	l, ok := b.ledgers[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, asset.Hex())
	}
	return l, nil
}

// Assets lists the token addresses known to the bank in byte order.
func (b *Bank) Assets() []common.Address {
	out := make([]common.Address, 0, len(b.ledgers))
	for addr := range b.ledgers {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// TransferFrom moves asset from one holder to another using spender's
// allowance.
func (b *Bank) TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error {
	l, err := b.Ledger(asset)
	if err != nil {
		return err
	}
	return l.TransferFrom(spender, from, to, amount)
}

// Transfer moves asset between holders without an allowance.
func (b *Bank) Transfer(asset, from, to common.Address, amount *big.Int) error {
	l, err := b.Ledger(asset)
	if err != nil {
		return err
	}
	return l.Transfer(from, to, amount)
}

// BalanceOf returns the holder balance of asset.
func (b *Bank) BalanceOf(asset, holder common.Address) (*big.Int, error) {
	l, err := b.Ledger(asset)
	if err != nil {
		return nil, err
	}
	return l.BalanceOf(holder)
}
