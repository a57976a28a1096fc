package common

import (
	"errors"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAddress is returned when a required address is the zero address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrValueCannotBeZero is returned when a required amount is nil, zero or
	// negative.
	ErrValueCannotBeZero = errors.New("value cannot be zero")
)

// RequireNonZeroAddress rejects the zero address.
func RequireNonZeroAddress(addr ethcommon.Address) error {
	if addr == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	return nil
}

// RequireNonZeroValue rejects nil and non-positive amounts.
func RequireNonZeroValue(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrValueCannotBeZero
	}
	return nil
}

// RequireNonZeroAddresses applies RequireNonZeroAddress to every argument and
// returns the first failure.
func RequireNonZeroAddresses(addrs ...ethcommon.Address) error {
	for _, addr := range addrs {
		if err := RequireNonZeroAddress(addr); err != nil {
			return err
		}
	}
	return nil
}

// RequireNonZeroValues applies RequireNonZeroValue to every argument and
// returns the first failure.
func RequireNonZeroValues(amounts ...*big.Int) error {
	for _, amount := range amounts {
		if err := RequireNonZeroValue(amount); err != nil {
			return err
		}
	}
	return nil
}
