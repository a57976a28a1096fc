package synth

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "miaochain/native/common"
)

var (
	ErrConfigurationMismatch          = errors.New("synth: asset and oracle lists differ in length")
	ErrDuplicateAsset                 = errors.New("synth: asset registered twice")
	ErrTokenNotSupported              = errors.New("synth: token not supported")
	ErrAmountToRedeemExceedsDeposited = errors.New("synth: amount to redeem exceeds deposited")
	ErrInsufficientBalance            = errors.New("synth: insufficient token balance")
	ErrAmountExceedsDebt              = errors.New("synth: amount exceeds outstanding debt")
	ErrCollateralRatioIsBroken        = errors.New("synth: collateral ratio is broken")
	ErrCollateralRatioIsNotBroken     = errors.New("synth: collateral ratio is not broken")
	ErrOracleDecimals                 = errors.New("synth: oracle decimals exceed engine precision")
	ErrInvalidPrice                   = errors.New("synth: oracle price must be positive")
	ErrArithmeticOverflow             = errors.New("synth: arithmetic overflow")

	// The validator sentinels are re-exported so callers of this package can
	// match every input error without importing native/common.
	ErrInvalidAddress    = nativecommon.ErrInvalidAddress
	ErrValueCannotBeZero = nativecommon.ErrValueCannotBeZero
	ErrModulePaused      = nativecommon.ErrModulePaused

	errNilState  = errors.New("synth engine: state not configured")
	errNilToken  = errors.New("synth engine: token ledger not configured")
	errNilBank   = errors.New("synth engine: collateral bank not configured")
	errNilOracle = errors.New("synth engine: price source not configured")
)

// RatioError reports a collateral ratio check outcome for a user. It matches
// ErrCollateralRatioIsBroken or ErrCollateralRatioIsNotBroken via errors.Is.
type RatioError struct {
	Kind  error
	User  common.Address
	Ratio *big.Int
}

func (e *RatioError) Error() string {
	return fmt.Sprintf("%v: user %s ratio %s", e.Kind, e.User.Hex(), formatRatio(e.Ratio))
}

func (e *RatioError) Unwrap() error { return e.Kind }

// AmountError rejects a request that exceeds what the caller owns. Current
// carries the amount that was available when the call was made.
type AmountError struct {
	Kind    error
	Current *big.Int
}

func (e *AmountError) Error() string {
	current := "0"
	if e.Current != nil {
		current = e.Current.String()
	}
	return fmt.Sprintf("%v: current %s", e.Kind, current)
}

func (e *AmountError) Unwrap() error { return e.Kind }

func ratioBroken(user common.Address, ratio *big.Int) error {
	return &RatioError{Kind: ErrCollateralRatioIsBroken, User: user, Ratio: new(big.Int).Set(ratio)}
}

func ratioNotBroken(user common.Address, ratio *big.Int) error {
	return &RatioError{Kind: ErrCollateralRatioIsNotBroken, User: user, Ratio: new(big.Int).Set(ratio)}
}

func amountError(kind error, current *big.Int) error {
	return &AmountError{Kind: kind, Current: new(big.Int).Set(current)}
}

func formatRatio(ratio *big.Int) string {
	if ratio == nil {
		return "0"
	}
	if ratio.Cmp(maxUint256) == 0 {
		return "max"
	}
	return ratio.String()
}
