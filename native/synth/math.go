package synth

import (
	"math/big"

	"github.com/holiman/uint256"
)

// PrecisionDecimals is the number of fractional digits used by every amount the
// engine derives: USD values, ratios and the MIAO token itself.
const PrecisionDecimals = 18

var (
	precision = mustPow10(PrecisionDecimals)

	// minimumCollateralRatio is 200%: collateral worth 2 USD backs 1 MIAO.
	minimumCollateralRatio = new(uint256.Int).Mul(uint256.NewInt(2), precision)
	// liquidationBonus is 10% of the seized principal-equivalent collateral.
	liquidationBonus = new(uint256.Int).Div(precision, uint256.NewInt(10))

	maxUint256 = new(uint256.Int).SetAllOne().ToBig()
)

func mustPow10(exp uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(exp))
}

// toU256 converts a non-negative big integer, failing when it does not fit.
func toU256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrArithmeticOverflow
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// mulDiv returns a*b/d. The product is checked before the division so a
// result is never derived from a wrapped intermediate.
func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return product.Div(product, d), nil
}

func add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return sum, nil
}

// normalizePrice rescales an oracle answer with the given decimals to the
// engine precision. Feeds with more decimals than the engine are rejected
// rather than truncated.
func normalizePrice(price *big.Int, decimals uint8) (*uint256.Int, error) {
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if decimals > PrecisionDecimals {
		return nil, ErrOracleDecimals
	}
	raw, err := toU256(price)
	if err != nil {
		return nil, err
	}
	scale := mustPow10(uint64(PrecisionDecimals - decimals))
	normalized, overflow := new(uint256.Int).MulOverflow(raw, scale)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return normalized, nil
}

// valueInUsd converts an asset amount to USD at the normalized price.
func valueInUsd(amount, normalizedPrice *uint256.Int) (*uint256.Int, error) {
	return mulDiv(amount, normalizedPrice, precision)
}

// amountFromUsd converts a USD value to asset units at the normalized price.
func amountFromUsd(usd, normalizedPrice *uint256.Int) (*uint256.Int, error) {
	if normalizedPrice.IsZero() {
		return nil, ErrInvalidPrice
	}
	return mulDiv(usd, precision, normalizedPrice)
}

// collateralRatio returns value*precision/debt, or the uint256 maximum when the
// user has no debt.
func collateralRatio(value, debt *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return new(uint256.Int).SetAllOne(), nil
	}
	return mulDiv(value, precision, debt)
}

// bonusFor returns the liquidation bonus owed on a seized amount.
func bonusFor(seized *uint256.Int) (*uint256.Int, error) {
	return mulDiv(seized, liquidationBonus, precision)
}
