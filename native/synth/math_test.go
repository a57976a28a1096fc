package synth

import (
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestNormalizePrice(t *testing.T) {
	cases := []struct {
		price    int64
		decimals uint8
		want     string
	}{
		{2000_00000000, 8, "2000000000000000000000"},
		{1, 0, "1000000000000000000"},
		{1_500000, 6, "1500000000000000000"},
		{3, 18, "3"},
	}
	for _, tc := range cases {
		got, err := normalizePrice(big.NewInt(tc.price), tc.decimals)
		if err != nil {
			t.Fatalf("normalize %d/%d: %v", tc.price, tc.decimals, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("normalize %d/%d: have %s want %s", tc.price, tc.decimals, got.Dec(), tc.want)
		}
	}

	if _, err := normalizePrice(big.NewInt(1), 19); !errors.Is(err, ErrOracleDecimals) {
		t.Fatalf("expected oracle decimals error, got %v", err)
	}
	if _, err := normalizePrice(big.NewInt(0), 8); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price for zero, got %v", err)
	}
	if _, err := normalizePrice(big.NewInt(-5), 8); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price for negative, got %v", err)
	}
	if _, err := normalizePrice(maxUint256, 0); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestValueConversionRoundTrip(t *testing.T) {
	price, err := normalizePrice(big.NewInt(1234_56789012), 8)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, amount := range []uint64{1, 999, 1e18, 123456789123456789} {
		x := uint256.NewInt(amount)
		usd, err := valueInUsd(x, price)
		if err != nil {
			t.Fatalf("value: %v", err)
		}
		back, err := amountFromUsd(usd, price)
		if err != nil {
			t.Fatalf("amount: %v", err)
		}
		// Truncation can only lose value; the round trip never grows.
		if back.Gt(x) {
			t.Fatalf("round trip grew %d to %s", amount, back.Dec())
		}
		diff := new(uint256.Int).Sub(x, back)
		if diff.Gt(uint256.NewInt(1)) {
			t.Fatalf("round trip of %d lost %s units", amount, diff.Dec())
		}
	}
	if _, err := amountFromUsd(uint256.NewInt(1), new(uint256.Int)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestCollateralRatioAndBonus(t *testing.T) {
	ratio, err := collateralRatio(uint256.NewInt(4000), uint256.NewInt(2000))
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if !ratio.Eq(minimumCollateralRatio) {
		t.Fatalf("expected 2x ratio, got %s", ratio.Dec())
	}
	ratio, err = collateralRatio(uint256.NewInt(1), new(uint256.Int))
	if err != nil {
		t.Fatalf("ratio without debt: %v", err)
	}
	if ratio.ToBig().Cmp(maxUint256) != 0 {
		t.Fatalf("expected max ratio without debt, got %s", ratio.Dec())
	}

	bonus, err := bonusFor(uint256.NewInt(1000))
	if err != nil {
		t.Fatalf("bonus: %v", err)
	}
	if bonus.Uint64() != 100 {
		t.Fatalf("expected bonus 100, got %s", bonus.Dec())
	}
}

func TestMulDivRejectsOverflow(t *testing.T) {
	ceiling := new(uint256.Int).SetAllOne()
	if _, err := mulDiv(ceiling, uint256.NewInt(2), uint256.NewInt(2)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := add(ceiling, uint256.NewInt(1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow on add, got %v", err)
	}
	if _, err := toU256(big.NewInt(-1)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected negative input to fail, got %v", err)
	}
}
