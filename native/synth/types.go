package synth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralAsset is an approved collateral token and the price feed used to
// value it.
type CollateralAsset struct {
	Address common.Address
	Oracle  common.Address
}

// PriceSource returns the latest answer of a price feed together with the
// number of decimals the answer is expressed in.
type PriceSource interface {
	Price(feed common.Address) (*big.Int, uint8, error)
}

// TokenLedger is the synthetic token as seen by the engine: it may mint and
// burn on behalf of holders and read their balances.
type TokenLedger interface {
	Address() common.Address
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
	BalanceOf(holder common.Address) (*big.Int, error)
}

// CollateralBank moves collateral tokens. TransferFrom spends an allowance the
// owner granted to spender beforehand.
type CollateralBank interface {
	TransferFrom(asset, spender, from, to common.Address, amount *big.Int) error
	Transfer(asset, from, to common.Address, amount *big.Int) error
}

// AccountInformation summarises a user's position.
type AccountInformation struct {
	Debt               *big.Int
	CollateralValueUsd *big.Int
	Ratio              *big.Int
}

// Liquidation branches.
const (
	LiquidationBranchFull      = "full"
	LiquidationBranchShortfall = "shortfall"
)

// LiquidationResult describes a completed liquidation.
type LiquidationResult struct {
	// Branch is LiquidationBranchFull when the target held enough collateral
	// to pay principal and bonus, LiquidationBranchShortfall otherwise.
	Branch string
	// DebtCovered is the amount removed from the target's debt.
	DebtCovered *big.Int
	// CollateralSeized is the amount of the asset paid to the liquidator.
	CollateralSeized *big.Int
	// Bonus is the bonus computed on the principal-equivalent collateral.
	Bonus *big.Int
	// TokensBurned is the liquidator's net MIAO outlay.
	TokensBurned *big.Int
	// RatioBefore is the target ratio that allowed the liquidation.
	RatioBefore *big.Int
}
