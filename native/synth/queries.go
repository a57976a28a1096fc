package synth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenUsdPrice returns the asset price rescaled to 18 decimals.
func (e *Engine) TokenUsdPrice(asset common.Address) (*big.Int, error) {
	if err := e.readable(asset); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.normalizedPrice(asset)
	if err != nil {
		return nil, err
	}
	return price.ToBig(), nil
}

// TokenValueInUsd converts amount of asset into USD at the current price.
func (e *Engine) TokenValueInUsd(asset common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.readable(asset); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	value, err := e.valueOf(asset, amount)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// TokenAmountFromUsd converts a USD value into units of asset at the current
// price. The result is truncated toward zero.
func (e *Engine) TokenAmountFromUsd(asset common.Address, usd *big.Int) (*big.Int, error) {
	if err := e.readable(asset); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	price, err := e.normalizedPrice(asset)
	if err != nil {
		return nil, err
	}
	raw, err := toU256(usd)
	if err != nil {
		return nil, err
	}
	amount, err := amountFromUsd(raw, price)
	if err != nil {
		return nil, err
	}
	return amount.ToBig(), nil
}

// CollateralAmount returns how much of asset user has deposited.
func (e *Engine) CollateralAmount(user, asset common.Address) (*big.Int, error) {
	if err := e.readable(asset); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collateralOf(user, asset)
}

// MiaoTokenMinted returns the outstanding debt of user.
func (e *Engine) MiaoTokenMinted(user common.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.debtOf(user)
}

// CollateralValueInUsd returns the USD value of every deposit user holds.
func (e *Engine) CollateralValueInUsd(user common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	value, err := e.collateralValue(user)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

// CollateralRatio returns the collateral value of user divided by their debt,
// scaled by 1e18. A user without debt reports the maximum uint256 value.
func (e *Engine) CollateralRatio(user common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ratio, err := e.ratioOf(user)
	if err != nil {
		return nil, err
	}
	return ratio.ToBig(), nil
}

// AccountInformation reports debt, collateral value and ratio in one read.
func (e *Engine) AccountInformation(user common.Address) (*AccountInformation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	debt, err := e.debtOf(user)
	if err != nil {
		return nil, err
	}
	value, err := e.collateralValue(user)
	if err != nil {
		return nil, err
	}
	ratio, err := e.ratioOf(user)
	if err != nil {
		return nil, err
	}
	return &AccountInformation{
		Debt:               debt,
		CollateralValueUsd: value.ToBig(),
		Ratio:              ratio.ToBig(),
	}, nil
}

// MinimumCollateralRatio returns the ratio below which positions can be
// liquidated, scaled by 1e18.
func (e *Engine) MinimumCollateralRatio() *big.Int { return minimumCollateralRatio.ToBig() }

// LiquidationBonus returns the bonus fraction paid to liquidators, scaled by
// 1e18.
func (e *Engine) LiquidationBonus() *big.Int { return liquidationBonus.ToBig() }

// Precision returns the fixed-point scale shared by prices, values and ratios.
func (e *Engine) Precision() *big.Int { return precision.ToBig() }

// MiaoTokenAddress returns the address of the synthetic token.
func (e *Engine) MiaoTokenAddress() common.Address { return e.token.Address() }

// CollateralAssets lists the registered collateral in registration order.
func (e *Engine) CollateralAssets() []CollateralAsset {
	return append([]CollateralAsset(nil), e.assets...)
}

// IsSupported reports whether asset is registered collateral.
func (e *Engine) IsSupported(asset common.Address) bool {
	_, ok := e.registry[asset]
	return ok
}

func (e *Engine) readable(asset common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.requireSupported(asset)
}

// CustodyAddress returns the account holding deposited collateral. Users
// approve it on the collateral ledgers before depositing.
func (e *Engine) CustodyAddress() common.Address { return e.custody }
