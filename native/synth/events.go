package synth

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"miaochain/core/types"
)

const (
	// EventTypeCollateralDeposited is emitted when collateral enters custody.
	EventTypeCollateralDeposited = "synth.collateral.deposited"
	// EventTypeCollateralRedeemed is emitted when collateral leaves custody,
	// either back to its owner or to a liquidator.
	EventTypeCollateralRedeemed = "synth.collateral.redeemed"
	// EventTypeTokenMinted is emitted when debt is issued.
	EventTypeTokenMinted = "synth.token.minted"
	// EventTypeTokenBurned is emitted when MIAO is burned to reduce debt.
	EventTypeTokenBurned = "synth.token.burned"
	// EventTypePositionLiquidated summarises a liquidation.
	EventTypePositionLiquidated = "synth.position.liquidated"
)

type CollateralDeposited struct {
	User   common.Address
	Asset  common.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return EventTypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: EventTypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   hexAddress(e.User),
			"asset":  hexAddress(e.Asset),
			"amount": amountString(e.Amount),
		},
	}
}

// CollateralRedeemed records collateral leaving From's position for To.
type CollateralRedeemed struct {
	From   common.Address
	To     common.Address
	Asset  common.Address
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return EventTypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *types.Event {
	return &types.Event{
		Type: EventTypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   hexAddress(e.From),
			"to":     hexAddress(e.To),
			"asset":  hexAddress(e.Asset),
			"amount": amountString(e.Amount),
		},
	}
}

type TokenMinted struct {
	User   common.Address
	Amount *big.Int
}

func (TokenMinted) EventType() string { return EventTypeTokenMinted }

func (e TokenMinted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTokenMinted,
		Attributes: map[string]string{
			"user":   hexAddress(e.User),
			"amount": amountString(e.Amount),
		},
	}
}

// TokenBurned records MIAO burned from Payer to reduce OnBehalfOf's debt.
type TokenBurned struct {
	Payer      common.Address
	OnBehalfOf common.Address
	Amount     *big.Int
}

func (TokenBurned) EventType() string { return EventTypeTokenBurned }

func (e TokenBurned) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTokenBurned,
		Attributes: map[string]string{
			"payer":      hexAddress(e.Payer),
			"onBehalfOf": hexAddress(e.OnBehalfOf),
			"amount":     amountString(e.Amount),
		},
	}
}

type PositionLiquidated struct {
	Liquidator       common.Address
	User             common.Address
	Asset            common.Address
	Branch           string
	DebtCovered      *big.Int
	CollateralSeized *big.Int
	TokensBurned     *big.Int
}

func (PositionLiquidated) EventType() string { return EventTypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: EventTypePositionLiquidated,
		Attributes: map[string]string{
			"liquidator":       hexAddress(e.Liquidator),
			"user":             hexAddress(e.User),
			"asset":            hexAddress(e.Asset),
			"branch":           e.Branch,
			"debtCovered":      amountString(e.DebtCovered),
			"collateralSeized": amountString(e.CollateralSeized),
			"tokensBurned":     amountString(e.TokensBurned),
		},
	}
}

func hexAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
