package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"miaochain/core/types"
)

const (
	// TypeTransfer is emitted for token balance movements between holders.
	TypeTransfer = "token.transfer"
	// TypeApproval is emitted when a holder changes a spender allowance.
	TypeApproval = "token.approval"
)

type Transfer struct {
	Token  common.Address
	Symbol string
	From   common.Address
	To     common.Address
	Amount *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"token":  formatAddress(e.Token),
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}
	if symbol := normalizeSymbol(e.Symbol); symbol != "" {
		attrs["symbol"] = symbol
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Approval struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{
		Type: TypeApproval,
		Attributes: map[string]string{
			"token":   formatAddress(e.Token),
			"owner":   formatAddress(e.Owner),
			"spender": formatAddress(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}
