package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"miaochain/core/types"
	"miaochain/native/synth"
)

type approveRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type depositAndMintRequest struct {
	Caller           string `json:"caller"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	MintAmount       string `json:"mintAmount"`
}

type redeemRequest struct {
	Caller           string `json:"caller"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateralAmount"`
	BurnAmount       string `json:"burnAmount"`
}

type assetAmountRequest struct {
	Caller string `json:"caller"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type liquidateRequest struct {
	Caller      string `json:"caller"`
	User        string `json:"user"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debtToCover"`
}

type collateralParams struct {
	Asset    string `json:"asset"`
	Oracle   string `json:"oracle"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals,omitempty"`
}

type paramsResponse struct {
	Token                  string             `json:"token"`
	Custody                string             `json:"custody"`
	MinimumCollateralRatio string             `json:"minimumCollateralRatio"`
	LiquidationBonus       string             `json:"liquidationBonus"`
	Precision              string             `json:"precision"`
	Collateral             []collateralParams `json:"collateral"`
}

type collateralBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type positionResponse struct {
	User               string              `json:"user"`
	Debt               string              `json:"debt"`
	CollateralValueUsd string              `json:"collateralValueUsd"`
	Ratio              string              `json:"ratio"`
	Liquidatable       bool                `json:"liquidatable"`
	MiaoBalance        string              `json:"miaoBalance"`
	Collateral         []collateralBalance `json:"collateral"`
}

type liquidationResponse struct {
	Branch           string `json:"branch"`
	DebtCovered      string `json:"debtCovered"`
	CollateralSeized string `json:"collateralSeized"`
	Bonus            string `json:"bonus"`
	TokensBurned     string `json:"tokensBurned"`
	RatioBefore      string `json:"ratioBefore"`
}

type okResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{Status: "ok"})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	engine := s.rt.Engine
	resp := paramsResponse{
		Token:                  hexString(engine.MiaoTokenAddress()),
		Custody:                hexString(engine.CustodyAddress()),
		MinimumCollateralRatio: engine.MinimumCollateralRatio().String(),
		LiquidationBonus:       engine.LiquidationBonus().String(),
		Precision:              engine.Precision().String(),
	}
	for _, asset := range engine.CollateralAssets() {
		entry := collateralParams{
			Asset:  hexString(asset.Address),
			Oracle: hexString(asset.Oracle),
		}
		if ledger, err := s.rt.Bank.Ledger(asset.Address); err == nil {
			meta := ledger.Metadata()
			entry.Symbol = meta.Symbol
			entry.Decimals = meta.Decimals
		}
		resp.Collateral = append(resp.Collateral, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress("asset", chi.URLParam(r, "asset"))
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	price, err := s.rt.Engine.TokenUsdPrice(asset)
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": hexString(asset), "price": price.String()})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	engine := s.rt.Engine
	info, err := engine.AccountInformation(user)
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	balance, err := s.rt.Token.BalanceOf(user)
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	resp := positionResponse{
		User:               hexString(user),
		Debt:               info.Debt.String(),
		CollateralValueUsd: info.CollateralValueUsd.String(),
		Ratio:              info.Ratio.String(),
		Liquidatable:       info.Ratio.Cmp(engine.MinimumCollateralRatio()) < 0,
		MiaoBalance:        balance.String(),
		Collateral:         []collateralBalance{},
	}
	for _, asset := range engine.CollateralAssets() {
		amount, err := engine.CollateralAmount(user, asset.Address)
		if err != nil {
			writeJSONError(w, statusFor(err), err)
			return
		}
		resp.Collateral = append(resp.Collateral, collateralBalance{Asset: hexString(asset.Address), Amount: amount.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress("holder", chi.URLParam(r, "holder"))
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	balances := make([]collateralBalance, 0, len(s.rt.Bank.Assets())+1)
	miao, err := s.rt.Token.BalanceOf(holder)
	if err != nil {
		writeJSONError(w, statusFor(err), err)
		return
	}
	balances = append(balances, collateralBalance{Asset: hexString(s.rt.Token.Address()), Amount: miao.String()})
	for _, asset := range s.rt.Bank.Assets() {
		amount, err := s.rt.Bank.BalanceOf(asset, holder)
		if err != nil {
			writeJSONError(w, statusFor(err), err)
			return
		}
		balances = append(balances, collateralBalance{Asset: hexString(asset), Amount: amount.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"holder": hexString(holder), "balances": balances})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	out := []*types.Event{}
	if s.rt.Feed != nil {
		recorded := s.rt.Feed.Events()
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				err = badRequest(fmt.Errorf("limit must be a positive integer"))
				writeJSONError(w, statusFor(err), err)
				return
			}
			if limit < len(recorded) {
				recorded = recorded[len(recorded)-limit:]
			}
		}
		for _, evt := range recorded {
			out = append(out, types.Render(evt))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "approve", func() (*mutation, error) {
		var req approveRequest
		if err := decodeRequest(w, r, &req); err != nil {
			return nil, err
		}
		owner, err := parseAddress("owner", req.Owner)
		if err != nil {
			return nil, err
		}
		custody := s.rt.Engine.CustodyAddress()
		if owner == custody {
			return nil, badRequest(fmt.Errorf("%w: %w", errCustodyOwner, synth.ErrInvalidAddress))
		}
		asset, err := parseAddress("asset", req.Asset)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		ledger := s.rt.Token
		if asset != ledger.Address() {
			if ledger, err = s.rt.Bank.Ledger(asset); err != nil {
				return nil, err
			}
		}
		return &mutation{actor: owner, apply: func() (any, error) {
			if err := ledger.Approve(owner, custody, amount); err != nil {
				return nil, err
			}
			return okResponse{Status: "approved"}, nil
		}}, nil
	})
}

func (s *Server) handleDepositAndMint(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "deposit_and_mint", func() (*mutation, error) {
		var req depositAndMintRequest
		if err := decodeRequest(w, r, &req); err != nil {
			return nil, err
		}
		caller, asset, err := parseCallerAsset(req.Caller, req.Asset)
		if err != nil {
			return nil, err
		}
		collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
		if err != nil {
			return nil, err
		}
		mint, err := parseAmount("mintAmount", req.MintAmount)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.DepositAndMint(caller, asset, collateral, mint))
		}}, nil
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "deposit", func() (*mutation, error) {
		caller, asset, amount, err := decodeAssetAmount(w, r)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.DepositCollateral(caller, asset, amount))
		}}, nil
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "mint", func() (*mutation, error) {
		caller, amount, err := decodeAmount(w, r)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.MintMiao(caller, amount))
		}}, nil
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "redeem", func() (*mutation, error) {
		var req redeemRequest
		if err := decodeRequest(w, r, &req); err != nil {
			return nil, err
		}
		caller, asset, err := parseCallerAsset(req.Caller, req.Asset)
		if err != nil {
			return nil, err
		}
		collateral, err := parseAmount("collateralAmount", req.CollateralAmount)
		if err != nil {
			return nil, err
		}
		burn, err := parseAmount("burnAmount", req.BurnAmount)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.RedeemCollateral(caller, asset, collateral, burn))
		}}, nil
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "withdraw", func() (*mutation, error) {
		caller, asset, amount, err := decodeAssetAmount(w, r)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.RedeemCollateralOnly(caller, asset, amount))
		}}, nil
	})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "burn", func() (*mutation, error) {
		caller, amount, err := decodeAmount(w, r)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			return okOrError(s.rt.Engine.BurnMiao(caller, amount))
		}}, nil
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "liquidate", func() (*mutation, error) {
		var req liquidateRequest
		if err := decodeRequest(w, r, &req); err != nil {
			return nil, err
		}
		caller, asset, err := parseCallerAsset(req.Caller, req.Asset)
		if err != nil {
			return nil, err
		}
		user, err := parseAddress("user", req.User)
		if err != nil {
			return nil, err
		}
		cover, err := parseAmount("debtToCover", req.DebtToCover)
		if err != nil {
			return nil, err
		}
		return &mutation{actor: caller, apply: func() (any, error) {
			res, err := s.rt.Engine.Liquidate(caller, user, asset, cover)
			if err != nil {
				return nil, err
			}
			return liquidationResponse{
				Branch:           res.Branch,
				DebtCovered:      res.DebtCovered.String(),
				CollateralSeized: res.CollateralSeized.String(),
				Bonus:            res.Bonus.String(),
				TokensBurned:     res.TokensBurned.String(),
				RatioBefore:      res.RatioBefore.String(),
			}, nil
		}}, nil
	})
}

func okOrError(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return okResponse{Status: "ok"}, nil
}

func decodeAssetAmount(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, *big.Int, error) {
	var req assetAmountRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	caller, asset, err := parseCallerAsset(req.Caller, req.Asset)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return common.Address{}, common.Address{}, nil, err
	}
	return caller, asset, amount, nil
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, error) {
	var req amountRequest
	if err := decodeRequest(w, r, &req); err != nil {
		return common.Address{}, nil, err
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return caller, amount, nil
}

func parseCallerAsset(caller, asset string) (common.Address, common.Address, error) {
	callerAddr, err := parseAddress("caller", caller)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	assetAddr, err := parseAddress("asset", asset)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return callerAddr, assetAddr, nil
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, badRequest(fmt.Errorf("%s: %q is not a hex address", field, value))
	}
	return common.HexToAddress(value), nil
}

// parseAmount accepts any base-10 integer. Sign and zero checks are left to
// the engine so the error matches the one returned to in-process callers.
func parseAmount(field, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, badRequest(fmt.Errorf("%s is required", field))
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, badRequest(fmt.Errorf("%s: %q is not an integer", field, value))
	}
	return amount, nil
}

func hexString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
