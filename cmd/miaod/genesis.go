package main

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"miaochain/config"
	"miaochain/core/state"
	"miaochain/native/token"
)

// genesisMinter is the only account allowed to mint collateral. Collateral
// exists on the local network solely through genesis balances.
var genesisMinter = common.BytesToAddress([]byte("miaod/genesis"))

var genesisKey = []byte("miaod/genesis/applied")

// ledgers holds the synth token and every collateral ledger over one state.
type ledgers struct {
	miao       *token.Ledger
	collateral []*token.Ledger
	byAddress  map[common.Address]*token.Ledger
}

func buildLedgers(cfg *config.Config, store token.Storage) *ledgers {
	out := &ledgers{byAddress: make(map[common.Address]*token.Ledger)}
	out.miao = token.NewLedger(store, token.Metadata{
		Address:  cfg.Synth.TokenAddress(),
		Symbol:   "MIAO",
		Decimals: 18,
		Minter:   cfg.Synth.CustodyAddress(),
	})
	out.byAddress[out.miao.Address()] = out.miao
	for _, col := range cfg.Synth.Collateral {
		ledger := token.NewLedger(store, token.Metadata{
			Address:  common.HexToAddress(col.Asset),
			Symbol:   col.Symbol,
			Decimals: col.Decimals,
			Minter:   genesisMinter,
		})
		out.collateral = append(out.collateral, ledger)
		out.byAddress[ledger.Address()] = ledger
	}
	return out
}

// applyGenesis credits the configured balances once. Later starts see the
// marker and leave balances alone.
func applyGenesis(cfg *config.Config, mgr *state.Manager, books *ledgers, logger *slog.Logger) error {
	applied, err := mgr.KVGet(genesisKey, nil)
	if err != nil {
		return fmt.Errorf("read genesis marker: %w", err)
	}
	if applied {
		return nil
	}
	for i, balance := range cfg.Genesis.Balances {
		asset := common.HexToAddress(balance.Asset)
		ledger, ok := books.byAddress[asset]
		if !ok {
			return fmt.Errorf("genesis balance %d: unknown asset %s", i, asset.Hex())
		}
		amount, err := config.ParseAmount(balance.Amount)
		if err != nil {
			return fmt.Errorf("genesis balance %d: %w", i, err)
		}
		minter := genesisMinter
		if ledger == books.miao {
			minter = cfg.Synth.CustodyAddress()
		}
		if err := ledger.Mint(minter, common.HexToAddress(balance.Holder), amount); err != nil {
			return fmt.Errorf("genesis balance %d: %w", i, err)
		}
	}
	if err := mgr.KVPut(genesisKey, true); err != nil {
		return fmt.Errorf("write genesis marker: %w", err)
	}
	if err := mgr.Commit(); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	logger.Info("miaod: genesis applied", slog.Int("balances", len(cfg.Genesis.Balances)))
	return nil
}
