package synth

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"miaochain/core/events"
	nativecommon "miaochain/native/common"
)

const moduleName = "synth"

var (
	collateralPrefix = []byte("synth/collateral/")
	debtPrefix       = []byte("synth/debt/")
)

type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Engine owns collateral deposits and MIAO debt for every user and executes
// the deposit, mint, redeem, burn and liquidation transitions. Each exported
// mutation is serialized and either commits every write or none of them.
type Engine struct {
	mu sync.Mutex

	state   engineState
	custody common.Address
	token   TokenLedger
	bank    CollateralBank
	prices  PriceSource

	assets   []CollateralAsset
	registry map[common.Address]common.Address

	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger
}

// NewEngine builds an engine for the given token. assets and oracles are
// paired positionally into the collateral registry, which is fixed for the
// lifetime of the engine. custody is the account holding deposited collateral;
// the token ledger must accept it as minter.
func NewEngine(custody common.Address, token TokenLedger, assets, oracles []common.Address) (*Engine, error) {
	if len(assets) != len(oracles) {
		return nil, fmt.Errorf("%w: %d assets, %d oracles", ErrConfigurationMismatch, len(assets), len(oracles))
	}
	if token == nil {
		return nil, errNilToken
	}
	if err := nativecommon.RequireNonZeroAddresses(custody, token.Address()); err != nil {
		return nil, fmt.Errorf("synth: custody or token: %w", err)
	}
	registry := make(map[common.Address]common.Address, len(assets))
	list := make([]CollateralAsset, 0, len(assets))
	for i, asset := range assets {
		if err := nativecommon.RequireNonZeroAddresses(asset, oracles[i]); err != nil {
			return nil, fmt.Errorf("synth: collateral %d: %w", i, err)
		}
		if _, exists := registry[asset]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset.Hex())
		}
		registry[asset] = oracles[i]
		list = append(list, CollateralAsset{Address: asset, Oracle: oracles[i]})
	}
	return &Engine{
		custody:  custody,
		token:    token,
		assets:   list,
		registry: registry,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
	}, nil
}

// SetState wires the engine to the journaled state store. The same store must
// back the token and collateral ledgers for rollbacks to cover them.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank configures the ledgers used to move collateral in and out of custody.
func (e *Engine) SetBank(bank CollateralBank) { e.bank = bank }

// SetPriceSource configures the oracle used to value collateral.
func (e *Engine) SetPriceSource(prices PriceSource) { e.prices = prices }

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetEmitter configures the sink for engine events. Events are only emitted
// once the operation that produced them has succeeded.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger
}

// DepositAndMint pulls collateralAmount of asset from caller into custody and
// mints mintAmount MIAO to caller against it. The caller must have approved
// the custody account on the collateral ledger beforehand.
func (e *Engine) DepositAndMint(caller, asset common.Address, collateralAmount, mintAmount *big.Int) error {
	if err := e.begin(caller, asset); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValues(collateralAmount, mintAmount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		if err := e.depositCollateral(caller, asset, collateralAmount, buf); err != nil {
			return err
		}
		return e.mintMiao(caller, mintAmount, buf)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: deposit and mint",
		slog.String("user", caller.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("collateral", collateralAmount.String()),
		slog.String("minted", mintAmount.String()))
	return nil
}

// DepositCollateral adds collateral without minting.
func (e *Engine) DepositCollateral(caller, asset common.Address, amount *big.Int) error {
	if err := e.begin(caller, asset); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValue(amount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		return e.depositCollateral(caller, asset, amount, buf)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: deposit",
		slog.String("user", caller.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()))
	return nil
}

// MintMiao issues more debt against collateral already deposited.
func (e *Engine) MintMiao(caller common.Address, amount *big.Int) error {
	if err := e.beginAccount(caller); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValue(amount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		return e.mintMiao(caller, amount, buf)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: mint",
		slog.String("user", caller.Hex()),
		slog.String("amount", amount.String()))
	return nil
}

// RedeemCollateral burns burnAmount MIAO from caller, reducing their debt, and
// returns collateralAmount of asset from custody. Unless the resulting debt is
// zero the position must remain above the minimum ratio.
func (e *Engine) RedeemCollateral(caller, asset common.Address, collateralAmount, burnAmount *big.Int) error {
	if err := e.begin(caller, asset); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValues(collateralAmount, burnAmount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		if err := e.redeemCollateral(caller, caller, asset, collateralAmount, buf); err != nil {
			return err
		}
		if err := e.burnMiao(caller, caller, burnAmount, buf); err != nil {
			return err
		}
		return e.requireHealthy(caller)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: redeem",
		slog.String("user", caller.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("collateral", collateralAmount.String()),
		slog.String("burned", burnAmount.String()))
	return nil
}

// RedeemCollateralOnly withdraws collateral without burning. The remaining
// position must stay above the minimum ratio.
func (e *Engine) RedeemCollateralOnly(caller, asset common.Address, amount *big.Int) error {
	if err := e.begin(caller, asset); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValue(amount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		if err := e.redeemCollateral(caller, caller, asset, amount, buf); err != nil {
			return err
		}
		return e.requireHealthy(caller)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: withdraw",
		slog.String("user", caller.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.String()))
	return nil
}

// BurnMiao repays debt without touching collateral.
func (e *Engine) BurnMiao(caller common.Address, amount *big.Int) error {
	if err := e.beginAccount(caller); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroValue(amount); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.atomically(func(buf *events.Buffer) error {
		return e.burnMiao(caller, caller, amount, buf)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("synth: burn",
		slog.String("user", caller.Hex()),
		slog.String("amount", amount.String()))
	return nil
}

// Liquidate repays debtToCover of target's debt with MIAO burned from
// liquidator and pays the liquidator the equivalent collateral plus the
// liquidation bonus. Only positions below the minimum ratio can be liquidated.
//
// When target holds less of asset than principal plus bonus, the liquidator
// receives everything target deposited in asset and the USD value of the bonus
// is deducted from the MIAO burned instead.
func (e *Engine) Liquidate(liquidator, target, asset common.Address, debtToCover *big.Int) (*LiquidationResult, error) {
	if err := e.begin(liquidator, asset); err != nil {
		return nil, err
	}
	if err := nativecommon.RequireNonZeroAddress(target); err != nil {
		return nil, err
	}
	if err := e.requireExternal(target); err != nil {
		return nil, err
	}
	if err := nativecommon.RequireNonZeroValue(debtToCover); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var result *LiquidationResult
	err := e.atomically(func(buf *events.Buffer) error {
		res, err := e.liquidate(liquidator, target, asset, debtToCover, buf)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("synth: position liquidated",
		slog.String("liquidator", liquidator.Hex()),
		slog.String("user", target.Hex()),
		slog.String("asset", asset.Hex()),
		slog.String("branch", result.Branch),
		slog.String("debtCovered", result.DebtCovered.String()),
		slog.String("collateralSeized", result.CollateralSeized.String()),
		slog.String("tokensBurned", result.TokensBurned.String()))
	return result, nil
}

func (e *Engine) liquidate(liquidator, target, asset common.Address, debtToCover *big.Int, buf *events.Buffer) (*LiquidationResult, error) {
	ratio, err := e.ratioOf(target)
	if err != nil {
		return nil, err
	}
	if !ratio.Lt(minimumCollateralRatio) {
		return nil, ratioNotBroken(target, ratio.ToBig())
	}
	debt, err := e.debtOf(target)
	if err != nil {
		return nil, err
	}
	if debtToCover.Cmp(debt) > 0 {
		return nil, amountError(ErrAmountExceedsDebt, debt)
	}

	price, err := e.normalizedPrice(asset)
	if err != nil {
		return nil, err
	}
	cover, err := toU256(debtToCover)
	if err != nil {
		return nil, err
	}
	principal, err := amountFromUsd(cover, price)
	if err != nil {
		return nil, err
	}
	bonus, err := bonusFor(principal)
	if err != nil {
		return nil, err
	}
	owed, err := add(principal, bonus)
	if err != nil {
		return nil, err
	}
	deposited, err := e.collateralOf(target, asset)
	if err != nil {
		return nil, err
	}
	available, err := toU256(deposited)
	if err != nil {
		return nil, err
	}

	branch := LiquidationBranchFull
	seized := owed
	outlay := new(uint256.Int).Set(cover)
	if available.Lt(owed) {
		branch = LiquidationBranchShortfall
		seized = available
		foregone, err := valueInUsd(bonus, price)
		if err != nil {
			return nil, err
		}
		if foregone.Gt(cover) {
			foregone = cover
		}
		outlay.Sub(cover, foregone)
	}

	if !outlay.IsZero() {
		balance, err := e.token.BalanceOf(liquidator)
		if err != nil {
			return nil, fmt.Errorf("synth: balance: %w", err)
		}
		if balance.Cmp(outlay.ToBig()) < 0 {
			return nil, amountError(ErrInsufficientBalance, balance)
		}
		if err := e.token.Burn(liquidator, outlay.ToBig()); err != nil {
			return nil, fmt.Errorf("synth: burn: %w", err)
		}
	}
	if err := e.putDebt(target, new(big.Int).Sub(debt, debtToCover)); err != nil {
		return nil, err
	}
	if !seized.IsZero() {
		if err := e.redeemCollateral(target, liquidator, asset, seized.ToBig(), buf); err != nil {
			return nil, err
		}
	}

	result := &LiquidationResult{
		Branch:           branch,
		DebtCovered:      new(big.Int).Set(debtToCover),
		CollateralSeized: seized.ToBig(),
		Bonus:            bonus.ToBig(),
		TokensBurned:     outlay.ToBig(),
		RatioBefore:      ratio.ToBig(),
	}
	buf.Emit(TokenBurned{Payer: liquidator, OnBehalfOf: target, Amount: result.TokensBurned})
	buf.Emit(PositionLiquidated{
		Liquidator:       liquidator,
		User:             target,
		Asset:            asset,
		Branch:           branch,
		DebtCovered:      result.DebtCovered,
		CollateralSeized: result.CollateralSeized,
		TokensBurned:     result.TokensBurned,
	})
	return result, nil
}

func (e *Engine) depositCollateral(caller, asset common.Address, amount *big.Int, buf *events.Buffer) error {
	if err := e.bank.TransferFrom(asset, e.custody, caller, e.custody, amount); err != nil {
		return fmt.Errorf("synth: collateral transfer: %w", err)
	}
	current, err := e.collateralOf(caller, asset)
	if err != nil {
		return err
	}
	if err := e.putCollateral(caller, asset, new(big.Int).Add(current, amount)); err != nil {
		return err
	}
	buf.Emit(CollateralDeposited{User: caller, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// mintMiao records the new debt, checks the ratio and only then mints, so an
// unhealthy request never reaches the token ledger.
func (e *Engine) mintMiao(caller common.Address, amount *big.Int, buf *events.Buffer) error {
	debt, err := e.debtOf(caller)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(debt, amount)
	if _, err := toU256(updated); err != nil {
		return err
	}
	if err := e.putDebt(caller, updated); err != nil {
		return err
	}
	if err := e.requireHealthy(caller); err != nil {
		return err
	}
	if err := e.token.Mint(caller, amount); err != nil {
		return fmt.Errorf("synth: mint: %w", err)
	}
	buf.Emit(TokenMinted{User: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

func (e *Engine) burnMiao(payer, onBehalfOf common.Address, amount *big.Int, buf *events.Buffer) error {
	balance, err := e.token.BalanceOf(payer)
	if err != nil {
		return fmt.Errorf("synth: balance: %w", err)
	}
	if amount.Cmp(balance) > 0 {
		return amountError(ErrInsufficientBalance, balance)
	}
	debt, err := e.debtOf(onBehalfOf)
	if err != nil {
		return err
	}
	if amount.Cmp(debt) > 0 {
		return amountError(ErrAmountExceedsDebt, debt)
	}
	if err := e.token.Burn(payer, amount); err != nil {
		return fmt.Errorf("synth: burn: %w", err)
	}
	if err := e.putDebt(onBehalfOf, new(big.Int).Sub(debt, amount)); err != nil {
		return err
	}
	buf.Emit(TokenBurned{Payer: payer, OnBehalfOf: onBehalfOf, Amount: new(big.Int).Set(amount)})
	return nil
}

// redeemCollateral moves amount of from's deposit out of custody to to.
func (e *Engine) redeemCollateral(from, to, asset common.Address, amount *big.Int, buf *events.Buffer) error {
	deposited, err := e.collateralOf(from, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(deposited) > 0 {
		return amountError(ErrAmountToRedeemExceedsDeposited, deposited)
	}
	if err := e.putCollateral(from, asset, new(big.Int).Sub(deposited, amount)); err != nil {
		return err
	}
	if err := e.bank.Transfer(asset, e.custody, to, amount); err != nil {
		return fmt.Errorf("synth: collateral transfer: %w", err)
	}
	buf.Emit(CollateralRedeemed{From: from, To: to, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// atomically runs fn against a state snapshot. On error every write fn made,
// including those of the ledgers sharing the state, is reverted and the events
// it produced are dropped.
func (e *Engine) atomically(fn func(buf *events.Buffer) error) error {
	snapshot := e.state.Snapshot()
	buf := &events.Buffer{}
	if err := fn(buf); err != nil {
		e.state.RevertToSnapshot(snapshot)
		buf.Discard()
		return err
	}
	e.state.DiscardSnapshot(snapshot)
	buf.Flush(e.emitter)
	return nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	if e.prices == nil {
		return errNilOracle
	}
	return nil
}

func (e *Engine) beginAccount(caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.RequireNonZeroAddress(caller); err != nil {
		return err
	}
	return e.requireExternal(caller)
}

// requireExternal rejects the custody account as a position owner or
// liquidator. Collateral is only credited for transfers into custody from
// another account.
func (e *Engine) requireExternal(account common.Address) error {
	if account == e.custody {
		return fmt.Errorf("%w: custody account %s cannot hold a position", ErrInvalidAddress, account.Hex())
	}
	return nil
}

func (e *Engine) begin(caller, asset common.Address) error {
	if err := e.beginAccount(caller); err != nil {
		return err
	}
	return e.requireSupported(asset)
}

func (e *Engine) requireSupported(asset common.Address) error {
	if err := nativecommon.RequireNonZeroAddress(asset); err != nil {
		return err
	}
	if _, ok := e.registry[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotSupported, asset.Hex())
	}
	return nil
}

func (e *Engine) requireHealthy(user common.Address) error {
	ratio, err := e.ratioOf(user)
	if err != nil {
		return err
	}
	if ratio.Lt(minimumCollateralRatio) {
		return ratioBroken(user, ratio.ToBig())
	}
	return nil
}

func (e *Engine) normalizedPrice(asset common.Address) (*uint256.Int, error) {
	oracle, ok := e.registry[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, asset.Hex())
	}
	price, decimals, err := e.prices.Price(oracle)
	if err != nil {
		return nil, fmt.Errorf("synth: price of %s: %w", asset.Hex(), err)
	}
	return normalizePrice(price, decimals)
}

func (e *Engine) valueOf(asset common.Address, amount *big.Int) (*uint256.Int, error) {
	price, err := e.normalizedPrice(asset)
	if err != nil {
		return nil, err
	}
	raw, err := toU256(amount)
	if err != nil {
		return nil, err
	}
	return valueInUsd(raw, price)
}

// collateralValue sums the USD value of every deposit held by user. Assets the
// user holds nothing of are not priced.
func (e *Engine) collateralValue(user common.Address) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range e.assets {
		amount, err := e.collateralOf(user, asset.Address)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			continue
		}
		value, err := e.valueOf(asset.Address, amount)
		if err != nil {
			return nil, err
		}
		if total, err = add(total, value); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func (e *Engine) ratioOf(user common.Address) (*uint256.Int, error) {
	debt, err := e.debtOf(user)
	if err != nil {
		return nil, err
	}
	if debt.Sign() == 0 {
		return new(uint256.Int).SetAllOne(), nil
	}
	value, err := e.collateralValue(user)
	if err != nil {
		return nil, err
	}
	rawDebt, err := toU256(debt)
	if err != nil {
		return nil, err
	}
	return collateralRatio(value, rawDebt)
}

func (e *Engine) collateralOf(user, asset common.Address) (*big.Int, error) {
	return e.loadAmount(collateralKey(user, asset))
}

func (e *Engine) putCollateral(user, asset common.Address, amount *big.Int) error {
	return e.state.KVPut(collateralKey(user, asset), amount)
}

func (e *Engine) debtOf(user common.Address) (*big.Int, error) {
	return e.loadAmount(debtKey(user))
}

func (e *Engine) putDebt(user common.Address, amount *big.Int) error {
	return e.state.KVPut(debtKey(user), amount)
}

func (e *Engine) loadAmount(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := e.state.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func collateralKey(user, asset common.Address) []byte {
	key := make([]byte, 0, len(collateralPrefix)+2*common.AddressLength)
	key = append(key, collateralPrefix...)
	key = append(key, user.Bytes()...)
	return append(key, asset.Bytes()...)
}

func debtKey(user common.Address) []byte {
	key := make([]byte, 0, len(debtPrefix)+common.AddressLength)
	key = append(key, debtPrefix...)
	return append(key, user.Bytes()...)
}
