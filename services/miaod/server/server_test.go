package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miaochain/core/events"
	"miaochain/core/state"
	nativecommon "miaochain/native/common"
	"miaochain/native/synth"
	"miaochain/native/token"
	"miaochain/observability"
	"miaochain/oracle"
	"miaochain/services/miaod/idempotency"
	"miaochain/services/miaod/middleware"
	"miaochain/storage"
)

var (
	custody  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	faucet   = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	miaoAddr = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	wethAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	wethFeed = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	alice    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type harness struct {
	db       *storage.MemDB
	hub      *events.Hub
	state    *state.Manager
	engine   *synth.Engine
	miao     *token.Ledger
	weth     *token.Ledger
	feed     *oracle.StaticFeed
	recorder *events.Recorder
	handler  http.Handler
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func newHarness(t *testing.T, paused bool) *harness {
	t.Helper()
	return newConfiguredHarness(t, paused, Config{})
}

func newConfiguredHarness(t *testing.T, paused bool, cfg Config) *harness {
	t.Helper()
	db := storage.NewMemDB()
	mgr := state.NewManager(db)
	pending := &events.Buffer{}

	miao := token.NewLedger(mgr, token.Metadata{Address: miaoAddr, Symbol: "MIAO", Decimals: 18, Minter: custody})
	weth := token.NewLedger(mgr, token.Metadata{Address: wethAddr, Symbol: "WETH", Decimals: 18, Minter: faucet})
	for _, holder := range []common.Address{alice, bob} {
		require.NoError(t, weth.Mint(faucet, holder, ether(10)))
	}
	require.NoError(t, mgr.Commit())
	miao.SetEmitter(pending)
	weth.SetEmitter(pending)

	feed := oracle.NewStaticFeed()
	require.NoError(t, feed.Set(wethFeed, big.NewInt(2000_00000000), 8))

	engine, err := synth.NewEngine(custody, miao.Authority(custody), []common.Address{wethAddr}, []common.Address{wethFeed})
	require.NoError(t, err)
	bank := token.NewBank(weth)
	engine.SetState(mgr)
	engine.SetBank(bank)
	engine.SetPriceSource(feed)
	engine.SetEmitter(pending)
	engine.SetPauses(nativecommon.StaticPauses{"synth": paused})

	recorder := events.NewRecorder(0)
	hub := events.NewHub(0)
	replays, err := idempotency.Open(filepath.Join(t.TempDir(), "idem.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = replays.Close() })

	srv, err := New(cfg, Runtime{
		Engine:  engine,
		State:   mgr,
		Token:   miao,
		Bank:    bank,
		Pending: pending,
		Sink:    observability.CountingEmitter{Next: events.Fanout{recorder, hub}},
		Feed:    recorder,
		Hub:     hub,
		Replays: replays,
	}, nil)
	require.NoError(t, err)

	return &harness{db: db, hub: hub, state: mgr, engine: engine, miao: miao, weth: weth, feed: feed, recorder: recorder, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (h *harness) approve(t *testing.T, owner, asset common.Address) {
	t.Helper()
	rec, body := h.do(t, http.MethodPost, "/v1/token/approve", map[string]string{
		"owner":  owner.Hex(),
		"asset":  asset.Hex(),
		"amount": token.MaxAllowance().String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
}

func (h *harness) open(t *testing.T, user common.Address, collateral, mint *big.Int) {
	t.Helper()
	h.approve(t, user, wethAddr)
	rec, body := h.do(t, http.MethodPost, "/v1/deposit-and-mint", map[string]string{
		"caller":           user.Hex(),
		"asset":            wethAddr.Hex(),
		"collateralAmount": collateral.String(),
		"mintAmount":       mint.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
}

func TestHealthAndParams(t *testing.T) {
	h := newHarness(t, false)

	rec, body := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = h.do(t, http.MethodGet, "/v1/params", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2000000000000000000", body["minimumCollateralRatio"])
	assert.Equal(t, "100000000000000000", body["liquidationBonus"])
	assert.Equal(t, strings.ToLower(custody.Hex()), body["custody"])
	collateral, ok := body["collateral"].([]any)
	require.True(t, ok)
	require.Len(t, collateral, 1)
	assert.Equal(t, "WETH", collateral[0].(map[string]any)["symbol"])
}

func TestDepositAndMintUpdatesPosition(t *testing.T) {
	h := newHarness(t, false)
	h.open(t, alice, ether(2), ether(2000))

	rec, body := h.do(t, http.MethodGet, "/v1/positions/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ether(2000).String(), body["debt"])
	assert.Equal(t, ether(4000).String(), body["collateralValueUsd"])
	assert.Equal(t, ether(2).String(), body["ratio"])
	assert.Equal(t, ether(2000).String(), body["miaoBalance"])
	assert.Equal(t, false, body["liquidatable"])

	rec, body = h.do(t, http.MethodGet, "/v1/prices/"+wethAddr.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ether(2000).String(), body["price"])
}

func TestCommittedWritesReachStorage(t *testing.T) {
	h := newHarness(t, false)
	before := h.db.Len()
	h.open(t, alice, ether(2), ether(1000))

	assert.Zero(t, h.state.Pending())
	assert.Greater(t, h.db.Len(), before)

	// A fresh manager over the same database sees the position.
	reopened := state.NewManager(h.db)
	engine, err := synth.NewEngine(custody, h.miao.Authority(custody), []common.Address{wethAddr}, []common.Address{wethFeed})
	require.NoError(t, err)
	engine.SetState(reopened)
	debt, err := engine.MiaoTokenMinted(alice)
	require.NoError(t, err)
	assert.Equal(t, ether(1000).String(), debt.String())
}

func TestBrokenRatioReturnsUnprocessable(t *testing.T) {
	h := newHarness(t, false)
	h.approve(t, alice, wethAddr)
	h.recorder.Reset()

	rec, body := h.do(t, http.MethodPost, "/v1/deposit-and-mint", map[string]string{
		"caller":           alice.Hex(),
		"asset":            wethAddr.Hex(),
		"collateralAmount": ether(2).String(),
		"mintAmount":       ether(2001).String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["error"], "ratio")
	assert.NotEmpty(t, body["ratio"])

	// Nothing from the failed operation is published or persisted.
	assert.Empty(t, h.recorder.Events())
	balance, err := h.weth.BalanceOf(alice)
	require.NoError(t, err)
	assert.Equal(t, ether(10).String(), balance.String())
	assert.Zero(t, h.state.Pending())
}

func TestRedeemAboveDepositReportsCurrent(t *testing.T) {
	h := newHarness(t, false)
	h.open(t, alice, ether(2), ether(1000))

	rec, body := h.do(t, http.MethodPost, "/v1/withdraw", map[string]string{
		"caller": alice.Hex(),
		"asset":  wethAddr.Hex(),
		"amount": ether(3).String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ether(2).String(), body["current"])
}

func TestMalformedRequestsRejected(t *testing.T) {
	h := newHarness(t, false)

	cases := []struct {
		name string
		path string
		body any
	}{
		{name: "bad address", path: "/v1/mint", body: map[string]string{"caller": "0x1234", "amount": "1"}},
		{name: "bad amount", path: "/v1/mint", body: map[string]string{"caller": alice.Hex(), "amount": "1.5"}},
		{name: "missing amount", path: "/v1/burn", body: map[string]string{"caller": alice.Hex()}},
		{name: "unknown field", path: "/v1/mint", body: map[string]string{"caller": alice.Hex(), "amount": "1", "extra": "x"}},
		{name: "not json", path: "/v1/deposit", body: "{"},
		{name: "zero amount", path: "/v1/mint", body: map[string]string{"caller": alice.Hex(), "amount": "0"}},
		{name: "unsupported asset", path: "/v1/deposit", body: map[string]string{"caller": alice.Hex(), "asset": bob.Hex(), "amount": "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := h.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, body)
			assert.NotEmpty(t, body["error"])
		})
	}

	rec, _ := h.do(t, http.MethodGet, "/v1/positions/not-an-address", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPausedEngineUnavailable(t *testing.T) {
	h := newHarness(t, true)
	h.approve(t, alice, wethAddr)

	rec, body := h.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"caller": alice.Hex(),
		"asset":  wethAddr.Hex(),
		"amount": ether(1).String(),
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["error"], "paused")
}

func TestLiquidationFlushesEvents(t *testing.T) {
	h := newHarness(t, false)
	h.open(t, alice, ether(2), ether(2000))
	h.open(t, bob, ether(10), ether(1000))
	require.NoError(t, h.feed.Set(wethFeed, big.NewInt(1800_00000000), 8))
	h.recorder.Reset()

	rec, body := h.do(t, http.MethodPost, "/v1/liquidate", map[string]string{
		"caller":      bob.Hex(),
		"user":        alice.Hex(),
		"asset":       wethAddr.Hex(),
		"debtToCover": ether(1000).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, synth.LiquidationBranchFull, body["branch"])
	assert.Equal(t, ether(1000).String(), body["tokensBurned"])
	assert.Equal(t, "611111111111111110", body["collateralSeized"])

	var types []string
	for _, evt := range h.recorder.Events() {
		types = append(types, evt.EventType())
	}
	assert.Contains(t, types, "synth.collateral.redeemed")
	assert.Contains(t, types, "synth.token.burned")
	assert.Equal(t, "synth.position.liquidated", types[len(types)-1])

	rec, body = h.do(t, http.MethodGet, "/v1/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feed, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, feed, 1)
	last := feed[0].(map[string]any)
	assert.Equal(t, "synth.position.liquidated", last["type"])

	rec, _ = h.do(t, http.MethodGet, "/v1/events?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalancesListsEveryLedger(t *testing.T) {
	h := newHarness(t, false)
	h.open(t, alice, ether(2), ether(500))

	rec, body := h.do(t, http.MethodGet, "/v1/balances/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances, ok := body["balances"].([]any)
	require.True(t, ok)
	require.Len(t, balances, 2)
	assert.Equal(t, ether(500).String(), balances[0].(map[string]any)["amount"])
	assert.Equal(t, ether(8).String(), balances[1].(map[string]any)["amount"])
}

func TestMetricsExposed(t *testing.T) {
	h := newHarness(t, false)
	h.open(t, alice, ether(1), ether(100))

	rec, _ := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "miao_synth_operations_total")
	assert.Contains(t, rec.Body.String(), "miao_api_requests_total")
}

func (h *harness) post(t *testing.T, path string, headers map[string]string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	h := newHarness(t, false)
	h.approve(t, alice, wethAddr)
	deposit := map[string]string{"caller": alice.Hex(), "asset": wethAddr.Hex(), "amount": ether(1).String()}
	headers := map[string]string{"Idempotency-Key": "deposit-1"}

	first, _ := h.post(t, "/v1/deposit", headers, deposit)
	require.Equal(t, http.StatusOK, first.Code)
	second, _ := h.post(t, "/v1/deposit", headers, deposit)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "hit", second.Header().Get("X-Idempotency-Cache"))

	collateral, err := h.engine.CollateralAmount(alice, wethAddr)
	require.NoError(t, err)
	assert.Equal(t, ether(1).String(), collateral.String())

	// Rejections replay too, so a retried bad request does not run again.
	over := map[string]string{"caller": alice.Hex(), "asset": wethAddr.Hex(), "amount": ether(5).String()}
	rec, body := h.post(t, "/v1/withdraw", map[string]string{"Idempotency-Key": "withdraw-1"}, over)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec, replayed := h.post(t, "/v1/withdraw", map[string]string{"Idempotency-Key": "withdraw-1"}, over)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, body, replayed)

	rec, _ = h.post(t, "/v1/deposit", map[string]string{"Idempotency-Key": strings.Repeat("k", 200)}, deposit)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGuardsMutationsOnly(t *testing.T) {
	h := newConfiguredHarness(t, false, Config{Auth: middleware.AuthConfig{Enabled: true, HMACSecret: "topsecret"}})

	rec, _ := h.do(t, http.MethodPost, "/v1/mint", map[string]string{"caller": alice.Hex(), "amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/v1/params", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitOnMutations(t *testing.T) {
	h := newConfiguredHarness(t, false, Config{RateLimit: middleware.RateLimit{RequestsPerMinute: 1, Burst: 1}})

	body := map[string]string{"caller": alice.Hex(), "amount": "0"}
	rec, _ := h.do(t, http.MethodPost, "/v1/mint", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/v1/mint", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t, false)
	rec, _ := h.do(t, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestCustodyCannotActAsUser(t *testing.T) {
	h := newHarness(t, false)

	rec, body := h.do(t, http.MethodPost, "/v1/token/approve", map[string]string{
		"owner":  custody.Hex(),
		"asset":  wethAddr.Hex(),
		"amount": token.MaxAllowance().String(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, body)
	assert.Contains(t, body["error"], "custody")
	allowance, err := h.weth.Allowance(custody, custody)
	require.NoError(t, err)
	assert.Zero(t, allowance.Sign())

	rec, body = h.do(t, http.MethodPost, "/v1/deposit-and-mint", map[string]string{
		"caller":           custody.Hex(),
		"asset":            wethAddr.Hex(),
		"collateralAmount": ether(2).String(),
		"mintAmount":       ether(2000).String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, body)
}

func TestSlowRequestBodyDoesNotBlockWriters(t *testing.T) {
	h := newHarness(t, false)

	body, feeder := io.Pipe()
	t.Cleanup(func() { _ = feeder.CloseWithError(io.ErrUnexpectedEOF) })
	stalled := httptest.NewRequest(http.MethodPost, "/v1/burn", body)
	stalled.Header.Set("Content-Type", "application/json")
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.handler.ServeHTTP(httptest.NewRecorder(), stalled)
	}()
	// Write returns once the handler has consumed the partial body.
	_, err := feeder.Write([]byte(`{"caller":`))
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]string{"owner": alice.Hex(), "asset": wethAddr.Hex(), "amount": "1"})
	require.NoError(t, err)
	approved := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/token/approve", bytes.NewReader(raw)))
		approved <- rec.Code
	}()

	select {
	case code := <-approved:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("approval waited on another request's body")
	}

	require.NoError(t, feeder.CloseWithError(io.ErrUnexpectedEOF))
	<-done
}

func TestMutationsActOnlyForTokenSubject(t *testing.T) {
	h := newConfiguredHarness(t, false, Config{Auth: middleware.AuthConfig{Enabled: true, HMACSecret: "topsecret"}})
	bearer := func(subject string) map[string]string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": subject,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte("topsecret"))
		require.NoError(t, err)
		return map[string]string{"Authorization": "Bearer " + signed}
	}
	asAlice := bearer(alice.Hex())

	approval := map[string]string{"owner": bob.Hex(), "asset": wethAddr.Hex(), "amount": token.MaxAllowance().String()}
	rec, body := h.post(t, "/v1/token/approve", asAlice, approval)
	require.Equal(t, http.StatusForbidden, rec.Code, body)
	allowance, err := h.weth.Allowance(bob, custody)
	require.NoError(t, err)
	assert.Zero(t, allowance.Sign())

	approval["owner"] = alice.Hex()
	rec, body = h.post(t, "/v1/token/approve", asAlice, approval)
	require.Equal(t, http.StatusOK, rec.Code, body)

	deposit := map[string]string{"caller": bob.Hex(), "asset": wethAddr.Hex(), "amount": ether(1).String()}
	rec, _ = h.post(t, "/v1/deposit", asAlice, deposit)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	deposit["caller"] = alice.Hex()
	rec, body = h.post(t, "/v1/deposit", asAlice, deposit)
	require.Equal(t, http.StatusOK, rec.Code, body)

	rec, _ = h.post(t, "/v1/liquidate", asAlice, map[string]string{
		"caller":      bob.Hex(),
		"user":        alice.Hex(),
		"asset":       wethAddr.Hex(),
		"debtToCover": ether(1).String(),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.post(t, "/v1/mint", bearer("desk-1"), map[string]string{"caller": alice.Hex(), "amount": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
