package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const aggregatorABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

const defaultCallTimeout = 5 * time.Second

// ContractCaller is the subset of the Ethereum RPC used to read feeds.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialContractCaller initialises an RPC client for the provided endpoint.
func DialContractCaller(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// AggregatorFeed reads prices from on-chain aggregator contracts exposing
// latestRoundData() and decimals(). Feeds listed at construction are the only
// contracts it will call.
type AggregatorFeed struct {
	caller  ContractCaller
	abi     abi.ABI
	feeds   map[common.Address]struct{}
	timeout time.Duration

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// NewAggregatorFeed binds the allowed feed contracts to the caller.
func NewAggregatorFeed(caller ContractCaller, feeds []common.Address, timeout time.Duration) (*AggregatorFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller required")
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	allowed := make(map[common.Address]struct{}, len(feeds))
	for _, feed := range feeds {
		allowed[feed] = struct{}{}
	}
	return &AggregatorFeed{
		caller:   caller,
		abi:      parsed,
		feeds:    allowed,
		timeout:  timeout,
		decimals: make(map[common.Address]uint8),
	}, nil
}

// Price returns the latest answer of feed together with its decimals.
func (f *AggregatorFeed) Price(feed common.Address) (*big.Int, uint8, error) {
	if _, ok := f.feeds[feed]; !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	decimals, err := f.feedDecimals(ctx, feed)
	if err != nil {
		return nil, 0, err
	}
	out, err := f.call(ctx, feed, "latestRoundData")
	if err != nil {
		return nil, 0, err
	}
	if len(out) < 2 {
		return nil, 0, fmt.Errorf("oracle: feed %s returned %d values", feed.Hex(), len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer == nil {
		return nil, 0, fmt.Errorf("oracle: feed %s answer has unexpected type %T", feed.Hex(), out[1])
	}
	if answer.Sign() <= 0 {
		return nil, 0, fmt.Errorf("%w: feed %s answered %s", ErrInvalidPrice, feed.Hex(), answer)
	}
	return new(big.Int).Set(answer), decimals, nil
}

func (f *AggregatorFeed) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	f.mu.Lock()
	cached, ok := f.decimals[feed]
	f.mu.Unlock()
	if ok {
		return cached, nil
	}
	out, err := f.call(ctx, feed, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("oracle: feed %s decimals returned %d values", feed.Hex(), len(out))
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: feed %s decimals has unexpected type %T", feed.Hex(), out[0])
	}
	f.mu.Lock()
	f.decimals[feed] = decimals
	f.mu.Unlock()
	return decimals, nil
}

func (f *AggregatorFeed) call(ctx context.Context, feed common.Address, method string) ([]interface{}, error) {
	input, err := f.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}
	to := feed
	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s on %s: %w", method, feed.Hex(), err)
	}
	out, err := f.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s from %s: %w", method, feed.Hex(), err)
	}
	return out, nil
}
