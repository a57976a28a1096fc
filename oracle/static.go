package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownFeed is returned when no quote is registered for a feed.
	ErrUnknownFeed = errors.New("oracle: unknown feed")
	// ErrInvalidPrice is returned for zero or negative answers.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// Quote is a raw oracle answer expressed with Decimals fractional digits.
type Quote struct {
	Price    *big.Int
	Decimals uint8
}

// StaticFeed serves prices held in memory, keyed by feed address. The daemon
// uses it for local networks and tests use it to move prices between steps.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[common.Address]Quote
}

// NewStaticFeed returns an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[common.Address]Quote)}
}

// Set replaces the quote served by feed.
func (f *StaticFeed) Set(feed common.Address, price *big.Int, decimals uint8) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[feed] = Quote{Price: new(big.Int).Set(price), Decimals: decimals}
	return nil
}

// Price returns the stored quote for feed.
func (f *StaticFeed) Price(feed common.Address) (*big.Int, uint8, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[feed]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	return new(big.Int).Set(quote.Price), quote.Decimals, nil
}

// PriceSource is implemented by every feed in this package.
type PriceSource interface {
	Price(feed common.Address) (*big.Int, uint8, error)
}

// Observer is notified of every price read.
type Observer interface {
	ObservePrice(feed common.Address, price *big.Int, decimals uint8, err error)
}

// Observed reports every read of source to obs.
func Observed(source PriceSource, obs Observer) PriceSource {
	if obs == nil {
		return source
	}
	return observedSource{source: source, obs: obs}
}

type observedSource struct {
	source PriceSource
	obs    Observer
}

func (o observedSource) Price(feed common.Address) (*big.Int, uint8, error) {
	price, decimals, err := o.source.Price(feed)
	o.obs.ObservePrice(feed, price, decimals, err)
	return price, decimals, err
}
