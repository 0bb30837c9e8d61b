// Package oracle adapts external price publishers into validated quotes. The
// engines only ever see a Quote; raw account layouts are decoded here.
package oracle

import (
	"fmt"
	"strings"
	"sync"

	nativecommon "crucible/native/common"
)

const (
	// DefaultMaxStaleness bounds quote age in seconds.
	DefaultMaxStaleness uint64 = 300
	// DefaultMaxConfidenceBps bounds the publisher's confidence interval
	// relative to the price.
	DefaultMaxConfidenceBps uint64 = 200
	// DefaultMinPrice is $0.000001 at a 1e6 price scale.
	DefaultMinPrice uint64 = 1
	// DefaultMaxPrice is $1,000,000 at a 1e6 price scale.
	DefaultMaxPrice uint64 = 1_000_000_000_000
)

// Quote is a single price observation scaled to 1e6.
type Quote struct {
	Price         uint64
	ConfidenceBps uint64
	PublishTime   uint64
}

// Feed resolves the latest quote for a feed identifier.
type Feed interface {
	Price(feedID string) (Quote, error)
}

// Validator holds the acceptance rules applied to every quote.
type Validator struct {
	MaxStaleness     uint64
	MaxConfidenceBps uint64
	MinPrice         uint64
	MaxPrice         uint64
}

// DefaultValidator returns the standard acceptance rules.
func DefaultValidator() Validator {
	return Validator{
		MaxStaleness:     DefaultMaxStaleness,
		MaxConfidenceBps: DefaultMaxConfidenceBps,
		MinPrice:         DefaultMinPrice,
		MaxPrice:         DefaultMaxPrice,
	}
}

// ValidateConfig checks that the bounds are coherent.
func (v Validator) ValidateConfig() error {
	if v.MinPrice == 0 {
		return fmt.Errorf("%w: oracle min price must be positive", nativecommon.ErrInvalidConfig)
	}
	if v.MaxPrice < v.MinPrice {
		return fmt.Errorf("%w: oracle max price %d below min price %d", nativecommon.ErrInvalidConfig, v.MaxPrice, v.MinPrice)
	}
	if v.MaxConfidenceBps > 10_000 {
		return fmt.Errorf("%w: oracle confidence bound %d exceeds 10000 bps", nativecommon.ErrInvalidConfig, v.MaxConfidenceBps)
	}
	return nil
}

// Check applies the staleness, confidence and bounds rules at time now. A
// publish time in the future counts as fresh.
func (v Validator) Check(q Quote, now uint64) error {
	if now > q.PublishTime && now-q.PublishTime > v.MaxStaleness {
		return fmt.Errorf("%w: age=%ds max=%ds", nativecommon.ErrStaleOracle, now-q.PublishTime, v.MaxStaleness)
	}
	if q.ConfidenceBps > v.MaxConfidenceBps {
		return fmt.Errorf("%w: confidence=%dbps max=%dbps", nativecommon.ErrOracleOutOfBounds, q.ConfidenceBps, v.MaxConfidenceBps)
	}
	if q.Price < v.MinPrice || q.Price > v.MaxPrice {
		return fmt.Errorf("%w: price=%d bounds=[%d,%d]", nativecommon.ErrOracleOutOfBounds, q.Price, v.MinPrice, v.MaxPrice)
	}
	return nil
}

// Adapter fetches quotes from a Feed and validates them against the injected
// clock.
type Adapter struct {
	feed      Feed
	validator Validator
	clock     nativecommon.Clock
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithValidator overrides the default acceptance rules.
func WithValidator(v Validator) Option {
	return func(a *Adapter) { a.validator = v }
}

// NewAdapter builds an adapter. A nil feed yields an adapter that rejects
// every request, which is how an unconfigured oracle surfaces.
func NewAdapter(feed Feed, clock nativecommon.Clock, opts ...Option) *Adapter {
	a := &Adapter{feed: feed, validator: DefaultValidator(), clock: clock}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Price returns a validated quote for feedID.
func (a *Adapter) Price(feedID string) (Quote, error) {
	feedID = strings.TrimSpace(feedID)
	if a == nil || a.feed == nil || feedID == "" {
		return Quote{}, fmt.Errorf("%w: oracle required but not configured (feed=%q)", nativecommon.ErrOracleOutOfBounds, feedID)
	}
	if a.clock == nil {
		return Quote{}, fmt.Errorf("%w: oracle clock not configured", nativecommon.ErrInvalidConfig)
	}
	quote, err := a.feed.Price(feedID)
	if err != nil {
		return Quote{}, err
	}
	if err := a.validator.Check(quote, a.clock.Now()); err != nil {
		return Quote{}, fmt.Errorf("feed %s: %w", feedID, err)
	}
	return quote, nil
}

// StaticFeed serves quotes set by the operator. It backs tests and devnets.
type StaticFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticFeed returns an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{quotes: make(map[string]Quote)}
}

// Set replaces the quote for feedID.
func (f *StaticFeed) Set(feedID string, q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[strings.TrimSpace(feedID)] = q
}

// Price implements Feed.
func (f *StaticFeed) Price(feedID string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[strings.TrimSpace(feedID)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for feed %q", nativecommon.ErrOracleOutOfBounds, feedID)
	}
	return q, nil
}

// HeartbeatFeed republishes operator-set prices stamped with the current
// clock reading, so quotes never age out. Devnet daemons use it in place of
// a live publisher.
type HeartbeatFeed struct {
	mu     sync.RWMutex
	clock  nativecommon.Clock
	prices map[string]uint64
}

// NewHeartbeatFeed returns an empty feed that stamps quotes with clock.
func NewHeartbeatFeed(clock nativecommon.Clock) *HeartbeatFeed {
	return &HeartbeatFeed{clock: clock, prices: make(map[string]uint64)}
}

// Set replaces the price for feedID. A zero price removes the feed.
func (f *HeartbeatFeed) Set(feedID string, price uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	feedID = strings.TrimSpace(feedID)
	if price == 0 {
		delete(f.prices, feedID)
		return
	}
	f.prices[feedID] = price
}

// Price implements Feed.
func (f *HeartbeatFeed) Price(feedID string) (Quote, error) {
	f.mu.RLock()
	price, ok := f.prices[strings.TrimSpace(feedID)]
	f.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: no price for feed %q", nativecommon.ErrOracleOutOfBounds, feedID)
	}
	return Quote{Price: price, PublishTime: f.clock.Now()}, nil
}
