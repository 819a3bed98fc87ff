// Package fees provides the per-market fee schedule consumed by the trade
// ledger. Schedules are configuration, not market state: a missing or
// invalid schedule must never block matching (the ledger records the trade
// with zeroed fees and flags it instead).
package fees

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoSchedule means no fee schedule is configured for the market.
var ErrNoSchedule = errors.New("no fee schedule for market")

// Schedule is the fee configuration for one market, in basis points.
type Schedule struct {
	PlatformFeeBps   int64  `mapstructure:"platform_fee_bps" json:"platform_fee_bps"`
	RoyaltyBps       int64  `mapstructure:"royalty_bps" json:"royalty_bps"`
	RoyaltyRecipient string `mapstructure:"royalty_recipient" json:"royalty_recipient"`
}

// Validate rejects schedules that could break the fee-split invariant.
func (s Schedule) Validate() error {
	if s.PlatformFeeBps < 0 || s.PlatformFeeBps > 10_000 {
		return fmt.Errorf("platform fee %d bps out of range", s.PlatformFeeBps)
	}
	if s.RoyaltyBps < 0 || s.RoyaltyBps > 10_000 {
		return fmt.Errorf("royalty %d bps out of range", s.RoyaltyBps)
	}
	if s.PlatformFeeBps+s.RoyaltyBps > 10_000 {
		return fmt.Errorf("combined fees %d bps exceed 100%%", s.PlatformFeeBps+s.RoyaltyBps)
	}
	if s.RoyaltyBps > 0 && s.RoyaltyRecipient == "" {
		return errors.New("royalty configured without a recipient")
	}
	return nil
}

// Provider resolves the fee schedule for a market.
type Provider interface {
	GetFeeSchedule(marketID string) (Schedule, error)
}

// StaticProvider serves schedules loaded from configuration, with an
// optional default applied to markets without an explicit entry.
type StaticProvider struct {
	mu         sync.RWMutex
	perMarket  map[string]Schedule
	def        Schedule
	hasDefault bool
}

// NewStaticProvider builds a provider from per-market schedules.
func NewStaticProvider(perMarket map[string]Schedule) *StaticProvider {
	p := &StaticProvider{perMarket: make(map[string]Schedule, len(perMarket))}
	for market, s := range perMarket {
		p.perMarket[market] = s
	}
	return p
}

// WithDefault sets the fallback schedule for unlisted markets.
func (p *StaticProvider) WithDefault(def Schedule) *StaticProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.def = def
	p.hasDefault = true
	return p
}

// Set installs or replaces a market's schedule at runtime.
func (p *StaticProvider) Set(marketID string, s Schedule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perMarket[marketID] = s
}

// GetFeeSchedule implements Provider.
func (p *StaticProvider) GetFeeSchedule(marketID string) (Schedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.perMarket[marketID]; ok {
		return s, nil
	}
	if p.hasDefault {
		return p.def, nil
	}
	return Schedule{}, fmt.Errorf("%w: %s", ErrNoSchedule, marketID)
}
