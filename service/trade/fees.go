// Package trade implements the per-token order book: matching inbound
// buy and sell orders against resting ones, recording fills, expiring and
// cancelling orders. Matching runs inside the caller's database
// transaction so a fill and its settlement legs commit atomically.
package trade

import (
	"math"
	"sort"
	"time"
)

// FeeTier maps a staked-token threshold to the trading fee rate charged on
// the seller's proceeds. Tiers are evaluated highest threshold first; a
// zero rate skips the fee leg entirely.
type FeeTier struct {
	MinStaked uint64
	Rate      float64
}

// DefaultFeeTiers is the standard fee schedule: 2.5% base, discounted by
// stake, free at the top tier.
var DefaultFeeTiers = []FeeTier{
	{MinStaked: 0, Rate: 0.025},
	{MinStaked: 1_000_000_000, Rate: 0.0125},
	{MinStaked: 2_000_000_000, Rate: 0.005},
	{MinStaked: 4_000_000_000, Rate: 0},
}

// Config carries the matching parameters shared by reconciliation and the
// order book engine.
type Config struct {
	// FeeAddress receives the trading fee leg of each fill.
	FeeAddress string
	// Tiers is the staked-amount fee schedule; empty falls back to
	// DefaultFeeTiers.
	Tiers []FeeTier
	// MinTransferThreshold is the smallest amount worth an output of its
	// own. Fees below it fold into the seller's proceeds.
	MinTransferThreshold uint64
	// RoyaltyDelay postpones the fee leg so it executes after the main
	// proceeds payment.
	RoyaltyDelay time.Duration
	// ExpiryPageSize bounds one expiry sweep pass.
	ExpiryPageSize int32
}

func (c Config) tiers() []FeeTier {
	if len(c.Tiers) == 0 {
		return DefaultFeeTiers
	}
	return c.Tiers
}

// FeeRateForStake returns the fee rate the schedule assigns to a seller
// with the given staked amount.
func (c Config) FeeRateForStake(staked uint64) float64 {
	tiers := append([]FeeTier(nil), c.tiers()...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinStaked > tiers[j].MinStaked })
	for _, t := range tiers {
		if staked >= t.MinStaked {
			return t.Rate
		}
	}
	return tiers[len(tiers)-1].Rate
}

// FeeAmount computes the fee on an amount at the given rate, rounded up so
// partial base units are never given away.
func FeeAmount(amount uint64, rate float64) uint64 {
	if rate <= 0 || amount == 0 {
		return 0
	}
	fee := uint64(math.Ceil(float64(amount) * rate))
	if fee > amount {
		fee = amount
	}
	return fee
}

// Split divides an amount into the seller's net proceeds and the fee leg.
// A fee below the minimum transfer threshold would not be a viable output
// on its own, so it folds back into the proceeds.
func Split(amount uint64, rate float64, minTransfer uint64) (net, fee uint64) {
	fee = FeeAmount(amount, rate)
	if fee < minTransfer {
		return amount, 0
	}
	return amount - fee, fee
}
