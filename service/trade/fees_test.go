package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeRateForStake(t *testing.T) {
	cfg := Config{Tiers: DefaultFeeTiers}

	tests := []struct {
		name   string
		staked uint64
		want   float64
	}{
		{"no stake pays base rate", 0, 0.025},
		{"below first threshold pays base rate", 999_999_999, 0.025},
		{"first threshold halves the rate", 1_000_000_000, 0.0125},
		{"second threshold", 2_000_000_000, 0.005},
		{"top tier pays nothing", 4_000_000_000, 0},
		{"above top tier pays nothing", 10_000_000_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.FeeRateForStake(tt.staked))
		})
	}

	t.Run("empty schedule falls back to the default tiers", func(t *testing.T) {
		assert.Equal(t, 0.025, Config{}.FeeRateForStake(0))
		assert.Equal(t, 0.0, Config{}.FeeRateForStake(4_000_000_000))
	})
}

func TestFeeAmount(t *testing.T) {
	// Rounds up so sub-unit fees are never silently zero.
	assert.Equal(t, uint64(100000), FeeAmount(1000000, 0.1))
	assert.Equal(t, uint64(1), FeeAmount(1, 0.025))
	assert.Equal(t, uint64(0), FeeAmount(1000000, 0))
	// Never exceeds the amount itself.
	assert.Equal(t, uint64(500), FeeAmount(500, 2.0))
}

func TestSplit(t *testing.T) {
	t.Run("fee above threshold is split out", func(t *testing.T) {
		net, fee := Split(1_000_000, 0.1, 1000)
		assert.Equal(t, uint64(900_000), net)
		assert.Equal(t, uint64(100_000), fee)
	})

	t.Run("fee below threshold folds into proceeds", func(t *testing.T) {
		// 0.0005 × 1,000,000 = 500, under the 1000 threshold: the payee
		// receives the full amount in a single output.
		net, fee := Split(1_000_000, 0.0005, 1000)
		assert.Equal(t, uint64(1_000_000), net)
		assert.Equal(t, uint64(0), fee)
	})

	t.Run("zero rate", func(t *testing.T) {
		net, fee := Split(1_000_000, 0, 1000)
		assert.Equal(t, uint64(1_000_000), net)
		assert.Equal(t, uint64(0), fee)
	})

	t.Run("conservation", func(t *testing.T) {
		for _, amount := range []uint64{1, 999, 1000, 12345, 1_000_000} {
			net, fee := Split(amount, 0.025, 1000)
			assert.Equal(t, amount, net+fee, "amount %d", amount)
		}
	})
}
