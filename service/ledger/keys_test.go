package ledger

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPairFromMnemonic(t *testing.T) {
	t.Run("derivation is deterministic", func(t *testing.T) {
		mnemonic, err := NewMnemonic()
		require.NoError(t, err)

		a, err := KeyPairFromMnemonic(mnemonic)
		require.NoError(t, err)
		b, err := KeyPairFromMnemonic(mnemonic)
		require.NoError(t, err)

		assert.Equal(t, a.Public, b.Public)
		assert.Equal(t, a.Private, b.Private)
	})

	t.Run("invalid mnemonic is rejected", func(t *testing.T) {
		_, err := KeyPairFromMnemonic("not a valid phrase")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("signatures verify", func(t *testing.T) {
		mnemonic, err := NewMnemonic()
		require.NoError(t, err)
		keys, err := KeyPairFromMnemonic(mnemonic)
		require.NoError(t, err)

		essence := &TransactionEssence{
			Network: "testnet",
			Inputs:  []OutputID{"in1"},
			Outputs: []Output{&BasicOutput{
				BaseAmount: 1,
				Conditions: []UnlockCondition{{Kind: UnlockAddress, Address: "target"}},
			}},
		}
		hash := EssenceHash(essence)
		sig := ed25519.Sign(keys.Private, hash[:])
		assert.True(t, ed25519.Verify(keys.Public, hash[:], sig))
	})
}

func TestAddressFromPublicKey(t *testing.T) {
	mnemonic, err := NewMnemonic()
	require.NoError(t, err)
	keys, err := KeyPairFromMnemonic(mnemonic)
	require.NoError(t, err)

	addr := AddressFromPublicKey("smr", keys.Public)
	assert.True(t, strings.HasPrefix(string(addr), "smr1"))

	// Different prefix, same key material.
	rms := AddressFromPublicKey("rms", keys.Public)
	assert.Equal(t, strings.TrimPrefix(string(addr), "smr"), strings.TrimPrefix(string(rms), "rms"))
}

func TestEssenceHashCoversOutputs(t *testing.T) {
	base := &TransactionEssence{
		Network: "testnet",
		Inputs:  []OutputID{"in1"},
		Outputs: []Output{&BasicOutput{
			BaseAmount: 100,
			Conditions: []UnlockCondition{{Kind: UnlockAddress, Address: "target"}},
		}},
	}
	changed := &TransactionEssence{
		Network: "testnet",
		Inputs:  []OutputID{"in1"},
		Outputs: []Output{&BasicOutput{
			BaseAmount: 101,
			Conditions: []UnlockCondition{{Kind: UnlockAddress, Address: "target"}},
		}},
	}
	assert.NotEqual(t, EssenceHash(base), EssenceHash(changed))
	assert.Equal(t, EssenceHash(base), EssenceHash(base))
}
