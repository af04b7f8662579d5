package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

// KeyPair is the signing material controlling one address.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// KeyPairFromMnemonic derives the address-controlling key pair from a
// stored bip39 mnemonic. The first 32 bytes of the seed are the ed25519
// seed; the derivation is deterministic so a retry always signs with the
// same key the address was generated from.
func KeyPairFromMnemonic(mnemonic string) (*KeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, &ValidationError{Field: "mnemonic", Reason: "not a valid bip39 phrase"}
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}, nil
}

// NewMnemonic generates a fresh 24-word mnemonic for a new deposit address.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// AddressFromPublicKey derives the ledger address for a public key on the
// given network: the network's human-readable prefix followed by the hex of
// the blake2b-256 key digest.
func AddressFromPublicKey(hrp string, pub ed25519.PublicKey) Address {
	digest := blake2b.Sum256(pub)
	return Address(hrp + "1" + hex.EncodeToString(digest[:]))
}

// EssenceHash computes the blake2b-256 digest the unlock signatures cover.
func EssenceHash(essence *TransactionEssence) [32]byte {
	return blake2b.Sum256(essence.Serialize())
}
