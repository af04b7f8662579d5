package builder

import (
	"crypto/ed25519"
	"fmt"

	"github.com/buildcore-io/settler/service/ledger"
)

// SignTransaction produces the unlock proofs for an essence. inputOwners
// must list, positionally per essence input, the address owning that input;
// keys maps each owning address to its signing material.
//
// The first input owned by an address gets a signature unlock over the
// essence hash. Every later input from the same address in the same
// transaction gets a reference unlock pointing at the first signature's
// index; the protocol forbids re-signing.
func SignTransaction(essence *ledger.TransactionEssence, inputOwners []ledger.Address, keys map[ledger.Address]*ledger.KeyPair) (*ledger.SignedTransaction, error) {
	if len(inputOwners) != len(essence.Inputs) {
		return nil, &ledger.ValidationError{
			Field:  "input_owners",
			Reason: fmt.Sprintf("got %d owners for %d inputs", len(inputOwners), len(essence.Inputs)),
		}
	}

	hash := ledger.EssenceHash(essence)

	unlocks := make([]ledger.Unlock, 0, len(inputOwners))
	firstIndex := make(map[ledger.Address]uint16)

	for i, owner := range inputOwners {
		if ref, seen := firstIndex[owner]; seen {
			unlocks = append(unlocks, ledger.Unlock{
				Kind:      ledger.UnlockReference,
				Reference: ref,
			})
			continue
		}
		key, ok := keys[owner]
		if !ok {
			return nil, &ledger.ValidationError{
				Field:  "keys",
				Reason: fmt.Sprintf("no key for address %s", owner),
			}
		}
		unlocks = append(unlocks, ledger.Unlock{
			Kind:      ledger.UnlockSignature,
			PublicKey: key.Public,
			Signature: ed25519.Sign(key.Private, hash[:]),
		})
		firstIndex[owner] = uint16(i)
	}

	return &ledger.SignedTransaction{
		Essence: *essence,
		Unlocks: unlocks,
	}, nil
}
