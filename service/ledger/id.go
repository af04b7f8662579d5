package ledger

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// TransactionID derives a transaction's id: the hex digest of its essence.
func TransactionID(essence *TransactionEssence) string {
	hash := EssenceHash(essence)
	return "0x" + hex.EncodeToString(hash[:])
}

// MakeOutputID forms the id of the index-th output of a transaction.
func MakeOutputID(transactionID string, index uint16) OutputID {
	return OutputID(fmt.Sprintf("%s%04x", transactionID, index))
}

// ComputeBlockID derives a block's id from its serialized content. A block
// id is known before submission, which lets chained transactions parent on
// each other without waiting for the node.
func ComputeBlockID(block *Block) BlockID {
	h, _ := blake2b.New256(nil)
	for _, p := range block.Parents {
		h.Write([]byte(p))
	}
	if block.Payload != nil {
		h.Write(block.Payload.Essence.Serialize())
		for _, u := range block.Payload.Unlocks {
			h.Write([]byte(u.Kind))
			h.Write(u.PublicKey)
			h.Write(u.Signature)
		}
	}
	return BlockID("0x" + hex.EncodeToString(h.Sum(nil)))
}
