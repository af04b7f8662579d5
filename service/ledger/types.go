package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Address is a bech32-encoded ledger address.
type Address string

// OutputID identifies a single unspent output: transaction id + output index,
// hex encoded as produced by the node.
type OutputID string

// BlockID identifies a block on the ledger.
type BlockID string

// tokenAmountHexDigits is the fixed width of a serialized native token
// balance. The node encodes balances as 256-bit big-endian integers.
const tokenAmountHexDigits = 64

// NativeToken is a fungible token balance carried inside an output,
// identified by its token (foundry) id.
type NativeToken struct {
	ID     string   `json:"id"`
	Amount *big.Int `json:"amount"`
}

/// nativeTokenWire is the JSON wire form: the amount is fixed-width hex so
// that balances round-trip exactly regardless of magnitude.
type nativeTokenWire struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

// MarshalJSON encodes the balance as a 0x-prefixed fixed-width hex string.
func (n NativeToken) MarshalJSON() ([]byte, error) {
	amount := n.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("native token %s: negative balance", n.ID)
	}
	return json.Marshal(nativeTokenWire{
		ID:     n.ID,
		Amount: EncodeTokenAmount(amount),
	})
}

// UnmarshalJSON decodes a fixed-width hex balance.
func (n *NativeToken) UnmarshalJSON(data []byte) error {
	var wire nativeTokenWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	amount, err := DecodeTokenAmount(wire.Amount)
	if err != nil {
		return fmt.Errorf("native token %s: %w", wire.ID, err)
	}
	n.ID = wire.ID
	n.Amount = amount
	return nil
}

// EncodeTokenAmount renders a balance as 0x-prefixed fixed-width hex.
func EncodeTokenAmount(amount *big.Int) string {
	return "0x" + fmt.Sprintf("%0*x", tokenAmountHexDigits, amount)
}

// DecodeTokenAmount parses a 0x-prefixed hex balance. Widths shorter than
// the canonical 64 digits are accepted for compatibility with older records.
func DecodeTokenAmount(s string) (*big.Int, error) {
	hexPart := strings.TrimPrefix(s, "0x")
	if hexPart == "" {
		return nil, fmt.Errorf("empty token amount")
	}
	amount, ok := new(big.Int).SetString(hexPart, 16)
	if !ok {
		return nil, fmt.Errorf("invalid token amount %q", s)
	}
	return amount, nil
}

// UnlockConditionKind discriminates the predicates an output imposes on
// whoever spends it.
type UnlockConditionKind string

const (
	UnlockAddress              UnlockConditionKind = "address"
	UnlockStorageDepositReturn UnlockConditionKind = "storage_deposit_return"
	UnlockTimelock             UnlockConditionKind = "timelock"
	UnlockExpiration           UnlockConditionKind = "expiration"
	UnlockStateController      UnlockConditionKind = "state_controller"
	UnlockGovernor             UnlockConditionKind = "governor"
	UnlockImmutableAlias       UnlockConditionKind = "immutable_alias"
)

// UnlockCondition is a single spending predicate. Which fields are
// meaningful depends on Kind: address-style conditions carry Address,
// storage-deposit-return additionally carries ReturnAmount, and the time
// conditions carry UnixTime.
type UnlockCondition struct {
	Kind         UnlockConditionKind `json:"kind"`
	Address      Address             `json:"address,omitempty"`
	ReturnAmount uint64              `json:"return_amount,omitempty"`
	UnixTime     int64               `json:"unix_time,omitempty"`
}

// OutputKind discriminates the four protocol output types.
type OutputKind string

const (
	OutputBasic   OutputKind = "basic"
	OutputAlias   OutputKind = "alias"
	OutputFoundry OutputKind = "foundry"
	OutputNFT     OutputKind = "nft"
)

// Output is the common surface of the four protocol output types.
// Implementations are value types; mutating the amount is done through
// SetAmount so the builder can top outputs up to the minimum deposit.
type Output interface {
	Kind() OutputKind
	Amount() uint64
	SetAmount(uint64)
	NativeTokens() []NativeToken
	UnlockConditions() []UnlockCondition
	// Serialize renders the canonical binary form. Its length drives the
	// storage deposit and its bytes feed the essence hash.
	Serialize() []byte
}

// BasicOutput transfers base coin and/or native tokens.
type BasicOutput struct {
	BaseAmount uint64            `json:"amount"`
	Tokens     []NativeToken     `json:"native_tokens,omitempty"`
	Conditions []UnlockCondition `json:"unlock_conditions"`
	Metadata   []byte            `json:"metadata,omitempty"`
	Tag        []byte            `json:"tag,omitempty"`
}

func (o *BasicOutput) Kind() OutputKind                    { return OutputBasic }
func (o *BasicOutput) Amount() uint64                      { return o.BaseAmount }
func (o *BasicOutput) SetAmount(a uint64)                  { o.BaseAmount = a }
func (o *BasicOutput) NativeTokens() []NativeToken         { return o.Tokens }
func (o *BasicOutput) UnlockConditions() []UnlockCondition { return o.Conditions }

func (o *BasicOutput) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(outputKindByte(OutputBasic))
	writeUint64(&buf, o.BaseAmount)
	writeTokens(&buf, o.Tokens)
	writeConditions(&buf, o.Conditions)
	writeBytes(&buf, o.Metadata)
	writeBytes(&buf, o.Tag)
	return buf.Bytes()
}

// AliasOutput is a mutable stateful output used as a minting authority.
// State transitions are signed by the state controller; governance
// transitions (changing the controllers) by the governor.
type AliasOutput struct {
	AliasID      string            `json:"alias_id"`
	BaseAmount   uint64            `json:"amount"`
	StateIndex   uint32            `json:"state_index"`
	StateMeta    []byte            `json:"state_metadata,omitempty"`
	FoundryCount uint32            `json:"foundry_counter"`
	Conditions   []UnlockCondition `json:"unlock_conditions"`
}

func (o *AliasOutput) Kind() OutputKind                    { return OutputAlias }
func (o *AliasOutput) Amount() uint64                      { return o.BaseAmount }
func (o *AliasOutput) SetAmount(a uint64)                  { o.BaseAmount = a }
func (o *AliasOutput) NativeTokens() []NativeToken         { return nil }
func (o *AliasOutput) UnlockConditions() []UnlockCondition { return o.Conditions }

func (o *AliasOutput) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(outputKindByte(OutputAlias))
	writeUint64(&buf, o.BaseAmount)
	writeBytes(&buf, []byte(o.AliasID))
	writeUint32(&buf, o.StateIndex)
	writeBytes(&buf, o.StateMeta)
	writeUint32(&buf, o.FoundryCount)
	writeConditions(&buf, o.Conditions)
	return buf.Bytes()
}

// TokenScheme tracks a foundry's supply counters.
type TokenScheme struct {
	Minted  *big.Int `json:"minted"`
	Melted  *big.Int `json:"melted"`
	Maximum *big.Int `json:"maximum"`
}

// FoundryOutput is bound to exactly one alias (via its immutable alias
// unlock condition) and controls a native token's supply.
type FoundryOutput struct {
	SerialNumber uint32            `json:"serial_number"`
	BaseAmount   uint64            `json:"amount"`
	Scheme       TokenScheme       `json:"token_scheme"`
	Tokens       []NativeToken     `json:"native_tokens,omitempty"`
	Conditions   []UnlockCondition `json:"unlock_conditions"`
}

func (o *FoundryOutput) Kind() OutputKind                    { return OutputFoundry }
func (o *FoundryOutput) Amount() uint64                      { return o.BaseAmount }
func (o *FoundryOutput) SetAmount(a uint64)                  { o.BaseAmount = a }
func (o *FoundryOutput) NativeTokens() []NativeToken         { return o.Tokens }
func (o *FoundryOutput) UnlockConditions() []UnlockCondition { return o.Conditions }

func (o *FoundryOutput) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(outputKindByte(OutputFoundry))
	writeUint64(&buf, o.BaseAmount)
	writeUint32(&buf, o.SerialNumber)
	writeBigInt(&buf, o.Scheme.Minted)
	writeBigInt(&buf, o.Scheme.Melted)
	writeBigInt(&buf, o.Scheme.Maximum)
	writeTokens(&buf, o.Tokens)
	writeConditions(&buf, o.Conditions)
	return buf.Bytes()
}

// NFTOutput carries a non-fungible token: immutable metadata fixed at mint
// time, transferable ownership via the address unlock condition.
type NFTOutput struct {
	NFTID             string            `json:"nft_id"`
	BaseAmount        uint64            `json:"amount"`
	ImmutableMetadata []byte            `json:"immutable_metadata,omitempty"`
	ImmutableIssuer   Address           `json:"immutable_issuer,omitempty"`
	Conditions        []UnlockCondition `json:"unlock_conditions"`
}

func (o *NFTOutput) Kind() OutputKind                    { return OutputNFT }
func (o *NFTOutput) Amount() uint64                      { return o.BaseAmount }
func (o *NFTOutput) SetAmount(a uint64)                  { o.BaseAmount = a }
func (o *NFTOutput) NativeTokens() []NativeToken         { return nil }
func (o *NFTOutput) UnlockConditions() []UnlockCondition { return o.Conditions }

func (o *NFTOutput) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(outputKindByte(OutputNFT))
	writeUint64(&buf, o.BaseAmount)
	writeBytes(&buf, []byte(o.NFTID))
	writeBytes(&buf, o.ImmutableMetadata)
	writeBytes(&buf, []byte(o.ImmutableIssuer))
	writeConditions(&buf, o.Conditions)
	return buf.Bytes()
}

// AddressUnlockCondition returns the output's plain address condition, or
// empty if the output has none (e.g. alias outputs governed by controllers).
func AddressUnlockCondition(o Output) (Address, bool) {
	for _, c := range o.UnlockConditions() {
		if c.Kind == UnlockAddress {
			return c.Address, true
		}
	}
	return "", false
}

// HasCondition reports whether the output carries a condition of the kind.
func HasCondition(o Output, kind UnlockConditionKind) bool {
	for _, c := range o.UnlockConditions() {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// TransactionEssence is the signable body of a ledger transaction.
type TransactionEssence struct {
	Network string     `json:"network"`
	Inputs  []OutputID `json:"inputs"`
	Outputs []Output   `json:"outputs"`
}

// Serialize renders the canonical binary form of the essence.
func (e *TransactionEssence) Serialize() []byte {
	var buf bytes.Buffer
	writeBytes(&buf, []byte(e.Network))
	writeUint32(&buf, uint32(len(e.Inputs)))
	for _, in := range e.Inputs {
		writeBytes(&buf, []byte(in))
	}
	writeUint32(&buf, uint32(len(e.Outputs)))
	for _, out := range e.Outputs {
		writeBytes(&buf, out.Serialize())
	}
	return buf.Bytes()
}

// UnlockKind discriminates the two unlock proof forms.
type UnlockKind string

const (
	// UnlockSignature carries an ed25519 signature over the essence hash.
	UnlockSignature UnlockKind = "signature"
	// UnlockReference points at an earlier signature unlock for the same
	// address; the protocol forbids re-signing within one transaction.
	UnlockReference UnlockKind = "reference"
)

// Unlock is the spend proof for one input, positionally matched to the
// essence's inputs.
type Unlock struct {
	Kind      UnlockKind `json:"kind"`
	PublicKey []byte     `json:"public_key,omitempty"`
	Signature []byte     `json:"signature,omitempty"`
	Reference uint16     `json:"reference,omitempty"`
}

// SignedTransaction pairs an essence with its unlock proofs.
type SignedTransaction struct {
	Essence TransactionEssence `json:"essence"`
	Unlocks []Unlock           `json:"unlocks"`
}

// Block is the submission unit: a payload attached to the current tips, or
// to a previous block when transactions must chain (multi-step minting).
type Block struct {
	Parents []BlockID          `json:"parents"`
	Payload *SignedTransaction `json:"payload"`
}

// binary writer helpers; little-endian, length-prefixed

func outputKindByte(k OutputKind) byte {
	switch k {
	case OutputBasic:
		return 3
	case OutputAlias:
		return 4
	case OutputFoundry:
		return 5
	case OutputNFT:
		return 6
	}
	return 0
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeBigInt(buf *bytes.Buffer, v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	b := v.Bytes()
	// pad to the canonical 32 bytes so serialized size is stable
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	buf.Write(padded)
}

func writeTokens(buf *bytes.Buffer, tokens []NativeToken) {
	writeUint32(buf, uint32(len(tokens)))
	for _, t := range tokens {
		writeBytes(buf, []byte(t.ID))
		writeBigInt(buf, t.Amount)
	}
}

func writeConditions(buf *bytes.Buffer, conds []UnlockCondition) {
	writeUint32(buf, uint32(len(conds)))
	for _, c := range conds {
		writeBytes(buf, []byte(c.Kind))
		writeBytes(buf, []byte(c.Address))
		writeUint64(buf, c.ReturnAmount)
		writeUint64(buf, uint64(c.UnixTime))
	}
}
