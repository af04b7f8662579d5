package ledger

import (
	"encoding/json"
	"fmt"
)

// outputEnvelope carries an output over JSON with an explicit kind
// discriminator, since Output is an interface.
type outputEnvelope struct {
	Kind   OutputKind      `json:"kind"`
	Output json.RawMessage `json:"output"`
}

// MarshalOutput encodes an output together with its kind discriminator.
func MarshalOutput(o Output) ([]byte, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outputEnvelope{Kind: o.Kind(), Output: raw})
}

// UnmarshalOutput decodes an output from its enveloped JSON form.
func UnmarshalOutput(data []byte) (Output, error) {
	var env outputEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var out Output
	switch env.Kind {
	case OutputBasic:
		out = &BasicOutput{}
	case OutputAlias:
		out = &AliasOutput{}
	case OutputFoundry:
		out = &FoundryOutput{}
	case OutputNFT:
		out = &NFTOutput{}
	default:
		return nil, fmt.Errorf("unknown output kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Output, out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalJSON envelopes the output so the kind survives the round trip.
func (r OutputResult) MarshalJSON() ([]byte, error) {
	out, err := MarshalOutput(r.Output)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID     OutputID        `json:"id"`
		Output json.RawMessage `json:"output"`
	}{ID: r.ID, Output: out})
}

// UnmarshalJSON decodes an enveloped output result.
func (r *OutputResult) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID     OutputID        `json:"id"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out, err := UnmarshalOutput(wire.Output)
	if err != nil {
		return fmt.Errorf("output %s: %w", wire.ID, err)
	}
	r.ID = wire.ID
	r.Output = out
	return nil
}

// MarshalJSON envelopes each output of the essence.
func (e TransactionEssence) MarshalJSON() ([]byte, error) {
	outputs := make([]json.RawMessage, len(e.Outputs))
	for i, out := range e.Outputs {
		raw, err := MarshalOutput(out)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		outputs[i] = raw
	}
	return json.Marshal(struct {
		Network string            `json:"network"`
		Inputs  []OutputID        `json:"inputs"`
		Outputs []json.RawMessage `json:"outputs"`
	}{Network: e.Network, Inputs: e.Inputs, Outputs: outputs})
}

// UnmarshalJSON decodes an essence with enveloped outputs.
func (e *TransactionEssence) UnmarshalJSON(data []byte) error {
	var wire struct {
		Network string            `json:"network"`
		Inputs  []OutputID        `json:"inputs"`
		Outputs []json.RawMessage `json:"outputs"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	outputs := make([]Output, len(wire.Outputs))
	for i, raw := range wire.Outputs {
		out, err := UnmarshalOutput(raw)
		if err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
		outputs[i] = out
	}
	e.Network = wire.Network
	e.Inputs = wire.Inputs
	e.Outputs = outputs
	return nil
}
