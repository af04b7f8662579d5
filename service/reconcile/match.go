package reconcile

import (
	"github.com/buildcore-io/settler/service/db"
)

// Match scans an ingested ledger transaction for an output satisfying a
// pending order.
//
// An output whose address equals any input's address is change and never a
// match. Of the remaining outputs, one qualifies when it pays the order's
// target address and either the amount equals the order's amount or the
// order validates by address only.
//
// The scan does not stop at the first qualifying output: when several
// qualify, the last one encountered wins. Downstream accounting relies on
// this ordering, so it is deliberate; see the matching tests.
func Match(ltx *db.LedgerTransaction, targetAddress string, amount uint64, validation db.ValidationType) (db.Entry, bool) {
	idx := matchIndex(ltx, targetAddress, amount, validation)
	if idx < 0 {
		return db.Entry{}, false
	}
	return ltx.Outputs[idx], true
}

// matchIndex returns the index of the matched output, or -1.
func matchIndex(ltx *db.LedgerTransaction, targetAddress string, amount uint64, validation db.ValidationType) int {
	inputAddresses := make(map[string]struct{}, len(ltx.Inputs))
	for _, in := range ltx.Inputs {
		inputAddresses[in.Address] = struct{}{}
	}

	idx := -1
	for i, out := range ltx.Outputs {
		if _, isChange := inputAddresses[out.Address]; isChange {
			continue
		}
		if out.Address != targetAddress {
			continue
		}
		if validation == db.ValidationAddressOnly || out.Amount == amount {
			idx = i
		}
	}
	return idx
}

// SenderAddress returns the address reconciliation treats as the payment's
// sender: the first input.
func SenderAddress(ltx *db.LedgerTransaction) string {
	if len(ltx.Inputs) == 0 {
		return ""
	}
	return ltx.Inputs[0].Address
}

// nonChangeOutputs returns the outputs that are not change back to an
// input address.
func nonChangeOutputs(ltx *db.LedgerTransaction) []db.Entry {
	inputAddresses := make(map[string]struct{}, len(ltx.Inputs))
	for _, in := range ltx.Inputs {
		inputAddresses[in.Address] = struct{}{}
	}
	var outs []db.Entry
	for _, out := range ltx.Outputs {
		if _, isChange := inputAddresses[out.Address]; isChange {
			continue
		}
		outs = append(outs, out)
	}
	return outs
}
