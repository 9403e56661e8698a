package wallet

import (
	"sort"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/crypto"
	"github.com/elnosh/cashew/wallet/storage"
)

// feesForCount is the aggregate input fee for n proofs from a keyset
// with the given input-fee-ppk, rounded up to the unit.
func feesForCount(n int, inputFeePpk uint) uint64 {
	return (uint64(n)*uint64(inputFeePpk) + 999) / 1000
}

// feesForProofs computes the aggregate fee for spending the proofs,
// summing the per-keyset fees.
func (w *Wallet) feesForProofs(proofs cashu.Proofs) uint64 {
	counts := make(map[string]int)
	for _, proof := range proofs {
		counts[proof.Id]++
	}

	var fee uint64
	for keysetId, count := range counts {
		keyset, err := w.keysetById(keysetId)
		if err != nil {
			continue
		}
		fee += feesForCount(count, keyset.InputFeePpk)
	}
	return fee
}

func (w *Wallet) feesForProofInfos(infos []storage.ProofInfo) uint64 {
	return w.feesForProofs(proofInfosToProofs(infos))
}

// selectProofsToSpend picks unspent proofs whose value covers target plus
// the input fees they themselves incur, preferring proofs from the active
// keyset; proofs from inactive keysets are taken after the active ones.
//
// Within a keyset group the selection is greedy from the largest
// denomination, then trimmed: any proof that can be dropped while still
// covering target + fees is dropped, smallest first, to reduce waste.
func (w *Wallet) selectProofsToSpend(target uint64, includeFees bool) ([]storage.ProofInfo, uint64, error) {
	unspent := w.db.GetProofs(storage.GetProofsFilter{
		MintURL: w.mintURL,
		Unit:    w.unit.String(),
		States:  []storage.ProofState{storage.ProofUnspent},
	})

	var have uint64
	for _, info := range unspent {
		have += info.Proof.Amount
	}
	if have < target {
		return nil, 0, &InsufficientFundsError{Need: target, Have: have}
	}

	// active keyset proofs first, inactive ones as fallback
	ordered := make([]storage.ProofInfo, 0, len(unspent))
	for _, info := range unspent {
		if info.Proof.Id == w.activeKeyset.Id {
			ordered = append(ordered, info)
		}
	}
	for _, info := range unspent {
		if info.Proof.Id != w.activeKeyset.Id {
			ordered = append(ordered, info)
		}
	}

	feeFor := func(selection []storage.ProofInfo) uint64 {
		if !includeFees {
			return 0
		}
		return w.feesForProofInfos(selection)
	}

	// greedy from largest within the keyset preference ordering
	sort.SliceStable(ordered, func(i, j int) bool {
		sameGroup := (ordered[i].Proof.Id == w.activeKeyset.Id) == (ordered[j].Proof.Id == w.activeKeyset.Id)
		if sameGroup {
			return ordered[i].Proof.Amount > ordered[j].Proof.Amount
		}
		return ordered[i].Proof.Id == w.activeKeyset.Id
	})

	selected := make([]storage.ProofInfo, 0)
	var selectedAmount uint64
	for _, info := range ordered {
		if selectedAmount >= target+feeFor(selected) {
			break
		}
		selected = append(selected, info)
		selectedAmount += info.Proof.Amount
	}

	if selectedAmount < target+feeFor(selected) {
		return nil, 0, &InsufficientFundsError{Need: target + feeFor(selected), Have: have}
	}

	// trim waste: drop smallest proofs that are not needed to cover
	// target plus the fee of what remains
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Proof.Amount < selected[j].Proof.Amount
	})
	trimmed := true
	for trimmed {
		trimmed = false
		for i, info := range selected {
			remaining := selectedAmount - info.Proof.Amount
			rest := make([]storage.ProofInfo, 0, len(selected)-1)
			rest = append(rest, selected[:i]...)
			rest = append(rest, selected[i+1:]...)
			if remaining >= target+feeFor(rest) {
				selected = rest
				selectedAmount = remaining
				trimmed = true
				break
			}
		}
	}

	return selected, feeFor(selected), nil
}

// outputSplit produces the denomination list for an amount against the
// keyset's offered denominations, honoring the split target.
func outputSplit(amount uint64, keyset *crypto.WalletKeyset, target cashu.SplitTarget) []uint64 {
	split := cashu.AmountSplitTarget(amount, target)

	// every amount in the split has to exist as a denomination in the
	// keyset; fall back to plain power-of-two decomposition otherwise
	for _, amt := range split {
		if _, ok := keyset.PublicKeys[amt]; !ok && len(keyset.PublicKeys) > 0 {
			return cashu.AmountSplit(amount)
		}
	}
	return split
}
