package wallet

import (
	"github.com/marketnet/market-node/internal/types"
	log "github.com/sirupsen/logrus"
)

const (
	// SUBSET_SEARCH_MAX_CANDIDATES bounds the exhaustive subset-sum search
	// to 2^12 = 4096 combinations. Larger candidate sets fall back to the
	// greedy selection.
	SUBSET_SEARCH_MAX_CANDIDATES = 12

	// SUBSET_MARGIN_DIVISOR accepts a non-exact subset whose sum overshoots
	// the target by at most target/100 (1%).
	SUBSET_MARGIN_DIVISOR = 100
)

// Selection is the result of coin selection. All amounts are satoshi.
type Selection struct {
	Outputs []UnspentOutput
	Sum     int64
	Change  int64
}

// Selector chooses unspent outputs to fund a required amount plus the fixed
// transaction fee.
type Selector struct {
	wallet Client
	txFee  int64
}

func NewSelector(wallet Client, txFee int64) *Selector {
	return &Selector{wallet: wallet, txFee: txFee}
}

// SelectOutputs selects outputs covering requiredAmount plus the fixed fee.
//
// Tiers, cheapest first: a single exact-match output; an exhaustive subset
// search over the small-output candidates (exact sum preferred, then the
// first subset within 1% above the target); an external split of a single
// larger output (send-to-self, then read back the resulting exact output);
// the greedy running-sum selection. Fails with ErrInsufficientFunds when no
// tier covers the target.
func (s *Selector) SelectOutputs(requiredAmount int64) (*Selection, error) {
	target := requiredAmount + s.txFee

	utxos, err := s.wallet.ListUnspent()
	if err != nil {
		return nil, err
	}

	// One scan computing all tier inputs simultaneously.
	exactIdx := -1
	largestIdx := -1
	var smaller []UnspentOutput
	var greedy []UnspentOutput
	var greedySum int64

	for i, utxo := range utxos {
		if !utxo.Selectable() {
			continue
		}
		if exactIdx < 0 && utxo.Amount == target {
			exactIdx = i
		}
		if utxo.Amount < target {
			smaller = append(smaller, utxo)
		}
		if largestIdx < 0 || utxo.Amount > utxos[largestIdx].Amount {
			largestIdx = i
		}
		if greedySum < target {
			greedy = append(greedy, utxo)
			greedySum += utxo.Amount
		}
	}

	if exactIdx >= 0 {
		return newSelection([]UnspentOutput{utxos[exactIdx]}, target), nil
	}

	if len(smaller) <= SUBSET_SEARCH_MAX_CANDIDATES {
		if subset := findSubset(smaller, target); subset != nil {
			return newSelection(subset, target), nil
		}
	}

	if largestIdx >= 0 && utxos[largestIdx].Amount > target {
		selection, err := s.splitOutput(target)
		if err != nil {
			return nil, err
		}
		if selection != nil {
			return selection, nil
		}
		// The split transaction spent outputs from the enumeration above,
		// so the greedy set computed there is stale. Re-enumerate before
		// falling through.
		utxos, err = s.wallet.ListUnspent()
		if err != nil {
			return nil, err
		}
		greedy, greedySum = nil, 0
		for _, utxo := range utxos {
			if !utxo.Selectable() {
				continue
			}
			if greedySum < target {
				greedy = append(greedy, utxo)
				greedySum += utxo.Amount
			}
		}
	}

	if greedySum >= target {
		return newSelection(greedy, target), nil
	}

	log.Warnf("Coin selection failed, required %d + fee %d over %d spendable outputs", requiredAmount, s.txFee, len(utxos))
	return nil, types.ErrInsufficientFunds
}

func newSelection(outputs []UnspentOutput, target int64) *Selection {
	var sum int64
	for _, o := range outputs {
		sum += o.Amount
	}
	return &Selection{Outputs: outputs, Sum: sum, Change: sum - target}
}

// findSubset tests all 2^n subsets of candidates. An exact sum wins
// immediately; otherwise the first subset within the 1% overshoot margin.
func findSubset(candidates []UnspentOutput, target int64) []UnspentOutput {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	margin := target / SUBSET_MARGIN_DIVISOR

	var withinMargin []UnspentOutput
	for mask := 1; mask < 1<<uint(n); mask++ {
		var sum int64
		for i := 0; i < n; i++ {
			if mask&(1<<uint(i)) != 0 {
				sum += candidates[i].Amount
			}
		}
		if sum == target {
			return subsetByMask(candidates, mask)
		}
		if withinMargin == nil && sum > target && sum <= target+margin {
			withinMargin = subsetByMask(candidates, mask)
		}
	}
	return withinMargin
}

func subsetByMask(candidates []UnspentOutput, mask int) []UnspentOutput {
	var subset []UnspentOutput
	for i := range candidates {
		if mask&(1<<uint(i)) != 0 {
			subset = append(subset, candidates[i])
		}
	}
	return subset
}

// splitOutput sends the exact target back to a fresh own address so the
// wallet produces an output matching it, then reads that output back. This
// avoids leaving excess change unspent when only a large output is
// available. Returns nil without error when the split output has not shown
// up in the unspent set.
func (s *Selector) splitOutput(target int64) (*Selection, error) {
	address, err := s.wallet.GetNewAddress("split")
	if err != nil {
		return nil, err
	}
	txid, err := s.wallet.SendToAddress(address, target)
	if err != nil {
		return nil, err
	}
	log.Debugf("Coin selection split tx %s, target %d to %s", txid, target, address)

	utxos, err := s.wallet.ListUnspent()
	if err != nil {
		return nil, err
	}
	for _, utxo := range utxos {
		if utxo.Txid == txid && utxo.Amount == target {
			return newSelection([]UnspentOutput{utxo}, target), nil
		}
	}
	return nil, nil
}
