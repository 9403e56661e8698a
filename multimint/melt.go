package multimint

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/wallet"
	"github.com/elnosh/cashew/wallet/storage"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

type MeltOptions struct {
	// Mpp partitions the payment across mints when no single mint can
	// cover it (NUT-15).
	Mpp bool
	// PreferredMint pays from this mint when it can cover the amount.
	PreferredMint string
}

// MintMeltOutcome is the per-mint result of a (possibly multi-path) melt.
type MintMeltOutcome struct {
	MintURL string
	Amount  uint64
	State   nut05.State
	Quote   *storage.MeltQuote
	Err     error
}

type MeltResult struct {
	Paid     bool
	Preimage string
	// total fee across contributing mints
	FeePaid  uint64
	Outcomes []MintMeltOutcome
}

// MixedPartialFailure reports a multi-path melt where some mints paid
// their partial and some failed. Paid partials are permanent; the caller
// has to reconcile using the per-mint outcomes.
type MixedPartialFailure struct {
	Outcomes []MintMeltOutcome
}

func (e *MixedPartialFailure) Error() string {
	paid, failed := 0, 0
	for _, outcome := range e.Outcomes {
		if outcome.State == nut05.Paid {
			paid++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("multi-path payment partially failed: %d mints paid, %d failed", paid, failed)
}

// Melt pays a bolt11 request from the registered mints. A single mint is
// used when one can cover the amount; otherwise, with Mpp enabled, the
// amount is partitioned greedy largest-balance-first and every mint runs
// an independent melt saga for its partial.
func (m *MultiMintWallet) Melt(request string, options MeltOptions) (*MeltResult, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return nil, fmt.Errorf("invalid payment request: %v", err)
	}
	amountMsat := uint64(invoice.MSatoshi)
	if amountMsat == 0 {
		return nil, errors.New("amountless invoices are not supported")
	}
	amountSat := amountMsat / 1000

	// prefer a single-mint payment when possible
	single := m.singleMintFor(amountSat, options.PreferredMint)
	if single != nil {
		quote, err := single.RequestMeltQuote(request, 0)
		if err != nil {
			return nil, err
		}
		melted, err := single.Melt(quote.QuoteId)
		outcome := MintMeltOutcome{
			MintURL: single.MintURL(),
			Amount:  amountSat,
			Quote:   melted,
			Err:     err,
		}
		if melted != nil {
			outcome.State = melted.State
		}
		if err != nil {
			return &MeltResult{Outcomes: []MintMeltOutcome{outcome}}, err
		}
		return &MeltResult{
			Paid:     true,
			Preimage: melted.Preimage,
			FeePaid:  m.feeFromQuote(single, melted),
			Outcomes: []MintMeltOutcome{outcome},
		}, nil
	}

	if !options.Mpp {
		return nil, ErrMppNotEnabled
	}

	partials, err := m.partitionAmount(amountSat)
	if err != nil {
		return nil, err
	}

	// each contributing mint runs an independent melt saga for its
	// pinned partial amount
	outcomes := make([]MintMeltOutcome, 0, len(partials))
	paid := 0
	failed := 0
	var preimage string
	var totalFee uint64

	for _, partial := range partials {
		partialMsat := partial.amount * 1000
		quote, err := partial.wallet.RequestMeltQuote(request, partialMsat)
		if err != nil {
			outcomes = append(outcomes, MintMeltOutcome{
				MintURL: partial.wallet.MintURL(),
				Amount:  partial.amount,
				State:   nut05.Unknown,
				Err:     err,
			})
			failed++
			continue
		}

		melted, err := partial.wallet.Melt(quote.QuoteId)
		outcome := MintMeltOutcome{
			MintURL: partial.wallet.MintURL(),
			Amount:  partial.amount,
			Quote:   melted,
			Err:     err,
		}
		if melted != nil {
			outcome.State = melted.State
			if melted.Preimage != "" {
				preimage = melted.Preimage
			}
		}
		outcomes = append(outcomes, outcome)

		if err == nil && melted != nil && melted.State == nut05.Paid {
			paid++
			totalFee += m.feeFromQuote(partial.wallet, melted)
		} else {
			failed++
		}
	}

	if failed == 0 {
		return &MeltResult{
			Paid:     true,
			Preimage: preimage,
			FeePaid:  totalFee,
			Outcomes: outcomes,
		}, nil
	}
	if paid == 0 {
		return &MeltResult{Outcomes: outcomes}, ErrPaymentFailedAll
	}

	// mixed outcome: paid partials are permanent, failed ones already
	// compensated by their own sagas
	m.logger.Warn("multi-path melt with mixed outcome",
		slog.Int("paid", paid), slog.Int("failed", failed))
	return &MeltResult{
		Preimage: preimage,
		FeePaid:  totalFee,
		Outcomes: outcomes,
	}, &MixedPartialFailure{Outcomes: outcomes}
}

var ErrPaymentFailedAll = errors.New("payment failed at every mint")

func (m *MultiMintWallet) singleMintFor(amountSat uint64, preferred string) *wallet.Wallet {
	if preferred != "" {
		if w, ok := m.GetWallet(strings.TrimSuffix(preferred, "/")); ok {
			// fees still come on top; require some headroom
			if w.Balance() > amountSat {
				return w
			}
		}
	}
	for _, w := range m.walletsByBalanceDesc() {
		if w.Balance() > amountSat {
			return w
		}
	}
	return nil
}

type meltPartial struct {
	wallet *wallet.Wallet
	amount uint64
}

// partitionAmount splits an amount across wallets greedy largest balance
// first, leaving headroom on each mint for its fee reserve. The last
// partial absorbs the remainder.
func (m *MultiMintWallet) partitionAmount(amountSat uint64) ([]meltPartial, error) {
	wallets := m.walletsByBalanceDesc()

	partials := make([]meltPartial, 0, len(wallets))
	remaining := amountSat
	for _, w := range wallets {
		if remaining == 0 {
			break
		}
		balance := w.Balance()
		if balance == 0 {
			continue
		}
		// keep roughly 2% headroom for the mint's fee reserve
		usable := balance - balance/50 - 1
		if usable == 0 {
			continue
		}
		share := usable
		if share > remaining {
			share = remaining
		}
		partials = append(partials, meltPartial{wallet: w, amount: share})
		remaining -= share
	}

	if remaining > 0 {
		return nil, &wallet.InsufficientFundsError{Need: amountSat, Have: amountSat - remaining}
	}
	return partials, nil
}

// feeFromQuote reports the fee recorded by the melt's audit record.
func (m *MultiMintWallet) feeFromQuote(w *wallet.Wallet, quote *storage.MeltQuote) uint64 {
	for _, txn := range w.Transactions() {
		if txn.QuoteId == quote.QuoteId {
			return txn.Fee
		}
	}
	return 0
}
