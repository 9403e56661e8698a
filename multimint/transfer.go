package multimint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnosh/cashew/wallet"
)

type TransferKind int

const (
	// TransferExactReceive makes the target receive exactly Amount;
	// the source pays Amount plus fees.
	TransferExactReceive TransferKind = iota
	// TransferFullBalance drains the source; the target receives the
	// source balance minus fees.
	TransferFullBalance
)

type TransferMode struct {
	Kind   TransferKind
	Amount uint64
}

type TransferResult struct {
	SourceMint     string
	TargetMint     string
	AmountSent     uint64
	AmountReceived uint64
	FeesPaid       uint64
}

// Transfer moves value between two registered mints: a mint quote at the
// target produces a payment request, a melt quote at the source pays it,
// and the target's issuance saga claims the fresh proofs. Both legs are
// crash-safe sagas of their own.
func (m *MultiMintWallet) Transfer(sourceMint, targetMint string, mode TransferMode) (*TransferResult, error) {
	source, ok := m.GetWallet(sourceMint)
	if !ok {
		return nil, ErrMintNotRegistered
	}
	target, ok := m.GetWallet(targetMint)
	if !ok {
		return nil, ErrMintNotRegistered
	}

	sourceBalance := source.Balance()
	if sourceBalance == 0 {
		return nil, &wallet.InsufficientFundsError{Need: 1, Have: 0}
	}

	var receiveAmount uint64
	switch mode.Kind {
	case TransferExactReceive:
		receiveAmount = mode.Amount
	case TransferFullBalance:
		// start from the full balance and shrink until the source can
		// cover amount + fee reserve
		receiveAmount = sourceBalance
	default:
		return nil, errors.New("unknown transfer mode")
	}
	if receiveAmount == 0 {
		return nil, errors.New("transfer amount cannot be zero")
	}

	// a few shrinking attempts for FullBalance to absorb fees
	for attempt := 0; attempt < 5; attempt++ {
		mintQuote, err := target.RequestMint(receiveAmount, "")
		if err != nil {
			return nil, fmt.Errorf("error requesting mint quote at target: %w", err)
		}

		meltQuote, err := source.RequestMeltQuote(mintQuote.PaymentRequest, 0)
		if err != nil {
			return nil, fmt.Errorf("error requesting melt quote at source: %w", err)
		}

		needed := meltQuote.Amount + meltQuote.FeeReserve
		if needed > sourceBalance {
			if mode.Kind == TransferExactReceive {
				return nil, &wallet.InsufficientFundsError{Need: needed, Have: sourceBalance}
			}
			deficit := needed - sourceBalance
			if deficit >= receiveAmount {
				return nil, &wallet.InsufficientFundsError{Need: needed, Have: sourceBalance}
			}
			receiveAmount -= deficit
			continue
		}

		melted, err := source.Melt(meltQuote.QuoteId)
		if err != nil {
			return nil, fmt.Errorf("melt at source failed: %w", err)
		}

		received, err := target.MintTokens(mintQuote.QuoteId)
		if err != nil {
			// the payment settled; the mint saga at the target stays
			// resumable, so the value is not lost
			m.logger.Error("melt settled but issuance claim failed, will resume",
				slog.String("target", targetMint), slog.String("error", err.Error()))
			return nil, fmt.Errorf("claim at target failed (resumable): %w", err)
		}

		result := &TransferResult{
			SourceMint:     sourceMint,
			TargetMint:     targetMint,
			AmountSent:     melted.Amount,
			AmountReceived: received,
		}
		if txn := source.GetTransaction(transferTxnId(source, melted.QuoteId)); txn != nil {
			result.FeesPaid = txn.Fee
		}
		return result, nil
	}

	return nil, errors.New("could not fit transfer within source balance")
}

// transferTxnId looks up the audit record the melt wrote for fee
// reporting. Missing records just leave FeesPaid at zero.
func transferTxnId(source *wallet.Wallet, quoteId string) string {
	for _, txn := range source.Transactions() {
		if txn.QuoteId == quoteId {
			return txn.Id
		}
	}
	return ""
}
