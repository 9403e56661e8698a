package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/cashu/nuts/nut15"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const maxBlankOutputs = 64

// blankOutputCount is the number of blank change outputs for a fee
// reserve per NUT-08: ceil(log2(fee_reserve)) + 1, capped.
func blankOutputCount(feeReserve uint64) int {
	if feeReserve == 0 {
		return 0
	}
	// ceil(log2(feeReserve)) + 1
	count := bits.Len64(feeReserve-1) + 1
	if count > maxBlankOutputs {
		count = maxBlankOutputs
	}
	return count
}

// RequestMeltQuote asks the mint for a quote to pay the bolt11 request.
// mppAmountMsat, if non-zero, pins a partial amount for a multi-path
// payment (NUT-15).
func (w *Wallet) RequestMeltQuote(request string, mppAmountMsat uint64) (*storage.MeltQuote, error) {
	if _, err := decodepay.Decodepay(request); err != nil {
		return nil, fmt.Errorf("invalid payment request: %v", err)
	}

	quoteRequest := nut05.PostMeltQuoteBolt11Request{
		Request: request,
		Unit:    w.unit.String(),
	}
	if mppAmountMsat > 0 {
		quoteRequest.Options = &nut05.MeltOptions{
			Mpp: &nut15.MppOption{Amount: mppAmountMsat},
		}
	}

	quoteResponse, err := w.client.PostMeltQuoteBolt11(quoteRequest)
	if err != nil {
		return nil, err
	}

	quote := storage.MeltQuote{
		QuoteId:        quoteResponse.Quote,
		Mint:           w.mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          quoteResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: request,
		Amount:         quoteResponse.Amount,
		FeeReserve:     quoteResponse.FeeReserve,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    quoteResponse.Expiry,
	}
	if err := w.db.SaveMeltQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving melt quote: %v", err)
	}

	return &quote, nil
}

// MeltQuoteState queries the mint for the melt quote state and reconciles
// the stored quote with it.
func (w *Wallet) MeltQuoteState(quoteId string) (*storage.MeltQuote, error) {
	quote := w.db.GetMeltQuote(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}

	quoteResponse, err := w.client.GetMeltQuoteState(quoteId)
	if err != nil {
		return nil, err
	}

	if quoteResponse.State != quote.State || quoteResponse.Preimage != quote.Preimage {
		quote.State = quoteResponse.State
		quote.Preimage = quoteResponse.Preimage
		if err := w.saveMeltQuoteRetrying(quote); err != nil {
			return nil, err
		}
	}

	return quote, nil
}

// Melt burns wallet proofs so the mint pays the quote's payment request.
//
// The operation is a saga. TX1 reserves inputs worth amount + fee_reserve
// (plus input fees), reserves the quote, pre-derives blank change outputs
// and persists everything. The melt request is then executed; transport
// failures and Pending responses leave the saga alive in a poll-to-decide
// posture, never compensating prematurely. On Paid, finalize marks inputs
// spent, recovers the change and records the transaction.
func (w *Wallet) Melt(quoteId string) (*storage.MeltQuote, error) {
	quote := w.db.GetMeltQuote(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}
	if quote.State == nut05.Paid {
		return nil, client.ErrInvoiceAlreadyPaid
	}

	activeKeyset, err := w.getActiveKeyset()
	if err != nil {
		return nil, err
	}

	// inputs have to cover amount + fee reserve plus the input fees they
	// incur themselves
	target := quote.Amount + quote.FeeReserve
	if activeKeyset.InputFeePpk > 0 {
		target += feesForCount(len(cashu.AmountSplit(target)), activeKeyset.InputFeePpk)
	}

	inputs, _, err := w.selectProofsToSpend(target, true)
	if err != nil {
		return nil, err
	}
	inputProofs := proofInfosToProofs(inputs)

	// swap into the exact target first when the selection overshoots:
	// overpayment beyond the fee reserve would not fit the blank change
	// outputs
	if inputProofs.Amount() != target+w.feesForProofs(inputProofs) {
		result, err := w.swap(inputs, swapOptions{sendAmount: target})
		if err != nil {
			return nil, err
		}
		if err := w.saveProofs(result.send, ""); err != nil {
			return nil, fmt.Errorf("error saving proofs: %v", err)
		}
		ys, err := result.send.Ys()
		if err != nil {
			return nil, err
		}
		inputs = w.db.GetProofsByYs(ys)
		inputProofs = result.send
	}

	inputYs := ysFromInfos(inputs)

	sagaId := uuid.New()
	saga := storage.Saga{
		Id:        sagaId,
		Kind:      storage.SagaMelt,
		Mint:      w.mintURL,
		Unit:      w.unit.String(),
		Amount:    quote.Amount,
		QuoteId:   quote.QuoteId,
		KeysetId:  activeKeyset.Id,
		InputYs:   inputYs,
		CreatedAt: time.Now().Unix(),
	}

	// TX1: reserve inputs and the quote, derive blank change outputs,
	// persist the saga
	if err := w.db.ReserveProofs(inputYs, saga.OperationId()); err != nil {
		return nil, err
	}
	if err := w.db.ReserveMeltQuote(quote.QuoteId, saga.OperationId()); err != nil {
		w.db.ReleaseProofs(saga.OperationId())
		if errors.Is(err, storage.ErrQuoteInUse) {
			return nil, ErrQuoteInUse
		}
		return nil, err
	}

	numBlankOutputs := blankOutputCount(quote.FeeReserve)
	if numBlankOutputs > 0 {
		counter, err := w.newCounterWindow(activeKeyset.Id, uint32(numBlankOutputs))
		if err != nil {
			w.compensateMelt(&saga, quote)
			return nil, err
		}
		saga.CounterStart = counter

		// blank outputs carry amount 1; the mint sets real amounts
		// once the actual fee is known
		blankSplit := make([]uint64, numBlankOutputs)
		for i := range blankSplit {
			blankSplit[i] = 1
		}
		outputs, secrets, rs, err := w.createBlindedMessages(blankSplit, activeKeyset.Id, &counter)
		if err != nil {
			w.compensateMelt(&saga, quote)
			return nil, err
		}
		saga.CounterEnd = counter
		saga.Outputs = outputs
		saga.Secrets = secrets
		saga.Rs = rsToHex(rs)
	}

	saga.State = storage.SagaProofsReserved
	if err := w.saveSaga(&saga); err != nil {
		w.compensateMelt(&saga, quote)
		return nil, fmt.Errorf("error saving operation: %v", err)
	}

	// sign inputs carrying spending conditions we can satisfy
	signedInputs, err := w.signInputs(inputProofs, saga.Outputs)
	if err != nil {
		w.compensateMelt(&saga, quote)
		return nil, err
	}

	// internal settlement: the request may be the invoice of one of the
	// wallet's own mint quotes on this mint. The mint settles it
	// internally; the local mint quote gets reconciled after payment.
	internalQuote := w.matchingMintQuote(quote)
	if internalQuote != nil {
		if err := w.db.ReserveMintQuote(internalQuote.QuoteId, saga.OperationId()); err != nil {
			// a state-based reject of internal settlement must not
			// burn inputs; just proceed with the external path
			w.logger.Debug("mint quote for internal settlement unavailable",
				slog.String("quote", internalQuote.QuoteId))
			internalQuote = nil
		}
	}

	return w.executeMelt(&saga, quote, signedInputs, internalQuote)
}

// matchingMintQuote finds an unredeemed local mint quote on the same mint
// whose payment request equals the melt's, within fee tolerance.
func (w *Wallet) matchingMintQuote(meltQuote *storage.MeltQuote) *storage.MintQuote {
	for _, mintQuote := range w.db.GetMintQuotes() {
		if mintQuote.Mint != meltQuote.Mint {
			continue
		}
		if mintQuote.PaymentRequest != meltQuote.PaymentRequest {
			continue
		}
		if mintQuote.State == nut04.Issued {
			continue
		}
		if mintQuote.Amount > meltQuote.Amount+meltQuote.FeeReserve {
			continue
		}
		quote := mintQuote
		return &quote
	}
	return nil
}

// executeMelt drives ProofsReserved -> MeltRequested -> outcome.
func (w *Wallet) executeMelt(
	saga *storage.Saga,
	quote *storage.MeltQuote,
	inputs cashu.Proofs,
	internalQuote *storage.MintQuote,
) (*storage.MeltQuote, error) {

	saga.State = storage.SagaMeltRequested
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}

	meltRequest := nut05.PostMeltBolt11Request{
		Quote:   quote.QuoteId,
		Inputs:  inputs,
		Outputs: saga.Outputs,
	}
	meltResponse, err := w.client.PostMeltBolt11(meltRequest)
	if err != nil {
		if client.IsTransport(err) {
			// result unknown: poll the quote, never assume
			return w.pollMeltOutcome(saga, quote, internalQuote)
		}
		if errors.Is(err, client.ErrQuotePending) {
			return w.markMeltPending(saga, quote)
		}
		// deterministic failure before payment: compensate
		if internalQuote != nil {
			w.db.ReleaseMintQuote(internalQuote.QuoteId)
		}
		w.compensateMelt(saga, quote)
		return nil, err
	}

	switch meltResponse.State {
	case nut05.Paid:
		return w.finalizeMelt(saga, quote, meltResponse.Preimage, meltResponse.Change, internalQuote)

	case nut05.Pending:
		return w.markMeltPending(saga, quote)

	default: // Failed / Unpaid
		if internalQuote != nil {
			w.db.ReleaseMintQuote(internalQuote.QuoteId)
		}
		w.compensateMelt(saga, quote)
		quote.State = meltResponse.State
		w.saveMeltQuoteRetrying(quote)
		return quote, ErrPaymentFailed
	}
}

// markMeltPending records that the payment is in flight. The saga stays
// alive; the resume driver and MeltQuoteState finish it later.
func (w *Wallet) markMeltPending(saga *storage.Saga, quote *storage.MeltQuote) (*storage.MeltQuote, error) {
	saga.State = storage.SagaPaymentPending
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}
	if err := w.db.UpdateProofsState(saga.InputYs, storage.ProofPendingSpent); err != nil {
		w.logger.Error("error marking inputs pending", slog.String("error", err.Error()))
	}

	quote.State = nut05.Pending
	if err := w.saveMeltQuoteRetrying(quote); err != nil {
		return nil, err
	}
	return quote, ErrPaymentPending
}

// pollMeltOutcome consults the mint after an indeterminate send. It only
// ever compensates on an explicit Unpaid/Failed answer from the mint.
func (w *Wallet) pollMeltOutcome(
	saga *storage.Saga,
	quote *storage.MeltQuote,
	internalQuote *storage.MintQuote,
) (*storage.MeltQuote, error) {

	for attempt := 0; attempt < 3; attempt++ {
		quoteResponse, err := w.client.GetMeltQuoteState(quote.QuoteId)
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		switch quoteResponse.State {
		case nut05.Paid:
			return w.finalizeMelt(saga, quote, quoteResponse.Preimage, quoteResponse.Change, internalQuote)
		case nut05.Unpaid, nut05.Failed:
			if internalQuote != nil {
				w.db.ReleaseMintQuote(internalQuote.QuoteId)
			}
			w.compensateMelt(saga, quote)
			quote.State = quoteResponse.State
			w.saveMeltQuoteRetrying(quote)
			return quote, ErrPaymentFailed
		case nut05.Pending:
			return w.markMeltPending(saga, quote)
		}
	}

	// still unknown: keep everything reserved, surface indeterminacy
	return quote, ErrPaymentUnknown
}

// finalizeMelt is TX2: inputs become spent, returned change signatures
// are unblinded against the pre-derived blank outputs, fee accounting is
// recorded and the saga dropped.
func (w *Wallet) finalizeMelt(
	saga *storage.Saga,
	quote *storage.MeltQuote,
	preimage string,
	change cashu.BlindedSignatures,
	internalQuote *storage.MintQuote,
) (*storage.MeltQuote, error) {

	inputAmount := w.inputAmountFor(saga)

	if err := w.db.UpdateProofsState(saga.InputYs, storage.ProofSpent); err != nil {
		return nil, fmt.Errorf("error marking inputs spent: %v", err)
	}

	var changeProofs cashu.Proofs
	if len(change) > 0 {
		if len(change) > len(saga.Outputs) {
			change = change[:len(saga.Outputs)]
		}
		rs, err := rsFromHex(saga.Rs[:len(change)])
		if err == nil {
			keyset, kerr := w.keysetById(saga.KeysetId)
			if kerr == nil {
				// change signature i corresponds to blank output i
				changeProofs, err = constructProofs(change, saga.Outputs[:len(change)],
					saga.Secrets[:len(change)], rs, keyset)
			} else {
				err = kerr
			}
		}
		if err != nil {
			// never fail the melt because change recovery failed; the
			// payment went through. Record the loss and move on.
			w.logger.Error("could not recover change from melt, run restore",
				slog.String("saga", saga.Id.String()), slog.String("error", err.Error()))
			changeProofs = nil
		} else {
			if err := w.saveProofs(changeProofs, saga.OperationId()); err != nil {
				w.logger.Error("error saving change proofs", slog.String("error", err.Error()))
				changeProofs = nil
			}
		}
	}

	feePaid := inputAmount - quote.Amount - changeProofs.Amount()

	quote.State = nut05.Paid
	quote.Preimage = preimage
	quote.SettledAt = time.Now().Unix()
	if err := w.saveMeltQuoteRetrying(quote); err != nil {
		return nil, err
	}

	// reconcile the internally settled mint quote so its issuance saga
	// can claim
	if internalQuote != nil {
		stored := w.db.GetMintQuote(internalQuote.QuoteId)
		if stored != nil && stored.State == nut04.Unpaid {
			stored.State = nut04.Paid
			stored.AmountPaid = stored.Amount
			if err := w.saveMintQuoteRetrying(stored); err != nil {
				w.logger.Error("error updating internally settled mint quote",
					slog.String("error", err.Error()))
			}
		}
		w.db.ReleaseMintQuote(internalQuote.QuoteId)
	}

	txn := storage.Transaction{
		Id:             storage.TransactionId(saga.InputYs),
		Mint:           w.mintURL,
		Direction:      storage.TransactionOutgoing,
		Unit:           w.unit.String(),
		Amount:         quote.Amount,
		Fee:            feePaid,
		Ys:             saga.InputYs,
		Timestamp:      time.Now().Unix(),
		QuoteId:        quote.QuoteId,
		PaymentRequest: quote.PaymentRequest,
		PaymentProof:   preimage,
		PaymentMethod:  quote.Method,
		SagaId:         saga.Id.String(),
	}
	if err := w.db.AddTransaction(txn); err != nil {
		return nil, err
	}

	if err := w.db.ReleaseMeltQuote(quote.QuoteId); err != nil {
		w.logger.Error("error releasing melt quote", slog.String("error", err.Error()))
	}
	if err := w.db.DeleteSaga(saga.Id); err != nil {
		return nil, err
	}

	return quote, nil
}

// compensateMelt undoes TX1: inputs back to unspent, quote released, saga
// dropped. Idempotent.
func (w *Wallet) compensateMelt(saga *storage.Saga, quote *storage.MeltQuote) {
	// inputs may be Reserved or PendingSpent depending on how far the
	// saga got
	infos := w.db.GetProofsByYs(saga.InputYs)
	var pendingYs []string
	for _, info := range infos {
		if info.State == storage.ProofPendingSpent {
			pendingYs = append(pendingYs, info.Y)
		}
	}
	if len(pendingYs) > 0 {
		if err := w.db.UpdateProofsState(pendingYs, storage.ProofUnspent); err != nil {
			w.logger.Error("error releasing pending inputs", slog.String("error", err.Error()))
		}
	}
	if err := w.db.ReleaseProofs(saga.OperationId()); err != nil {
		w.logger.Error("error releasing proofs during compensation", slog.String("error", err.Error()))
	}
	if err := w.db.ReleaseMeltQuote(quote.QuoteId); err != nil && !errors.Is(err, storage.ErrQuoteNotFound) {
		w.logger.Error("error releasing melt quote during compensation", slog.String("error", err.Error()))
	}
	if err := w.db.DeleteSaga(saga.Id); err != nil {
		w.logger.Error("error deleting operation record", slog.String("error", err.Error()))
	}
}

func (w *Wallet) saveMeltQuoteRetrying(quote *storage.MeltQuote) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = w.db.SaveMeltQuote(*quote)
		if err == nil {
			quote.Version++
			return nil
		}
		if !errors.Is(err, storage.ErrConcurrentUpdate) {
			return err
		}
		stored := w.db.GetMeltQuote(quote.QuoteId)
		if stored == nil {
			return storage.ErrQuoteNotFound
		}
		quote.Version = stored.Version
	}
	return err
}

// GetMeltQuotes lists all stored melt quotes.
func (w *Wallet) GetMeltQuotes() []storage.MeltQuote {
	return w.db.GetMeltQuotes()
}
