package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut20"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/google/uuid"
)

// RequestMint requests a mint quote for the amount. The returned quote
// carries the payment request an external party has to pay before the
// wallet can claim the ecash with MintTokens.
func (w *Wallet) RequestMint(amount uint64, description string) (*storage.MintQuote, error) {
	// ephemeral key proving quote ownership (NUT-20)
	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	mintRequest := nut04.PostMintQuoteBolt11Request{
		Amount:      amount,
		Unit:        w.unit.String(),
		Description: description,
		Pubkey:      hex.EncodeToString(privateKey.PubKey().SerializeCompressed()),
	}
	quoteResponse, err := w.client.PostMintQuoteBolt11(mintRequest)
	if err != nil {
		return nil, err
	}

	quote := storage.MintQuote{
		QuoteId:        quoteResponse.Quote,
		Mint:           w.mintURL,
		Method:         cashu.BOLT11_METHOD,
		State:          quoteResponse.State,
		Unit:           w.unit.String(),
		PaymentRequest: quoteResponse.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    quoteResponse.Expiry,
		PrivateKey:     privateKey,
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, fmt.Errorf("error saving mint quote: %v", err)
	}

	return &quote, nil
}

// MintQuoteState queries the mint for the quote state and reconciles the
// stored quote with it.
func (w *Wallet) MintQuoteState(quoteId string) (*storage.MintQuote, error) {
	quote := w.db.GetMintQuote(quoteId)
	if quote == nil {
		return nil, ErrQuoteNotFound
	}

	quoteResponse, err := w.client.GetMintQuoteState(quoteId)
	if err != nil {
		return nil, err
	}

	if quoteResponse.State != quote.State {
		quote.State = quoteResponse.State
		if quoteResponse.State == nut04.Paid {
			quote.AmountPaid = quote.Amount
		}
		if err := w.saveMintQuoteRetrying(quote); err != nil {
			return nil, err
		}
	}

	return quote, nil
}

// MintTokens claims the ecash for a paid mint quote. The operation is a
// saga: outputs are derived deterministically and persisted before the
// claim is submitted, so a crash at any point can be resumed and the
// claim retried idempotently.
func (w *Wallet) MintTokens(quoteId string) (uint64, error) {
	quote, err := w.MintQuoteState(quoteId)
	if err != nil {
		return 0, err
	}

	switch quote.State {
	case nut04.Unpaid:
		return 0, ErrQuoteNotPaid
	case nut04.Issued:
		return 0, client.ErrQuoteAlreadyIssued
	}

	activeKeyset, err := w.getActiveKeyset()
	if err != nil {
		return 0, err
	}

	sagaId := uuid.New()
	saga := storage.Saga{
		Id:        sagaId,
		Kind:      storage.SagaMint,
		Mint:      w.mintURL,
		Unit:      w.unit.String(),
		Amount:    quote.Amount,
		QuoteId:   quote.QuoteId,
		KeysetId:  activeKeyset.Id,
		CreatedAt: time.Now().Unix(),
	}

	// at-most-one saga per quote
	if err := w.db.ReserveMintQuote(quote.QuoteId, saga.OperationId()); err != nil {
		if errors.Is(err, storage.ErrQuoteInUse) {
			return 0, ErrQuoteInUse
		}
		return 0, err
	}

	split := cashu.AmountSplit(quote.Amount)
	counter, err := w.newCounterWindow(activeKeyset.Id, uint32(len(split)))
	if err != nil {
		w.db.ReleaseMintQuote(quote.QuoteId)
		return 0, err
	}
	saga.CounterStart = counter

	outputs, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		w.db.ReleaseMintQuote(quote.QuoteId)
		return 0, err
	}
	saga.CounterEnd = counter
	saga.Outputs = outputs
	saga.Secrets = secrets
	saga.Rs = rsToHex(rs)
	saga.State = storage.SagaOutputsPrepared

	if err := w.saveSaga(&saga); err != nil {
		w.db.ReleaseMintQuote(quote.QuoteId)
		return 0, fmt.Errorf("error saving operation: %v", err)
	}

	proofs, err := w.submitMint(&saga, quote)
	if err != nil {
		return 0, err
	}

	return w.finalizeMint(&saga, quote, proofs)
}

func (w *Wallet) submitMint(saga *storage.Saga, quote *storage.MintQuote) (cashu.Proofs, error) {
	saga.State = storage.SagaOutputsSubmitted
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}

	mintRequest := nut04.PostMintBolt11Request{
		Quote:   quote.QuoteId,
		Outputs: saga.Outputs,
	}
	if quote.PrivateKey != nil {
		signature, err := nut20.SignMintQuote(quote.PrivateKey, quote.QuoteId, saga.Outputs)
		if err != nil {
			w.compensateMint(saga, quote.QuoteId)
			return nil, err
		}
		mintRequest.Signature = hex.EncodeToString(signature.Serialize())
	}

	mintResponse, err := w.client.PostMintBolt11(mintRequest)
	if err != nil {
		switch {
		case client.IsTransport(err):
			// result unknown: the deterministic outputs make a retry
			// idempotent, so keep the saga for the resume driver
			return nil, fmt.Errorf("mint not confirmed: %w", err)

		case errors.Is(err, client.ErrQuoteAlreadyIssued):
			// a previous attempt went through. recover the
			// signatures the mint issued for our outputs.
			return w.recoverMintSignatures(saga, quote)

		case errors.Is(err, client.ErrQuoteNotPaid):
			w.compensateMint(saga, quote.QuoteId)
			return nil, ErrQuoteNotPaid

		default:
			w.compensateMint(saga, quote.QuoteId)
			return nil, err
		}
	}

	saga.State = storage.SagaSignaturesReceived
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}

	return w.unblindSagaOutputs(saga, mintResponse.Signatures)
}

func (w *Wallet) recoverMintSignatures(saga *storage.Saga, quote *storage.MintQuote) (cashu.Proofs, error) {
	proofs, err := w.restoreOutputs(saga.Outputs, saga.Secrets, saga.Rs, saga.KeysetId)
	if err == nil && len(proofs) > 0 {
		return proofs, nil
	}

	w.logger.Error("quote issued but signatures unrecoverable",
		slog.String("quote", quote.QuoteId), slog.String("saga", saga.Id.String()))
	w.compensateMint(saga, quote.QuoteId)
	return nil, errors.New("quote was already issued but signatures could not be recovered; run restore")
}

func (w *Wallet) finalizeMint(saga *storage.Saga, quote *storage.MintQuote, proofs cashu.Proofs) (uint64, error) {
	if err := w.saveProofs(proofs, saga.OperationId()); err != nil {
		return 0, fmt.Errorf("error saving proofs: %v", err)
	}

	quote.State = nut04.Issued
	quote.AmountIssued = proofs.Amount()
	quote.SettledAt = time.Now().Unix()
	if err := w.saveMintQuoteRetrying(quote); err != nil {
		return 0, err
	}

	ys, err := proofs.Ys()
	if err != nil {
		return 0, err
	}
	txn := storage.Transaction{
		Id:             storage.TransactionId(ys),
		Mint:           w.mintURL,
		Direction:      storage.TransactionIncoming,
		Unit:           w.unit.String(),
		Amount:         proofs.Amount(),
		Ys:             ys,
		Timestamp:      time.Now().Unix(),
		QuoteId:        quote.QuoteId,
		PaymentRequest: quote.PaymentRequest,
		PaymentMethod:  quote.Method,
		SagaId:         saga.Id.String(),
	}
	if err := w.db.AddTransaction(txn); err != nil {
		return 0, err
	}

	if err := w.db.ReleaseMintQuote(quote.QuoteId); err != nil {
		w.logger.Error("error releasing mint quote", slog.String("error", err.Error()))
	}
	if err := w.db.DeleteSaga(saga.Id); err != nil {
		return 0, err
	}

	return proofs.Amount(), nil
}

func (w *Wallet) compensateMint(saga *storage.Saga, quoteId string) {
	if err := w.db.ReleaseMintQuote(quoteId); err != nil && !errors.Is(err, storage.ErrQuoteNotFound) {
		w.logger.Error("error releasing mint quote during compensation", slog.String("error", err.Error()))
	}
	if err := w.db.DeleteSaga(saga.Id); err != nil {
		w.logger.Error("error deleting operation record", slog.String("error", err.Error()))
	}
}

// saveMintQuoteRetrying retries an optimistic write after re-reading the
// stored version. Gives up after 3 conflicts.
func (w *Wallet) saveMintQuoteRetrying(quote *storage.MintQuote) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = w.db.SaveMintQuote(*quote)
		if err == nil {
			quote.Version++
			return nil
		}
		if !errors.Is(err, storage.ErrConcurrentUpdate) {
			return err
		}
		stored := w.db.GetMintQuote(quote.QuoteId)
		if stored == nil {
			return storage.ErrQuoteNotFound
		}
		quote.Version = stored.Version
	}
	return err
}

// GetMintQuotes lists all stored mint quotes.
func (w *Wallet) GetMintQuotes() []storage.MintQuote {
	return w.db.GetMintQuotes()
}
