package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/google/uuid"
)

// saveSaga writes the saga through the store's optimistic check and
// tracks the bumped version on the caller's copy.
func (w *Wallet) saveSaga(saga *storage.Saga) error {
	if err := w.db.SaveSaga(*saga); err != nil {
		return err
	}
	saga.Version++
	return nil
}

// ResumeSagas enumerates the incomplete sagas left over from a previous
// run and drives each to a terminal state. Processing order is by
// creation time. When it returns, no proof is left Reserved by a saga
// that no longer exists.
func (w *Wallet) ResumeSagas() error {
	sagas := w.db.GetIncompleteSagas()
	sort.SliceStable(sagas, func(i, j int) bool {
		return sagas[i].CreatedAt < sagas[j].CreatedAt
	})

	var firstErr error
	for _, saga := range sagas {
		if saga.Mint != w.mintURL {
			continue
		}

		var err error
		switch saga.Kind {
		case storage.SagaSwap, storage.SagaReceive:
			err = w.resumeSwap(&saga)
		case storage.SagaMint:
			err = w.resumeMint(&saga)
		case storage.SagaMelt:
			err = w.resumeMelt(&saga)
		case storage.SagaSend:
			// a send that never confirmed keeps its value local
			err = w.resumeSend(&saga)
		default:
			w.logger.Warn("unknown operation kind, dropping",
				slog.String("saga", saga.Id.String()))
			err = w.db.DeleteSaga(saga.Id)
		}

		if err != nil {
			w.logger.Error("error resuming operation",
				slog.String("saga", saga.Id.String()),
				slog.String("kind", saga.Kind.String()),
				slog.String("error", err.Error()))
			if firstErr == nil && !errors.Is(err, ErrPaymentPending) && !errors.Is(err, ErrPaymentUnknown) {
				firstErr = err
			}
		}
	}

	w.releaseOrphanedReservations()
	return firstErr
}

// resumeSwap recovers a swap (or receive) saga: if the outputs were
// submitted, ask the mint for the signatures it issued; otherwise the
// swap never reached the mint and the reservation is simply released.
func (w *Wallet) resumeSwap(saga *storage.Saga) error {
	switch saga.State {
	case storage.SagaOutputsPrepared:
		// nothing was sent; undo the reservation
		w.compensateSwap(saga)
		return nil

	case storage.SagaOutputsSubmitted, storage.SagaSignaturesReceived:
		proofs, err := w.restoreOutputs(saga.Outputs, saga.Secrets, saga.Rs, saga.KeysetId)
		if err != nil {
			if errors.Is(err, ErrNothingToRestore) {
				// mint never saw the swap; inputs are still unspent
				// on its side
				w.compensateSwap(saga)
				return nil
			}
			return err
		}

		if saga.Kind == storage.SagaReceive {
			// external inputs, nothing reserved locally
			if err := w.saveProofs(proofs, saga.OperationId()); err != nil {
				return err
			}
			return w.db.DeleteSaga(saga.Id)
		}

		_, err = w.finalizeSwap(saga, saga.InputYs, proofs)
		return err
	}

	w.compensateSwap(saga)
	return nil
}

// resumeMint re-enters the issuance saga. The deterministic outputs make
// the claim idempotent, so consulting the quote state decides everything.
func (w *Wallet) resumeMint(saga *storage.Saga) error {
	quote := w.db.GetMintQuote(saga.QuoteId)
	if quote == nil {
		w.compensateMint(saga, saga.QuoteId)
		return nil
	}

	quoteResponse, err := w.client.GetMintQuoteState(saga.QuoteId)
	if err != nil {
		// leave the saga, retry on next boot
		return err
	}

	switch quoteResponse.State {
	case nut04.Unpaid:
		if quote.QuoteExpiry > 0 && quoteIsExpired(quote.QuoteExpiry) {
			w.compensateMint(saga, quote.QuoteId)
			return nil
		}
		// still awaiting payment; keep the saga for a later attempt
		return nil

	case nut04.Issued:
		proofs, err := w.restoreOutputs(saga.Outputs, saga.Secrets, saga.Rs, saga.KeysetId)
		if err != nil {
			if errors.Is(err, ErrNothingToRestore) {
				// issued to someone else's outputs; nothing to claim
				w.compensateMint(saga, quote.QuoteId)
				return nil
			}
			return err
		}
		_, err = w.finalizeMint(saga, quote, proofs)
		return err

	case nut04.Paid:
		proofs, err := w.submitMint(saga, quote)
		if err != nil {
			return err
		}
		_, err = w.finalizeMint(saga, quote, proofs)
		return err
	}

	return nil
}

// resumeMelt drives a melt saga from whatever state the crash left it in.
// ProofsReserved means no payment was attempted: compensate. Later states
// consult the quote; only an explicit Unpaid/Failed compensates.
func (w *Wallet) resumeMelt(saga *storage.Saga) error {
	quote := w.db.GetMeltQuote(saga.QuoteId)
	if quote == nil {
		w.compensateSwap(saga)
		return nil
	}

	switch saga.State {
	case storage.SagaProofsReserved:
		w.compensateMelt(saga, quote)
		return nil

	case storage.SagaMeltRequested, storage.SagaPaymentPending:
		quoteResponse, err := w.client.GetMeltQuoteState(saga.QuoteId)
		if err != nil {
			// indeterminate; leave the saga alone
			return fmt.Errorf("could not check melt quote: %w", err)
		}

		switch quoteResponse.State {
		case nut05.Paid:
			_, err := w.finalizeMelt(saga, quote, quoteResponse.Preimage, quoteResponse.Change, nil)
			return err
		case nut05.Unpaid, nut05.Failed:
			w.compensateMelt(saga, quote)
			quote.State = quoteResponse.State
			w.saveMeltQuoteRetrying(quote)
			return nil
		default:
			// pending or unknown: never compensate prematurely
			return ErrPaymentPending
		}
	}

	return nil
}

// resumeSend releases a send that was prepared but never confirmed.
func (w *Wallet) resumeSend(saga *storage.Saga) error {
	if err := w.db.ReleaseProofs(saga.OperationId()); err != nil {
		return err
	}
	return w.db.DeleteSaga(saga.Id)
}

func quoteIsExpired(expiry uint64) bool {
	return expiry > 0 && uint64(time.Now().Unix()) > expiry
}

// releaseOrphanedReservations frees any proof still Reserved by an
// operation that no longer has a saga. This is what guarantees a
// quiescent store holds no Reserved proofs.
func (w *Wallet) releaseOrphanedReservations() {
	reserved := w.db.GetProofs(storage.GetProofsFilter{
		MintURL: w.mintURL,
		States:  []storage.ProofState{storage.ProofReserved},
	})

	orphans := make(map[string]bool)
	for _, info := range reserved {
		if info.UsedBy == "" {
			continue
		}
		if orphans[info.UsedBy] {
			continue
		}
		sagaId, err := uuid.Parse(info.UsedBy)
		if err != nil || w.db.GetSaga(sagaId) == nil {
			orphans[info.UsedBy] = true
		}
	}

	for operationId := range orphans {
		w.logger.Warn("releasing proofs reserved by vanished operation",
			slog.String("operation", operationId))
		if err := w.db.ReleaseProofs(operationId); err != nil {
			w.logger.Error("error releasing orphaned reservation",
				slog.String("operation", operationId),
				slog.String("error", err.Error()))
		}
	}
}
