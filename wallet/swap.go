package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut03"
	"github.com/elnosh/cashew/cashu/nuts/nut09"
	"github.com/elnosh/cashew/cashu/nuts/nut10"
	"github.com/elnosh/cashew/cashu/nuts/nut11"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/google/uuid"
)

// swapOptions direct how the outputs of a swap get built.
type swapOptions struct {
	// amount earmarked for a downstream send. The first outputs of the
	// swap sum to this amount, the rest is change. Zero means the whole
	// input value (minus fees) becomes fresh change.
	sendAmount  uint64
	splitTarget cashu.SplitTarget
	// optional spending condition on the earmarked outputs
	condition *nut10.SpendingCondition
	sagaKind   storage.SagaKind
}

// swapResult partitions the fresh proofs of a completed swap.
type swapResult struct {
	send   cashu.Proofs
	change cashu.Proofs
}

// Swap burns the given amount of input proofs for an equivalent-value set
// of fresh proofs and returns the fresh proofs kept by the wallet.
func (w *Wallet) Swap(amount uint64, target cashu.SplitTarget) (cashu.Proofs, error) {
	inputs, _, err := w.selectProofsToSpend(amount, true)
	if err != nil {
		return nil, err
	}

	result, err := w.swap(inputs, swapOptions{splitTarget: target, sagaKind: storage.SagaSwap})
	if err != nil {
		return nil, err
	}
	return result.change, nil
}

// swap runs the swap saga over input proofs owned by the wallet's store:
// reserve inputs and persist the saga (TX1), submit the outputs, unblind
// and verify the returned signatures, then atomically flip inputs to
// spent, store outputs and drop the saga (TX2).
func (w *Wallet) swap(inputs []storage.ProofInfo, opts swapOptions) (*swapResult, error) {
	activeKeyset, err := w.getActiveKeyset()
	if err != nil {
		return nil, fmt.Errorf("error getting active keyset: %v", err)
	}

	if opts.sagaKind == 0 {
		opts.sagaKind = storage.SagaSwap
	}

	inputProofs := proofInfosToProofs(inputs)
	inputYs := ysFromInfos(inputs)
	fee := w.feesForProofs(inputProofs)
	inputSum := inputProofs.Amount()
	if inputSum < fee {
		return nil, &InsufficientFundsError{Need: fee, Have: inputSum}
	}
	outputAmount := inputSum - fee
	if opts.sendAmount > outputAmount {
		return nil, &InsufficientFundsError{Need: opts.sendAmount + fee, Have: inputSum}
	}

	sagaId := uuid.New()
	saga := storage.Saga{
		Id:         sagaId,
		Kind:       opts.sagaKind,
		Mint:       w.mintURL,
		Unit:       w.unit.String(),
		Amount:     outputAmount,
		KeysetId:   activeKeyset.Id,
		InputYs:    inputYs,
		SendAmount: opts.sendAmount,
		CreatedAt:  time.Now().Unix(),
	}

	// TX1: reserve the inputs for this operation
	if err := w.db.ReserveProofs(inputYs, saga.OperationId()); err != nil {
		if errors.Is(err, storage.ErrProofNotUnspent) {
			return nil, err
		}
		return nil, fmt.Errorf("error reserving proofs: %v", err)
	}

	// build outputs: earmarked send outputs first, change after
	var outputs cashu.BlindedMessages
	var secrets []string
	var rs []string

	sendSplit := []uint64{}
	if opts.sendAmount > 0 {
		sendSplit = outputSplit(opts.sendAmount, activeKeyset, opts.splitTarget)
	}
	changeAmount := outputAmount - opts.sendAmount
	changeSplit := []uint64{}
	if changeAmount > 0 {
		changeSplit = cashu.AmountSplit(changeAmount)
	}
	if opts.sendAmount == 0 {
		changeSplit = outputSplit(outputAmount, activeKeyset, opts.splitTarget)
	}

	if opts.condition != nil {
		sendOutputs, sendSecrets, sendRs, err := w.createBlindedMessagesForCondition(sendSplit, activeKeyset.Id, *opts.condition)
		if err != nil {
			w.db.ReleaseProofs(saga.OperationId())
			return nil, err
		}
		outputs = append(outputs, sendOutputs...)
		secrets = append(secrets, sendSecrets...)
		rs = append(rs, rsToHex(sendRs)...)
	} else if len(sendSplit) > 0 {
		counter, err := w.newCounterWindow(activeKeyset.Id, uint32(len(sendSplit)))
		if err != nil {
			w.db.ReleaseProofs(saga.OperationId())
			return nil, err
		}
		saga.CounterStart = counter
		sendOutputs, sendSecrets, sendRs, err := w.createBlindedMessages(sendSplit, activeKeyset.Id, &counter)
		if err != nil {
			w.db.ReleaseProofs(saga.OperationId())
			return nil, err
		}
		saga.CounterEnd = counter
		outputs = append(outputs, sendOutputs...)
		secrets = append(secrets, sendSecrets...)
		rs = append(rs, rsToHex(sendRs)...)
	}

	if len(changeSplit) > 0 {
		counter, err := w.newCounterWindow(activeKeyset.Id, uint32(len(changeSplit)))
		if err != nil {
			w.db.ReleaseProofs(saga.OperationId())
			return nil, err
		}
		if saga.CounterEnd == 0 {
			saga.CounterStart = counter
		}
		changeOutputs, changeSecrets, changeRs, err := w.createBlindedMessages(changeSplit, activeKeyset.Id, &counter)
		if err != nil {
			w.db.ReleaseProofs(saga.OperationId())
			return nil, err
		}
		saga.CounterEnd = counter
		outputs = append(outputs, changeOutputs...)
		secrets = append(secrets, changeSecrets...)
		rs = append(rs, rsToHex(changeRs)...)
	}

	saga.Outputs = outputs
	saga.Secrets = secrets
	saga.Rs = rs
	saga.State = storage.SagaOutputsPrepared
	if err := w.saveSaga(&saga); err != nil {
		w.db.ReleaseProofs(saga.OperationId())
		return nil, fmt.Errorf("error saving operation: %v", err)
	}

	// sign inputs if they carry spending conditions we can satisfy
	signedInputs, err := w.signInputs(inputProofs, outputs)
	if err != nil {
		w.compensateSwap(&saga)
		return nil, err
	}

	proofs, err := w.submitSwap(&saga, signedInputs)
	if err != nil {
		return nil, err
	}

	return w.finalizeSwap(&saga, inputYs, proofs)
}

// submitSwap drives OutputsPrepared -> SignaturesReceived, handling the
// failure modes in between.
func (w *Wallet) submitSwap(saga *storage.Saga, inputs cashu.Proofs) (cashu.Proofs, error) {
	saga.State = storage.SagaOutputsSubmitted
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}

	swapResponse, err := w.client.PostSwap(nut03.PostSwapRequest{
		Inputs:  inputs,
		Outputs: saga.Outputs,
	})
	if err != nil {
		switch {
		case client.IsTransport(err):
			// result unknown: keep the saga, the resume driver will
			// retry or recover the signatures later
			return nil, fmt.Errorf("swap not confirmed: %w", err)

		case errors.Is(err, client.ErrProofAlreadySpent):
			// inputs were consumed previously (e.g. before a crash).
			// recover the signatures the mint already issued for
			// these outputs.
			return w.recoverSwapSignatures(saga)

		default:
			// deterministic rejection before inputs were spent
			w.compensateSwap(saga)
			return nil, err
		}
	}

	saga.State = storage.SagaSignaturesReceived
	saga.UpdatedAt = time.Now().Unix()
	if err := w.saveSaga(saga); err != nil {
		return nil, err
	}

	return w.unblindSagaOutputs(saga, swapResponse.Signatures)
}

// recoverSwapSignatures asks the mint to restore the signatures for the
// saga's outputs after an AlreadySpent rejection. If the mint has no
// record either, the inputs are marked spent anyway so nothing stays
// reserved forever, and the discrepancy is recorded.
func (w *Wallet) recoverSwapSignatures(saga *storage.Saga) (cashu.Proofs, error) {
	restoreResponse, err := w.client.PostRestore(nut09.PostRestoreRequest{Outputs: saga.Outputs})
	if err == nil && len(restoreResponse.Signatures) == len(saga.Outputs) {
		return w.unblindSagaOutputs(saga, restoreResponse.Signatures)
	}

	w.logger.Error("inputs spent but output signatures unrecoverable, marking inputs spent",
		slog.String("saga", saga.Id.String()))

	saga.Diagnostic = "inputs already spent at mint and signature recovery failed"
	saga.UpdatedAt = time.Now().Unix()
	w.saveSaga(saga)

	if err := w.db.UpdateProofsState(saga.InputYs, storage.ProofSpent); err != nil {
		return nil, err
	}
	w.db.DeleteSaga(saga.Id)
	return nil, errors.New("proofs were already spent and their outputs could not be recovered; run restore")
}

func (w *Wallet) unblindSagaOutputs(saga *storage.Saga, signatures cashu.BlindedSignatures) (cashu.Proofs, error) {
	keyset, err := w.keysetById(saga.KeysetId)
	if err != nil {
		return nil, err
	}

	rs, err := rsFromHex(saga.Rs)
	if err != nil {
		return nil, err
	}

	proofs, err := constructProofs(signatures, saga.Outputs, saga.Secrets, rs, keyset)
	if err != nil {
		return nil, fmt.Errorf("error constructing proofs: %v", err)
	}
	return proofs, nil
}

// finalizeSwap is TX2: inputs become spent, outputs become unspent, an
// audit record is written and the saga is dropped.
func (w *Wallet) finalizeSwap(saga *storage.Saga, inputYs []string, proofs cashu.Proofs) (*swapResult, error) {
	if err := w.db.UpdateProofsState(inputYs, storage.ProofSpent); err != nil {
		return nil, fmt.Errorf("error marking inputs spent: %v", err)
	}

	result := &swapResult{}
	if saga.SendAmount > 0 {
		// outputs were built send-first
		var sendSum uint64
		for i, proof := range proofs {
			if sendSum < saga.SendAmount {
				result.send = append(result.send, proof)
				sendSum += proof.Amount
			} else {
				result.change = append(result.change, proofs[i])
			}
		}
	} else {
		result.change = proofs
	}

	if err := w.saveProofs(result.change, saga.OperationId()); err != nil {
		return nil, fmt.Errorf("error saving proofs: %v", err)
	}

	ys, err := proofs.Ys()
	if err != nil {
		return nil, err
	}
	var fee uint64
	if inputAmount := w.inputAmountFor(saga); inputAmount > proofs.Amount() {
		fee = inputAmount - proofs.Amount()
	}
	txn := storage.Transaction{
		Id:        storage.TransactionId(ys),
		Mint:      w.mintURL,
		Direction: storage.TransactionIncoming,
		Unit:      w.unit.String(),
		Amount:    proofs.Amount(),
		Fee:       fee,
		Ys:        ys,
		Timestamp: time.Now().Unix(),
		SagaId:    saga.Id.String(),
	}
	if err := w.db.AddTransaction(txn); err != nil {
		return nil, err
	}

	if err := w.db.DeleteSaga(saga.Id); err != nil {
		return nil, err
	}

	return result, nil
}

func (w *Wallet) inputAmountFor(saga *storage.Saga) uint64 {
	var amount uint64
	for _, info := range w.db.GetProofsByYs(saga.InputYs) {
		amount += info.Proof.Amount
	}
	return amount
}

// compensateSwap releases the reservation and drops the saga. Safe to run
// repeatedly.
func (w *Wallet) compensateSwap(saga *storage.Saga) {
	if err := w.db.ReleaseProofs(saga.OperationId()); err != nil {
		w.logger.Error("error releasing proofs during compensation",
			slog.String("saga", saga.Id.String()), slog.String("error", err.Error()))
	}
	if err := w.db.DeleteSaga(saga.Id); err != nil {
		w.logger.Error("error deleting operation record",
			slog.String("saga", saga.Id.String()), slog.String("error", err.Error()))
	}
}

// signInputs signs proofs locked to the wallet's P2PK key, covering the
// SIG_ALL flag by also signing the outputs.
func (w *Wallet) signInputs(inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.Proofs, error) {
	needsSigning := false
	for _, proof := range inputs {
		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			needsSigning = true
		case nut10.HTLC, nut10.SCT, nut10.DLC:
			if proof.Witness == "" {
				return nil, ErrUnknownSpendingCondition
			}
		}
	}
	if !needsSigning {
		return inputs, nil
	}

	signingKey, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}

	for _, proof := range inputs {
		if nut10.SecretType(proof) != nut10.P2PK {
			continue
		}
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return nil, err
		}
		if !nut11.CanSign(secret, signingKey) {
			return nil, ErrUnknownSpendingCondition
		}
	}

	signed, err := nut11.AddSignatureToInputs(inputs, signingKey)
	if err != nil {
		return nil, err
	}

	if nut11.ProofsSigAll(inputs) {
		if _, err := nut11.AddSignatureToOutputs(outputs, signingKey); err != nil {
			return nil, err
		}
	}

	return signed, nil
}
