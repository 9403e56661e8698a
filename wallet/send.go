package wallet

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut03"
	"github.com/elnosh/cashew/cashu/nuts/nut10"
	"github.com/elnosh/cashew/cashu/nuts/nut11"
	"github.com/elnosh/cashew/cashu/nuts/nut12"
	"github.com/elnosh/cashew/cashu/nuts/nut14"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/google/uuid"
)

type SendOptions struct {
	Memo        string
	IncludeDLEQ bool
	// emit the legacy cashuA encoding instead of cashuB
	TokenV3     bool
	SplitTarget cashu.SplitTarget
	// optional spending condition to lock the sent proofs under
	Condition *nut10.SpendingCondition
}

// PreparedSend holds proofs reserved for a send. The send only becomes
// irreversible on Confirm; Cancel releases the reservation.
type PreparedSend struct {
	wallet  *Wallet
	sagaId  uuid.UUID
	options SendOptions

	Proofs cashu.Proofs
	Amount uint64
	// fee consumed swapping inputs into the exact send amount
	SwapFee uint64
}

// PrepareSend reserves proofs worth exactly amount. If the wallet's
// denominations cannot represent the amount, a swap is run first.
func (w *Wallet) PrepareSend(amount uint64, options SendOptions) (*PreparedSend, error) {
	selected, fee, err := w.selectProofsToSpend(amount, true)
	if err != nil {
		return nil, err
	}

	sagaId := uuid.New()
	saga := storage.Saga{
		Id:        sagaId,
		Kind:      storage.SagaSend,
		Mint:      w.mintURL,
		Unit:      w.unit.String(),
		Amount:    amount,
		Memo:      options.Memo,
		CreatedAt: time.Now().Unix(),
	}

	selectedProofs := proofInfosToProofs(selected)
	exactMatch := selectedProofs.Amount() == amount && options.Condition == nil

	var sendProofs cashu.Proofs
	var swapFee uint64
	if exactMatch {
		sendProofs = selectedProofs
		saga.InputYs = ysFromInfos(selected)
		if err := w.db.ReserveProofs(saga.InputYs, saga.OperationId()); err != nil {
			return nil, err
		}
	} else {
		// swap into the exact send amount (plus change back to the
		// wallet)
		result, err := w.swap(selected, swapOptions{
			sendAmount:  amount,
			splitTarget: options.SplitTarget,
			condition:   options.Condition,
			sagaKind:    storage.SagaSwap,
		})
		if err != nil {
			return nil, err
		}
		sendProofs = result.send
		swapFee = fee

		// persist the fresh send proofs and hold them under this send
		if err := w.saveProofs(sendProofs, saga.OperationId()); err != nil {
			return nil, fmt.Errorf("error saving proofs: %v", err)
		}
		ys, err := sendProofs.Ys()
		if err != nil {
			return nil, err
		}
		saga.InputYs = ys
		if err := w.db.ReserveProofs(ys, saga.OperationId()); err != nil {
			return nil, err
		}
	}

	saga.State = storage.SagaOutputsPrepared
	if err := w.saveSaga(&saga); err != nil {
		w.db.ReleaseProofs(saga.OperationId())
		return nil, fmt.Errorf("error saving operation: %v", err)
	}

	return &PreparedSend{
		wallet:  w,
		sagaId:  sagaId,
		options: options,
		Proofs:  sendProofs,
		Amount:  amount,
		SwapFee: swapFee,
	}, nil
}

// Confirm makes the send final: the proofs move to Pending (handed to an
// external party) and the serialized token is returned.
func (ps *PreparedSend) Confirm() (string, error) {
	w := ps.wallet

	saga := w.db.GetSaga(ps.sagaId)
	if saga == nil {
		return "", storage.ErrSagaNotFound
	}

	if err := w.db.UpdateProofsState(saga.InputYs, storage.ProofPending); err != nil {
		return "", fmt.Errorf("error marking proofs pending: %v", err)
	}

	proofs := ps.Proofs
	if !ps.options.IncludeDLEQ {
		for i := range proofs {
			proofs[i].DLEQ = nil
		}
	}

	var tokenString string
	var err error
	if ps.options.TokenV3 {
		token := cashu.NewTokenV3(proofs, w.mintURL, w.unit, ps.options.IncludeDLEQ)
		token.Memo = ps.options.Memo
		tokenString, err = token.Serialize()
	} else {
		var token cashu.TokenV4
		token, err = cashu.NewTokenV4(proofs, w.mintURL, w.unit, ps.options.IncludeDLEQ)
		if err == nil {
			token.Memo = ps.options.Memo
			tokenString, err = token.Serialize()
		}
	}
	if err != nil {
		return "", fmt.Errorf("error serializing token: %v", err)
	}

	txn := storage.Transaction{
		Id:        storage.TransactionId(saga.InputYs),
		Mint:      w.mintURL,
		Direction: storage.TransactionOutgoing,
		Unit:      w.unit.String(),
		Amount:    ps.Amount,
		Fee:       ps.SwapFee,
		Ys:        saga.InputYs,
		Timestamp: time.Now().Unix(),
		Memo:      ps.options.Memo,
		SagaId:    saga.Id.String(),
	}
	if err := w.db.AddTransaction(txn); err != nil {
		return "", err
	}

	if err := w.db.DeleteSaga(saga.Id); err != nil {
		return "", err
	}

	return tokenString, nil
}

// Cancel releases the reservation; the proofs become spendable again.
func (ps *PreparedSend) Cancel() error {
	w := ps.wallet
	saga := w.db.GetSaga(ps.sagaId)
	if saga == nil {
		return storage.ErrSagaNotFound
	}
	if err := w.db.ReleaseProofs(saga.OperationId()); err != nil {
		return err
	}
	return w.db.DeleteSaga(saga.Id)
}

// Send is PrepareSend followed by Confirm.
func (w *Wallet) Send(amount uint64, options SendOptions) (string, error) {
	prepared, err := w.PrepareSend(amount, options)
	if err != nil {
		return "", err
	}
	return prepared.Confirm()
}

type ReceiveOptions struct {
	SplitTarget cashu.SplitTarget
	// preimage to satisfy an HTLC spending condition on the token
	HTLCPreimage string
}

// Receive swaps the proofs of a token issued by the wallet's mint into
// fresh proofs owned by the wallet. It verifies any DLEQ proofs carried
// by the token and satisfies spending conditions locked to the wallet.
func (w *Wallet) Receive(token cashu.Token, options ReceiveOptions) (uint64, error) {
	if token.Mint() != w.mintURL {
		return 0, fmt.Errorf("token is from a different mint: %v", token.Mint())
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return 0, errors.New("token has no proofs")
	}

	// verify DLEQ proofs where carried
	keysetIds := make(map[string]bool)
	for _, proof := range proofs {
		keysetIds[proof.Id] = true
	}
	for keysetId := range keysetIds {
		keyset, err := w.keysetById(keysetId)
		if err != nil {
			return 0, fmt.Errorf("token has proofs from unknown keyset '%v'", keysetId)
		}
		if !nut12.VerifyProofsDLEQ(proofs, *keyset) {
			return 0, errors.New("invalid DLEQ proof on token")
		}
	}

	proofs, err := w.addWitnessesToReceive(proofs, options)
	if err != nil {
		return 0, err
	}

	fresh, err := w.receiveSwap(proofs, options.SplitTarget)
	if err != nil {
		return 0, err
	}

	return fresh.Amount(), nil
}

// addWitnessesToReceive satisfies spending conditions on incoming proofs
// with the wallet's P2PK key or the provided HTLC preimage.
func (w *Wallet) addWitnessesToReceive(proofs cashu.Proofs, options ReceiveOptions) (cashu.Proofs, error) {
	needsP2PK := false
	needsHTLC := false
	for _, proof := range proofs {
		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			needsP2PK = true
		case nut10.HTLC:
			needsHTLC = true
		case nut10.SCT, nut10.DLC:
			return nil, ErrUnknownSpendingCondition
		}
	}

	if !needsP2PK && !needsHTLC {
		return proofs, nil
	}

	signingKey, err := DeriveP2PK(w.masterKey)
	if err != nil {
		return nil, err
	}

	if needsP2PK {
		for _, proof := range proofs {
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
		proofs, err = nut11.AddSignatureToInputs(proofs, signingKey)
		if err != nil {
			return nil, err
		}
	}

	if needsHTLC {
		for _, proof := range proofs {
			if nut10.SecretType(proof) != nut10.HTLC {
				continue
			}
			secret, err := nut10.DeserializeSecret(proof.Secret)
			if err != nil {
				return nil, err
			}
			proofs, err = nut14.AddWitnessHTLC(proofs, secret, options.HTLCPreimage, signingKey)
			if err != nil {
				return nil, err
			}
			break
		}
	}

	return proofs, nil
}

// receiveSwap swaps external proofs (not owned by the wallet's store)
// into fresh wallet-owned proofs. The saga still records the outputs so
// a crash mid-swap stays recoverable.
func (w *Wallet) receiveSwap(inputs cashu.Proofs, target cashu.SplitTarget) (cashu.Proofs, error) {
	activeKeyset, err := w.getActiveKeyset()
	if err != nil {
		return nil, err
	}

	fee := w.feesForProofs(inputs)
	inputSum := inputs.Amount()
	if inputSum <= fee {
		return nil, &InsufficientFundsError{Need: fee + 1, Have: inputSum}
	}
	outputAmount := inputSum - fee

	sagaId := uuid.New()
	saga := storage.Saga{
		Id:        sagaId,
		Kind:      storage.SagaReceive,
		Mint:      w.mintURL,
		Unit:      w.unit.String(),
		Amount:    outputAmount,
		KeysetId:  activeKeyset.Id,
		CreatedAt: time.Now().Unix(),
	}

	split := outputSplit(outputAmount, activeKeyset, target)
	counter, err := w.newCounterWindow(activeKeyset.Id, uint32(len(split)))
	if err != nil {
		return nil, err
	}
	saga.CounterStart = counter
	outputs, secrets, rs, err := w.createBlindedMessages(split, activeKeyset.Id, &counter)
	if err != nil {
		return nil, err
	}
	saga.CounterEnd = counter
	saga.Outputs = outputs
	saga.Secrets = secrets
	saga.Rs = rsToHex(rs)
	saga.State = storage.SagaOutputsSubmitted
	if err := w.saveSaga(&saga); err != nil {
		return nil, fmt.Errorf("error saving operation: %v", err)
	}

	swapResponse, err := w.client.PostSwap(nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		if client.IsTransport(err) {
			// keep the saga: the resume driver recovers the outputs
			return nil, fmt.Errorf("swap not confirmed: %w", err)
		}
		// the token proofs are not ours to release; just drop the saga
		w.db.DeleteSaga(saga.Id)
		return nil, err
	}

	proofs, err := w.unblindSagaOutputs(&saga, swapResponse.Signatures)
	if err != nil {
		return nil, err
	}

	if err := w.saveProofs(proofs, saga.OperationId()); err != nil {
		return nil, fmt.Errorf("error saving proofs: %v", err)
	}

	ys, err := proofs.Ys()
	if err != nil {
		return nil, err
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

	w.logger.Debug("received proofs", slog.Uint64("amount", proofs.Amount()))
	return proofs, nil
}
