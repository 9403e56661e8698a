package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut07"
	"github.com/elnosh/cashew/cashu/nuts/nut09"
	"github.com/elnosh/cashew/cashu/nuts/nut13"
	"github.com/elnosh/cashew/crypto"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const (
	restoreBatchSize = 100
	// empty batches tolerated before stopping the counter walk
	restoreEmptyBatches = 3
)

// Restore rebuilds a wallet from only its seed by asking each mint which
// of the deterministically derivable outputs it has issued signatures
// for. It walks the counter space in batches and stops after a run of
// entirely empty batches.
func Restore(walletPath, mnemonic string, mintsToRestore []string) (uint64, error) {
	// refuse to clobber an existing wallet
	dbpath := filepath.Join(walletPath, "wallet.db")
	if _, err := os.Stat(dbpath); err == nil {
		return 0, ErrWalletExists
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return 0, ErrInvalidMnemonic
	}

	db, err := InitStorage(walletPath)
	if err != nil {
		return 0, fmt.Errorf("error restoring wallet: %v", err)
	}

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return 0, err
	}
	db.SaveMnemonicSeed(mnemonic, seed)

	var restoredAmount uint64

	for _, mint := range mintsToRestore {
		mintClient := client.New(mint)

		mintInfo, err := mintClient.GetMintInfo()
		if err != nil {
			return restoredAmount, fmt.Errorf("error getting info from mint: %v", err)
		}
		if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
			return restoredAmount, ErrMintNotSupported
		}

		keysetsResponse, err := mintClient.GetAllKeysets()
		if err != nil {
			return restoredAmount, err
		}

		for _, keyset := range keysetsResponse.Keysets {
			amount, err := restoreKeyset(db, mintClient, masterKey, mint, keyset.Id, keyset.Unit, keyset.Active, keyset.InputFeePpk)
			if err != nil {
				if errors.Is(err, errNonHexKeysetId) {
					continue
				}
				return restoredAmount, err
			}
			restoredAmount += amount
		}
	}

	return restoredAmount, nil
}

var errNonHexKeysetId = errors.New("keyset id is not hex")

func restoreKeyset(
	db storage.WalletDB,
	mintClient *client.Client,
	masterKey *hdkeychain.ExtendedKey,
	mint, keysetId, unit string,
	active bool,
	inputFeePpk uint,
) (uint64, error) {
	// deterministic derivation only works for hex keyset ids
	if _, err := crypto.KeysetIdInt(keysetId); err != nil {
		return 0, errNonHexKeysetId
	}

	keysResponse, err := mintClient.GetKeysetById(keysetId)
	if err != nil {
		return 0, err
	}
	if len(keysResponse.Keysets) == 0 {
		return 0, errors.New("mint returned no keys for keyset")
	}
	keysetKeys := keysResponse.Keysets[0].Keys

	walletKeyset := crypto.WalletKeyset{
		Id:          keysetId,
		MintURL:     mint,
		Unit:        unit,
		Active:      active,
		PublicKeys:  keysetKeys,
		InputFeePpk: inputFeePpk,
	}
	if err := db.SaveKeyset(&walletKeyset); err != nil {
		return 0, err
	}

	keysetPath, err := nut13.DeriveKeysetPath(masterKey, keysetId)
	if err != nil {
		return 0, err
	}

	var restoredAmount uint64
	var counter uint32 = 0
	emptyBatches := 0

	for emptyBatches < restoreEmptyBatches {
		blindedMessages := make(cashu.BlindedMessages, restoreBatchSize)
		rs := make([]*secp256k1.PrivateKey, restoreBatchSize)
		secrets := make([]string, restoreBatchSize)

		for i := 0; i < restoreBatchSize; i++ {
			secret, r, err := generateDeterministicSecret(keysetPath, counter)
			if err != nil {
				return restoredAmount, err
			}
			B_, r, err := crypto.BlindMessage(secret, r)
			if err != nil {
				return restoredAmount, err
			}

			blindedMessages[i] = cashu.NewBlindedMessage(keysetId, 0, B_)
			rs[i] = r
			secrets[i] = secret
			counter++
		}

		restoreResponse, err := mintClient.PostRestore(nut09.PostRestoreRequest{Outputs: blindedMessages})
		if err != nil {
			return restoredAmount, fmt.Errorf("error restoring signatures from mint '%v': %v", mint, err)
		}

		if len(restoreResponse.Signatures) == 0 {
			emptyBatches++
			continue
		}
		emptyBatches = 0

		// index the batch by B_ to match returned outputs back to
		// their secrets and blinding factors
		batchIndex := make(map[string]int, restoreBatchSize)
		for i, bm := range blindedMessages {
			batchIndex[bm.B_] = i
		}

		proofs := make(map[string]cashu.Proof, len(restoreResponse.Signatures))
		Ys := make([]string, 0, len(restoreResponse.Signatures))

		for i, signature := range restoreResponse.Signatures {
			if i >= len(restoreResponse.Outputs) {
				break
			}
			idx, ok := batchIndex[restoreResponse.Outputs[i].B_]
			if !ok {
				continue
			}

			pubkey, ok := keysetKeys[signature.Amount]
			if !ok {
				return restoredAmount, errors.New("mint public key for amount not found")
			}

			C_bytes, err := hex.DecodeString(signature.C_)
			if err != nil {
				return restoredAmount, err
			}
			C_, err := secp256k1.ParsePubKey(C_bytes)
			if err != nil {
				return restoredAmount, err
			}
			C := crypto.UnblindSignature(C_, rs[idx], pubkey)

			proof := cashu.Proof{
				Amount: signature.Amount,
				Secret: secrets[idx],
				C:      hex.EncodeToString(C.SerializeCompressed()),
				Id:     signature.Id,
			}
			y, err := proof.Y()
			if err != nil {
				return restoredAmount, err
			}
			Ys = append(Ys, y)
			proofs[y] = proof
		}

		stateResponse, err := mintClient.PostCheckProofState(nut07.PostCheckStateRequest{Ys: Ys})
		if err != nil {
			return restoredAmount, err
		}

		unspent := []storage.ProofInfo{}
		for _, proofState := range stateResponse.States {
			if proofState.State != nut07.Unspent {
				continue
			}
			proof, ok := proofs[proofState.Y]
			if !ok {
				continue
			}
			proofUnit, err := cashu.UnitFromString(unit)
			if err != nil {
				proofUnit = cashu.Sat
			}
			info, err := storage.NewProofInfo(proof, mint, proofUnit)
			if err != nil {
				return restoredAmount, err
			}
			unspent = append(unspent, info)
			restoredAmount += proof.Amount
		}

		if len(unspent) > 0 {
			if err := db.SaveProofs(unspent); err != nil {
				return restoredAmount, fmt.Errorf("error saving restored proofs: %v", err)
			}
		}

		// advance the persistent counter past the walked window
		if _, err := db.IncrementKeysetCounter(keysetId, counter-db.GetKeysetCounter(keysetId)); err != nil {
			return restoredAmount, fmt.Errorf("error incrementing keyset counter: %v", err)
		}
	}

	return restoredAmount, nil
}

// restoreOutputs asks the mint for the signatures it issued over the
// given outputs. Used by the swap and melt sagas to reacquire signatures
// whose response the wallet never received.
func (w *Wallet) restoreOutputs(
	outputs cashu.BlindedMessages,
	secrets []string,
	hexRs []string,
	keysetId string,
) (cashu.Proofs, error) {

	restoreResponse, err := w.client.PostRestore(nut09.PostRestoreRequest{Outputs: outputs})
	if err != nil {
		return nil, err
	}
	if len(restoreResponse.Signatures) == 0 {
		return nil, ErrNothingToRestore
	}

	keyset, err := w.keysetById(keysetId)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(outputs))
	for i, output := range outputs {
		index[output.B_] = i
	}

	rs, err := rsFromHex(hexRs)
	if err != nil {
		return nil, err
	}

	var proofs cashu.Proofs
	for i, signature := range restoreResponse.Signatures {
		if i >= len(restoreResponse.Outputs) {
			break
		}
		idx, ok := index[restoreResponse.Outputs[i].B_]
		if !ok {
			continue
		}

		restored, err := constructProofs(
			cashu.BlindedSignatures{signature},
			cashu.BlindedMessages{outputs[idx]},
			[]string{secrets[idx]},
			[]*secp256k1.PrivateKey{rs[idx]},
			keyset,
		)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, restored...)
	}

	return proofs, nil
}

// CheckPendingProofs reconciles proofs in a pending state with the
// mint's spent-set: spent ones are finalized, unspent ones reclaimed.
func (w *Wallet) CheckPendingProofs() error {
	pending := w.db.GetProofs(storage.GetProofsFilter{
		MintURL: w.mintURL,
		Unit:    w.unit.String(),
		States:  []storage.ProofState{storage.ProofPending, storage.ProofPendingSpent},
	})
	if len(pending) == 0 {
		return nil
	}

	ys := ysFromInfos(pending)
	stateResponse, err := w.client.PostCheckProofState(nut07.PostCheckStateRequest{Ys: ys})
	if err != nil {
		return err
	}

	var spent, unspent []string
	for _, proofState := range stateResponse.States {
		switch proofState.State {
		case nut07.Spent:
			spent = append(spent, proofState.Y)
		case nut07.Unspent:
			unspent = append(unspent, proofState.Y)
		}
	}

	if len(spent) > 0 {
		if err := w.db.UpdateProofsState(spent, storage.ProofSpent); err != nil {
			return err
		}
	}
	if len(unspent) > 0 {
		if err := w.db.UpdateProofsState(unspent, storage.ProofUnspent); err != nil {
			return err
		}
	}

	return nil
}
