// Package wallet implements the Cashu wallet protocol engine: proof
// lifecycle, the crash-safe swap/mint/melt sagas, deterministic secret
// derivation and restore from seed.
package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut10"
	"github.com/elnosh/cashew/cashu/nuts/nut12"
	"github.com/elnosh/cashew/cashu/nuts/nut13"
	"github.com/elnosh/cashew/crypto"
	"github.com/elnosh/cashew/wallet/client"
	"github.com/elnosh/cashew/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

type Wallet struct {
	db     storage.WalletDB
	logger *slog.Logger

	mintURL string
	unit    cashu.Unit
	client  *client.Client

	// master key for deterministic secret derivation (NUT-13)
	masterKey *hdkeychain.ExtendedKey

	activeKeyset    crypto.WalletKeyset
	inactiveKeysets map[string]crypto.WalletKeyset
}

type Config struct {
	WalletPath string
	MintURL    string
	Unit       cashu.Unit

	// DB overrides the default bolt store at WalletPath.
	DB storage.WalletDB
	// KeysetCacheTTL bounds the mint metadata cache. Nil caches forever.
	KeysetCacheTTL *time.Duration
	Logger         *slog.Logger
}

func InitStorage(path string) (storage.WalletDB, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	return storage.InitBolt(path)
}

func LoadWallet(config Config) (*Wallet, error) {
	db := config.DB
	if db == nil {
		var err error
		db, err = InitStorage(config.WalletPath)
		if err != nil {
			return nil, fmt.Errorf("InitStorage: %v", err)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	// create new seed if none exists yet
	seed := db.GetSeed()
	if len(seed) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		seed = bip39.NewSeed(mnemonic, "")
		db.SaveMnemonicSeed(mnemonic, seed)
	}

	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mintURL, err := url.Parse(config.MintURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mint url: %v", err)
	}

	var clientOptions []client.Option
	if config.KeysetCacheTTL != nil {
		clientOptions = append(clientOptions, client.WithCacheTTL(*config.KeysetCacheTTL))
	}

	wallet := &Wallet{
		db:              db,
		logger:          logger,
		mintURL:         mintURL.String(),
		unit:            config.Unit,
		client:          client.New(mintURL.String(), clientOptions...),
		masterKey:       masterKey,
		inactiveKeysets: make(map[string]crypto.WalletKeyset),
	}

	if err := wallet.loadKeysets(); err != nil {
		return nil, fmt.Errorf("error setting up wallet: %v", err)
	}

	// drive any sagas left over from a previous run to a terminal state
	if err := wallet.ResumeSagas(); err != nil {
		logger.Error("error resuming incomplete operations", slog.String("error", err.Error()))
	}

	return wallet, nil
}

func (w *Wallet) MintURL() string {
	return w.mintURL
}

func (w *Wallet) Unit() cashu.Unit {
	return w.unit
}

func (w *Wallet) Mnemonic() string {
	return w.db.GetMnemonic()
}

// Balance returns the total amount of unspent proofs the wallet holds
// for its mint and unit.
func (w *Wallet) Balance() uint64 {
	return w.db.GetBalance(storage.GetProofsFilter{
		MintURL: w.mintURL,
		Unit:    w.unit.String(),
		States:  []storage.ProofState{storage.ProofUnspent},
	})
}

// PendingBalance returns the amount held in proofs handed out in sends
// that have not been redeemed yet.
func (w *Wallet) PendingBalance() uint64 {
	return w.db.GetBalance(storage.GetProofsFilter{
		MintURL: w.mintURL,
		Unit:    w.unit.String(),
		States:  []storage.ProofState{storage.ProofPending, storage.ProofPendingSpent},
	})
}

func (w *Wallet) Transactions() []storage.Transaction {
	return w.db.ListTransactions(storage.ListTransactionsFilter{MintURL: w.mintURL})
}

func (w *Wallet) GetTransaction(id string) *storage.Transaction {
	return w.db.GetTransaction(id)
}

// newCounterWindow consumes n deterministic derivation counters for the
// keyset and returns the start of the window. A window consumed but never
// signed is repaired by restore's skip-empty logic, so a leak here is fine.
func (w *Wallet) newCounterWindow(keysetId string, n uint32) (uint32, error) {
	newCounter, err := w.db.IncrementKeysetCounter(keysetId, n)
	if err != nil {
		return 0, err
	}
	return newCounter - n, nil
}

// createBlindedMessages generates blinded messages for the split amounts.
// With a counter it derives secrets and blinding factors deterministically
// from the wallet seed, consuming counter values starting at *counter and
// advancing it; with counter == nil everything is random.
func (w *Wallet) createBlindedMessages(split []uint64, keysetId string, counter *uint32) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitLen := len(split)
	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	var keysetPath *hdkeychain.ExtendedKey
	if counter != nil {
		var err error
		keysetPath, err = nut13.DeriveKeysetPath(w.masterKey, keysetId)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	for i, amount := range split {
		var secret string
		var r *secp256k1.PrivateKey
		var err error
		if counter == nil {
			secret, r, err = generateRandomSecret()
		} else {
			secret, r, err = generateDeterministicSecret(keysetPath, *counter)
			*counter++
		}
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// createBlindedMessagesForCondition generates blinded messages whose
// secrets carry a NUT-10 spending condition. These are never derived
// deterministically since the condition data is not recoverable from seed.
func (w *Wallet) createBlindedMessagesForCondition(
	split []uint64,
	keysetId string,
	condition nut10.SpendingCondition,
) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitLen := len(split)
	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amount := range split {
		secret, err := nut10.NewSecretFromSpendingCondition(condition)
		if err != nil {
			return nil, nil, nil, err
		}

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

func generateRandomSecret() (string, *secp256k1.PrivateKey, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}

	r, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", nil, err
	}

	return hex.EncodeToString(secretBytes), r, nil
}

func generateDeterministicSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (
	string, *secp256k1.PrivateKey, error) {

	secret, err := nut13.DeriveSecret(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
	if err != nil {
		return "", nil, err
	}

	return secret, r, nil
}

// constructProofs unblinds the signatures and verifies any DLEQ proofs
// the mint attached. The client-known blinding factor is carried in the
// proof so it stays verifiable later.
func constructProofs(
	signatures cashu.BlindedSignatures,
	blindedMessages cashu.BlindedMessages,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.WalletKeyset,
) (cashu.Proofs, error) {

	sigsLen := len(signatures)
	if sigsLen != len(secrets) || sigsLen != len(rs) {
		return nil, errors.New("lengths do not match")
	}

	proofs := make(cashu.Proofs, sigsLen)
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, errors.New("mint public key for amount not found")
		}

		if signature.DLEQ != nil {
			var B_ string
			if len(blindedMessages) == sigsLen {
				B_ = blindedMessages[i].B_
			}
			if B_ != "" {
				if !nut12.VerifyBlindSignatureDLEQ(*signature.DLEQ, K, B_, signature.C_) {
					return nil, errors.New("got blinded signature with invalid DLEQ proof")
				}
			}
		}

		C := crypto.UnblindSignature(C_, rs[i], K)

		proof := cashu.Proof{
			Amount: signature.Amount,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
			Id:     signature.Id,
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

// saveProofs stores fresh proofs as unspent, stamped with the operation
// that created them.
func (w *Wallet) saveProofs(proofs cashu.Proofs, createdBy string) error {
	infos := make([]storage.ProofInfo, len(proofs))
	for i, proof := range proofs {
		info, err := storage.NewProofInfo(proof, w.mintURL, w.unit)
		if err != nil {
			return err
		}
		info.CreatedBy = createdBy
		if kind := nut10.SecretType(proof); kind != nut10.AnyoneCanSpend {
			info.SpendingCondition = kind.String()
		}
		infos[i] = info
	}
	return w.db.SaveProofs(infos)
}

func proofInfosToProofs(infos []storage.ProofInfo) cashu.Proofs {
	proofs := make(cashu.Proofs, len(infos))
	for i, info := range infos {
		proofs[i] = info.Proof
	}
	return proofs
}

func ysFromInfos(infos []storage.ProofInfo) []string {
	ys := make([]string, len(infos))
	for i, info := range infos {
		ys[i] = info.Y
	}
	return ys
}

func rsToHex(rs []*secp256k1.PrivateKey) []string {
	hexRs := make([]string, len(rs))
	for i, r := range rs {
		hexRs[i] = hex.EncodeToString(r.Serialize())
	}
	return hexRs
}

func rsFromHex(hexRs []string) ([]*secp256k1.PrivateKey, error) {
	rs := make([]*secp256k1.PrivateKey, len(hexRs))
	for i, hexR := range hexRs {
		rBytes, err := hex.DecodeString(hexR)
		if err != nil {
			return nil, err
		}
		rs[i] = secp256k1.PrivKeyFromBytes(rBytes)
	}
	return rs, nil
}
