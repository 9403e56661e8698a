// Package storage defines the persistent store contract the wallet engine
// runs against, plus the entities it persists. Implementations have to make
// every mutation atomic: a crash between any two mutations must leave the
// store self-consistent.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/crypto"
	"github.com/google/uuid"
)

var (
	ErrProofNotFound     = errors.New("proof not found")
	ErrProofNotUnspent   = errors.New("proof is not unspent")
	ErrInvalidProofState = errors.New("invalid proof state transition")
	ErrConcurrentUpdate  = errors.New("version conflict on concurrent update")
	ErrQuoteNotFound     = errors.New("quote not found")
	ErrQuoteInUse        = errors.New("quote is reserved by another operation")
	ErrKeysetNotFound    = errors.New("keyset does not exist")
	ErrSagaNotFound      = errors.New("saga not found")
)

type ProofState int

const (
	ProofUnspent ProofState = iota
	// ProofReserved marks a proof held by a pending local operation.
	ProofReserved
	// ProofPending marks a proof handed to an external party in a send.
	ProofPending
	// ProofPendingSpent mirrors the mint-side pending state during melt.
	ProofPendingSpent
	ProofSpent
)

func (state ProofState) String() string {
	switch state {
	case ProofUnspent:
		return "UNSPENT"
	case ProofReserved:
		return "RESERVED"
	case ProofPending:
		return "PENDING"
	case ProofPendingSpent:
		return "PENDING_SPENT"
	case ProofSpent:
		return "SPENT"
	default:
		return "unknown"
	}
}

// ValidProofStateTransition reports whether a proof may move between the
// two states. Anything outside this table gets rejected by the store.
func ValidProofStateTransition(from, to ProofState) bool {
	switch from {
	case ProofUnspent:
		return to == ProofReserved || to == ProofPending
	case ProofReserved:
		return to == ProofUnspent || to == ProofSpent || to == ProofPending ||
			to == ProofPendingSpent
	case ProofPending:
		return to == ProofSpent || to == ProofUnspent
	case ProofPendingSpent:
		return to == ProofSpent || to == ProofUnspent
	}
	return false
}

// ProofInfo is a proof plus the wallet-side bookkeeping around it.
type ProofInfo struct {
	Proof   cashu.Proof `json:"proof"`
	Y       string      `json:"y"`
	MintURL string      `json:"mint_url"`
	Unit    string      `json:"unit"`
	State   ProofState  `json:"state"`
	// spending condition kind embedded in the secret, if any
	SpendingCondition string `json:"spending_condition,omitempty"`
	// operation ids tying the proof to the sagas that created and consumed it
	CreatedBy string `json:"created_by_operation,omitempty"`
	UsedBy    string `json:"used_by_operation,omitempty"`
}

func NewProofInfo(proof cashu.Proof, mintURL string, unit cashu.Unit) (ProofInfo, error) {
	y, err := proof.Y()
	if err != nil {
		return ProofInfo{}, err
	}
	return ProofInfo{
		Proof:   proof,
		Y:       y,
		MintURL: mintURL,
		Unit:    unit.String(),
		State:   ProofUnspent,
	}, nil
}

// GetProofsFilter narrows a proof query. Zero values match everything.
type GetProofsFilter struct {
	MintURL string
	Unit    string
	States  []ProofState
}

func (f GetProofsFilter) Matches(info ProofInfo) bool {
	if f.MintURL != "" && f.MintURL != info.MintURL {
		return false
	}
	if f.Unit != "" && f.Unit != info.Unit {
		return false
	}
	if len(f.States) > 0 {
		for _, state := range f.States {
			if state == info.State {
				return true
			}
		}
		return false
	}
	return true
}

type MintQuote struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut04.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	AmountPaid     uint64
	AmountIssued   uint64
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
	// ephemeral key proving quote ownership (NUT-20)
	PrivateKey *secp256k1.PrivateKey
	Version    uint32
	UsedBy     string
}

type mintQuoteTemp struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut04.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	AmountPaid     uint64
	AmountIssued   uint64
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
	PrivateKey     []byte
	Version        uint32
	UsedBy         string
}

// custom Marshaller to serialize and deserialize private key to and from []byte

func (mq *MintQuote) MarshalJSON() ([]byte, error) {
	tempQuote := mintQuoteTemp{
		QuoteId:        mq.QuoteId,
		Mint:           mq.Mint,
		Method:         mq.Method,
		State:          mq.State,
		Unit:           mq.Unit,
		PaymentRequest: mq.PaymentRequest,
		Amount:         mq.Amount,
		AmountPaid:     mq.AmountPaid,
		AmountIssued:   mq.AmountIssued,
		CreatedAt:      mq.CreatedAt,
		SettledAt:      mq.SettledAt,
		QuoteExpiry:    mq.QuoteExpiry,
		Version:        mq.Version,
		UsedBy:         mq.UsedBy,
	}

	if mq.PrivateKey != nil {
		tempQuote.PrivateKey = mq.PrivateKey.Serialize()
	}

	return json.Marshal(tempQuote)
}

func (mq *MintQuote) UnmarshalJSON(data []byte) error {
	tempQuote := &mintQuoteTemp{}

	if err := json.Unmarshal(data, tempQuote); err != nil {
		return err
	}

	mq.QuoteId = tempQuote.QuoteId
	mq.Mint = tempQuote.Mint
	mq.Method = tempQuote.Method
	mq.State = tempQuote.State
	mq.Unit = tempQuote.Unit
	mq.PaymentRequest = tempQuote.PaymentRequest
	mq.Amount = tempQuote.Amount
	mq.AmountPaid = tempQuote.AmountPaid
	mq.AmountIssued = tempQuote.AmountIssued
	mq.CreatedAt = tempQuote.CreatedAt
	mq.SettledAt = tempQuote.SettledAt
	mq.QuoteExpiry = tempQuote.QuoteExpiry
	mq.Version = tempQuote.Version
	mq.UsedBy = tempQuote.UsedBy
	if len(tempQuote.PrivateKey) > 0 {
		mq.PrivateKey = secp256k1.PrivKeyFromBytes(tempQuote.PrivateKey)
	}

	return nil
}

type MeltQuote struct {
	QuoteId        string
	Mint           string
	Method         string
	State          nut05.State
	Unit           string
	PaymentRequest string
	Amount         uint64
	FeeReserve     uint64
	Preimage       string
	CreatedAt      int64
	SettledAt      int64
	QuoteExpiry    uint64
	Version        uint32
	UsedBy         string
}

type SagaKind int

const (
	SagaMint SagaKind = iota + 1
	SagaMelt
	SagaSwap
	SagaSend
	SagaReceive
)

func (kind SagaKind) String() string {
	switch kind {
	case SagaMint:
		return "mint"
	case SagaMelt:
		return "melt"
	case SagaSwap:
		return "swap"
	case SagaSend:
		return "send"
	case SagaReceive:
		return "receive"
	default:
		return "unknown"
	}
}

type SagaState string

const (
	SagaPaymentAwaited     SagaState = "payment_awaited"
	SagaOutputsPrepared    SagaState = "outputs_prepared"
	SagaOutputsSubmitted   SagaState = "outputs_submitted"
	SagaSignaturesReceived SagaState = "signatures_received"
	SagaProofsReserved     SagaState = "proofs_reserved"
	SagaMeltRequested      SagaState = "melt_requested"
	SagaPaymentPending     SagaState = "payment_pending"
)

// Saga is the persisted record of a multi-step wallet operation. Everything
// needed to drive the operation to a terminal state after a crash is here:
// the reserved input Ys, the blinded outputs with their secrets and blinding
// factors, and the counter window consumed from the keyset.
type Saga struct {
	Id      uuid.UUID       `json:"id"`
	Kind    SagaKind        `json:"kind"`
	State   SagaState       `json:"state"`
	Mint    string          `json:"mint_url"`
	Unit    string          `json:"unit"`
	Amount  uint64          `json:"amount"`
	QuoteId string          `json:"quote_id,omitempty"`

	KeysetId     string                `json:"keyset_id,omitempty"`
	CounterStart uint32                `json:"counter_start"`
	CounterEnd   uint32                `json:"counter_end"`
	InputYs      []string              `json:"input_ys,omitempty"`
	Outputs      cashu.BlindedMessages `json:"outputs,omitempty"`
	Secrets      []string              `json:"secrets,omitempty"`
	// hex-encoded blinding factors matching Outputs
	Rs []string `json:"rs,omitempty"`
	// amount earmarked for a downstream send, if any
	SendAmount uint64 `json:"send_amount,omitempty"`
	Memo       string `json:"memo,omitempty"`
	// diagnostic note recorded when recovery had to give something up
	Diagnostic string `json:"diagnostic,omitempty"`

	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Version   uint32 `json:"version"`
}

// OperationId is the id sagas stamp on the proofs and quotes they reserve.
func (s *Saga) OperationId() string {
	return s.Id.String()
}

type TransactionDirection int

const (
	TransactionIncoming TransactionDirection = iota + 1
	TransactionOutgoing
)

func (d TransactionDirection) String() string {
	switch d {
	case TransactionIncoming:
		return "incoming"
	case TransactionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Transaction is an immutable audit record of a completed operation,
// keyed by a content hash of the proof Ys it touched.
type Transaction struct {
	Id             string               `json:"id"`
	Mint           string               `json:"mint_url"`
	Direction      TransactionDirection `json:"direction"`
	Unit           string               `json:"unit"`
	Amount         uint64               `json:"amount"`
	Fee            uint64               `json:"fee"`
	Ys             []string             `json:"ys"`
	Timestamp      int64                `json:"timestamp"`
	Memo           string               `json:"memo,omitempty"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
	QuoteId        string               `json:"quote_id,omitempty"`
	PaymentRequest string               `json:"payment_request,omitempty"`
	PaymentProof   string               `json:"payment_proof,omitempty"`
	PaymentMethod  string               `json:"payment_method,omitempty"`
	SagaId         string               `json:"saga_id,omitempty"`
}

// TransactionId derives the content hash id from the proof Ys of a
// transaction. Sorting first makes the id independent of proof order.
func TransactionId(ys []string) string {
	sorted := make([]string, len(ys))
	copy(sorted, ys)
	sort.Strings(sorted)

	hash := sha256.New()
	for _, y := range sorted {
		hash.Write([]byte(y))
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// ListTransactionsFilter narrows a transaction listing.
// Zero values match everything.
type ListTransactionsFilter struct {
	MintURL   string
	Unit      string
	Direction TransactionDirection
}

func (f ListTransactionsFilter) Matches(txn Transaction) bool {
	if f.MintURL != "" && f.MintURL != txn.Mint {
		return false
	}
	if f.Unit != "" && f.Unit != txn.Unit {
		return false
	}
	if f.Direction != 0 && f.Direction != txn.Direction {
		return false
	}
	return true
}

type WalletDB interface {
	SaveMnemonicSeed(string, []byte)
	GetSeed() []byte
	GetMnemonic() string

	// SaveProofs inserts proofs. It fails if a proof with the same Y
	// already exists.
	SaveProofs([]ProofInfo) error
	GetProofs(GetProofsFilter) []ProofInfo
	GetProofsByYs([]string) []ProofInfo
	// UpdateProofsState moves the proofs to the new state, enforcing
	// ValidProofStateTransition for each.
	UpdateProofsState(ys []string, state ProofState) error
	// ReserveProofs atomically checks every proof is currently Unspent,
	// moves them to Reserved and stamps the operation id. Fails with
	// ErrProofNotUnspent without any partial effect otherwise.
	ReserveProofs(ys []string, operationId string) error
	// ReleaseProofs moves every proof reserved by the operation back
	// to Unspent and clears the stamp.
	ReleaseProofs(operationId string) error
	DeleteProofs(ys []string) error
	GetBalance(filter GetProofsFilter) uint64

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap
	GetKeyset(id string) *crypto.WalletKeyset
	GetMintKeysets(mintURL string) []crypto.WalletKeyset
	// IncrementKeysetCounter atomically bumps the deterministic
	// derivation counter and returns the new value.
	IncrementKeysetCounter(id string, n uint32) (uint32, error)
	GetKeysetCounter(id string) uint32

	// SaveMintQuote writes the quote with optimistic concurrency: it is
	// accepted only if the stored version equals the version carried by
	// the quote, and the stored version is bumped. ErrConcurrentUpdate
	// otherwise.
	SaveMintQuote(MintQuote) error
	GetMintQuote(id string) *MintQuote
	GetMintQuotes() []MintQuote
	GetUnissuedMintQuotes() []MintQuote
	// ReserveMintQuote guarantees at most one concurrent saga per quote.
	ReserveMintQuote(id string, operationId string) error
	ReleaseMintQuote(id string) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(id string) *MeltQuote
	GetMeltQuotes() []MeltQuote
	ReserveMeltQuote(id string, operationId string) error
	ReleaseMeltQuote(id string) error

	// SaveSaga is optimistic by version, like the quotes.
	SaveSaga(Saga) error
	GetSaga(id uuid.UUID) *Saga
	GetIncompleteSagas() []Saga
	DeleteSaga(id uuid.UUID) error

	// AddTransaction is idempotent on the transaction id.
	AddTransaction(Transaction) error
	GetTransaction(id string) *Transaction
	ListTransactions(ListTransactionsFilter) []Transaction

	// two-level namespaced key-value region
	PutKV(ns1, ns2, key string, value []byte) error
	GetKV(ns1, ns2, key string) []byte
	ListKV(ns1, ns2 string) map[string][]byte
	DeleteKV(ns1, ns2, key string) error

	Close() error
}
