// Package testutils provides an in-memory mint HTTP server implementing
// the endpoints the wallet consumes, so the swap/mint/melt/restore paths
// can be driven end-to-end in tests without a Lightning backend.
package testutils

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut01"
	"github.com/elnosh/cashew/cashu/nuts/nut02"
	"github.com/elnosh/cashew/cashu/nuts/nut03"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/cashu/nuts/nut06"
	"github.com/elnosh/cashew/cashu/nuts/nut07"
	"github.com/elnosh/cashew/cashu/nuts/nut09"
	"github.com/elnosh/cashew/crypto"
	"github.com/gorilla/mux"
)

const maxOrder = 32

// FakeMint is a minimal in-memory mint. Behavior knobs control the
// payment outcomes so tests can exercise every saga path.
type FakeMint struct {
	mu sync.Mutex

	keys     map[uint64]*secp256k1.PrivateKey
	keysetId string
	// input fee in parts per thousand per proof
	InputFeePpk uint

	// quotes issued by this mint
	mintQuotes map[string]*nut04.PostMintQuoteBolt11Response
	meltQuotes map[string]*nut05.PostMeltQuoteBolt11Response
	// melt quote id -> payment request it was created for
	meltRequests map[string]string

	// Y -> spent
	spent map[string]bool
	// B_ -> issued signature, for NUT-09 restore
	issued map[string]cashu.BlindedSignature

	// knobs
	AutoPayMintQuotes bool
	// payment request handed out on mint quotes
	PaymentRequest string
	// state returned by melt execution
	MeltState nut05.State
	// actual Lightning fee charged on melt, taken out of fee_reserve
	MeltFee uint64
	// fee reserve quoted on melt quotes
	FeeReserve uint64
	// amount quoted on melt quotes for requests this mint did not
	// issue itself (a real mint would decode the invoice)
	MeltQuoteAmount uint64
	// fail the next swap request with proof-already-spent
	RejectNextSwapAsSpent bool

	server *httptest.Server
}

func NewFakeMint() *FakeMint {
	fm := &FakeMint{
		keys:              make(map[uint64]*secp256k1.PrivateKey, maxOrder),
		mintQuotes:        make(map[string]*nut04.PostMintQuoteBolt11Response),
		meltQuotes:        make(map[string]*nut05.PostMeltQuoteBolt11Response),
		meltRequests:      make(map[string]string),
		spent:             make(map[string]bool),
		issued:            make(map[string]cashu.BlindedSignature),
		AutoPayMintQuotes: true,
		MeltState:         nut05.Paid,
		MeltFee:           1,
		FeeReserve:        2,
	}

	publicKeys := make(crypto.PublicKeys, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			panic(err)
		}
		fm.keys[amount] = key
		publicKeys[amount] = key.PubKey()
	}
	fm.keysetId = crypto.DeriveKeysetId(publicKeys)

	router := mux.NewRouter()
	router.HandleFunc("/v1/info", fm.getInfo).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys", fm.getKeys).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys/{id}", fm.getKeysById).Methods(http.MethodGet)
	router.HandleFunc("/v1/keysets", fm.getKeysets).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/quote/bolt11", fm.mintQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/mint/quote/bolt11/{id}", fm.mintQuoteState).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/bolt11", fm.mintTokens).Methods(http.MethodPost)
	router.HandleFunc("/v1/swap", fm.swap).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11", fm.meltQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/melt/quote/bolt11/{id}", fm.meltQuoteState).Methods(http.MethodGet)
	router.HandleFunc("/v1/melt/bolt11", fm.melt).Methods(http.MethodPost)
	router.HandleFunc("/v1/checkstate", fm.checkState).Methods(http.MethodPost)
	router.HandleFunc("/v1/restore", fm.restore).Methods(http.MethodPost)

	fm.server = httptest.NewServer(router)
	return fm
}

func (fm *FakeMint) URL() string {
	return fm.server.URL
}

func (fm *FakeMint) KeysetId() string {
	return fm.keysetId
}

func (fm *FakeMint) Close() {
	fm.server.Close()
}

// PayMintQuote marks a mint quote as paid, simulating the external
// Lightning payment arriving.
func (fm *FakeMint) PayMintQuote(quoteId string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if quote, ok := fm.mintQuotes[quoteId]; ok && quote.State == nut04.Unpaid {
		quote.State = nut04.Paid
	}
}

// SpentYs lists the Ys the mint has recorded as spent.
func (fm *FakeMint) SpentYs() []string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	ys := make([]string, 0, len(fm.spent))
	for y := range fm.spent {
		ys = append(ys, y)
	}
	return ys
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, cashuErr cashu.Error) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func (fm *FakeMint) getInfo(rw http.ResponseWriter, req *http.Request) {
	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "cashew/fakemint",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: "sat"}}},
			Nut05: nut06.NutSetting{Methods: []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: "sat"}}},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut12: nut06.Supported{Supported: true},
			Nut20: nut06.Supported{Supported: true},
		},
	}
	writeJSON(rw, &info)
}

func (fm *FakeMint) publicKeys() crypto.PublicKeys {
	keys := make(crypto.PublicKeys, len(fm.keys))
	for amount, key := range fm.keys {
		keys[amount] = key.PubKey()
	}
	return keys
}

func (fm *FakeMint) getKeys(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, &nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: fm.keysetId, Unit: "sat", Keys: fm.publicKeys()},
	}})
}

func (fm *FakeMint) getKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if id != fm.keysetId {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	fm.getKeys(rw, req)
}

func (fm *FakeMint) getKeysets(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, &nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
		{Id: fm.keysetId, Unit: "sat", Active: true, InputFeePpk: fm.InputFeePpk},
	}})
}

func (fm *FakeMint) mintQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut04.PostMintQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	state := nut04.Unpaid
	if fm.AutoPayMintQuotes {
		state = nut04.Paid
	}

	quote := &nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: fm.PaymentRequest,
		State:   state,
		Amount:  quoteRequest.Amount,
		Unit:    quoteRequest.Unit,
		Pubkey:  quoteRequest.Pubkey,
	}

	fm.mu.Lock()
	fm.mintQuotes[quoteId] = quote
	fm.mu.Unlock()

	writeJSON(rw, quote)
}

func (fm *FakeMint) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	quote, ok := fm.mintQuotes[mux.Vars(req)["id"]]
	fm.mu.Unlock()
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, quote)
}

func (fm *FakeMint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		key, ok := fm.keys[output.Amount]
		if !ok {
			return nil, &cashu.StandardErr
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, &cashu.StandardErr
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, &cashu.StandardErr
		}

		C_ := crypto.SignBlindedMessage(B_, key)

		signature := cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     fm.keysetId,
		}
		if e, s, err := crypto.GenerateDLEQ(key, B_); err == nil {
			signature.DLEQ = &cashu.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(s.Serialize()),
			}
		}

		signatures[i] = signature
		fm.issued[output.B_] = signature
	}
	return signatures, nil
}

func (fm *FakeMint) mintTokens(rw http.ResponseWriter, req *http.Request) {
	var mintRequest nut04.PostMintBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&mintRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.mintQuotes[mintRequest.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	if quote.State == nut04.Unpaid {
		writeErr(rw, cashu.MintQuoteRequestNotPaid)
		return
	}
	if quote.State == nut04.Issued {
		writeErr(rw, cashu.MintQuoteAlreadyIssued)
		return
	}
	if mintRequest.Outputs.Amount() > quote.Amount {
		writeErr(rw, cashu.StandardErr)
		return
	}

	signatures, cashuErr := fm.signOutputs(mintRequest.Outputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	quote.State = nut04.Issued
	writeJSON(rw, &nut04.PostMintBolt11Response{Signatures: signatures})
}

func (fm *FakeMint) markSpent(inputs cashu.Proofs) *cashu.Error {
	ys := make([]string, len(inputs))
	for i, proof := range inputs {
		// verify the proof against the mint key
		key, ok := fm.keys[proof.Amount]
		if !ok {
			return &cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, key, mustParsePubKey(proof.C)) {
			return &cashu.InvalidProofErr
		}

		y, err := proof.Y()
		if err != nil {
			return &cashu.InvalidProofErr
		}
		if fm.spent[y] {
			return &cashu.ProofAlreadyUsedErr
		}
		ys[i] = y
	}
	for _, y := range ys {
		fm.spent[y] = true
	}
	return nil
}

func mustParsePubKey(hexKey string) *secp256k1.PublicKey {
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return &secp256k1.PublicKey{}
	}
	key, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return &secp256k1.PublicKey{}
	}
	return key
}

func (fm *FakeMint) swap(rw http.ResponseWriter, req *http.Request) {
	var swapRequest nut03.PostSwapRequest
	if err := json.NewDecoder(req.Body).Decode(&swapRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.RejectNextSwapAsSpent {
		fm.RejectNextSwapAsSpent = false
		writeErr(rw, cashu.ProofAlreadyUsedErr)
		return
	}

	inputFee := (uint64(len(swapRequest.Inputs))*uint64(fm.InputFeePpk) + 999) / 1000
	if swapRequest.Inputs.Amount() != swapRequest.Outputs.Amount()+inputFee {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	if cashuErr := fm.markSpent(swapRequest.Inputs); cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	signatures, cashuErr := fm.signOutputs(swapRequest.Outputs)
	if cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	writeJSON(rw, &nut03.PostSwapResponse{Signatures: signatures})
}

func (fm *FakeMint) meltQuote(rw http.ResponseWriter, req *http.Request) {
	var quoteRequest nut05.PostMeltQuoteBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&quoteRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	quoteId, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	// amount of the corresponding local mint quote if this request was
	// issued by this mint, otherwise the configured amount
	amount := fm.MeltQuoteAmount
	if amount == 0 {
		amount = 100
	}
	fm.mu.Lock()
	for _, mintQuote := range fm.mintQuotes {
		if mintQuote.Request == quoteRequest.Request && mintQuote.Amount > 0 {
			amount = mintQuote.Amount
			break
		}
	}
	if quoteRequest.Options != nil && quoteRequest.Options.Mpp != nil {
		amount = quoteRequest.Options.Mpp.Amount / 1000
	}

	quote := &nut05.PostMeltQuoteBolt11Response{
		Quote:      quoteId,
		Amount:     amount,
		FeeReserve: fm.FeeReserve,
		State:      nut05.Unpaid,
	}
	fm.meltQuotes[quoteId] = quote
	fm.meltRequests[quoteId] = quoteRequest.Request
	fm.mu.Unlock()

	writeJSON(rw, quote)
}

func (fm *FakeMint) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	quote, ok := fm.meltQuotes[mux.Vars(req)["id"]]
	fm.mu.Unlock()
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, quote)
}

func (fm *FakeMint) melt(rw http.ResponseWriter, req *http.Request) {
	var meltRequest nut05.PostMeltBolt11Request
	if err := json.NewDecoder(req.Body).Decode(&meltRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.meltQuotes[meltRequest.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	if quote.State == nut05.Paid {
		writeErr(rw, cashu.MeltQuoteAlreadyPaid)
		return
	}

	if meltRequest.Inputs.Amount() < quote.Amount+fm.MeltFee {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	if fm.MeltState != nut05.Paid {
		quote.State = fm.MeltState
		writeJSON(rw, quote)
		return
	}

	if cashuErr := fm.markSpent(meltRequest.Inputs); cashuErr != nil {
		writeErr(rw, *cashuErr)
		return
	}

	// overpayment beyond amount + actual fee comes back as change on
	// the provided blank outputs (NUT-08)
	var change cashu.BlindedSignatures
	overpaid := meltRequest.Inputs.Amount() - quote.Amount - fm.MeltFee
	if overpaid > 0 && len(meltRequest.Outputs) > 0 {
		changeSplit := cashu.AmountSplit(overpaid)
		if len(changeSplit) > len(meltRequest.Outputs) {
			changeSplit = changeSplit[:len(meltRequest.Outputs)]
		}
		changeOutputs := make(cashu.BlindedMessages, len(changeSplit))
		for i, amount := range changeSplit {
			output := meltRequest.Outputs[i]
			output.Amount = amount
			changeOutputs[i] = output
		}
		signatures, cashuErr := fm.signOutputs(changeOutputs)
		if cashuErr != nil {
			writeErr(rw, *cashuErr)
			return
		}
		change = signatures
	}

	quote.State = nut05.Paid
	quote.Preimage = "fakepreimage"
	quote.Change = change

	// mark a mint quote with the same payment request paid: the mint
	// settled it internally
	paidRequest := fm.meltRequests[meltRequest.Quote]
	for _, mintQuote := range fm.mintQuotes {
		if mintQuote.Request != "" && mintQuote.Request == paidRequest && mintQuote.State == nut04.Unpaid {
			mintQuote.State = nut04.Paid
		}
	}

	writeJSON(rw, quote)
}

func (fm *FakeMint) checkState(rw http.ResponseWriter, req *http.Request) {
	var stateRequest nut07.PostCheckStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	states := make([]nut07.ProofState, len(stateRequest.Ys))
	for i, y := range stateRequest.Ys {
		state := nut07.Unspent
		if fm.spent[y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: y, State: state}
	}
	writeJSON(rw, &nut07.PostCheckStateResponse{States: states})
}

func (fm *FakeMint) restore(rw http.ResponseWriter, req *http.Request) {
	var restoreRequest nut09.PostRestoreRequest
	if err := json.NewDecoder(req.Body).Decode(&restoreRequest); err != nil {
		writeErr(rw, cashu.StandardErr)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range restoreRequest.Outputs {
		if signature, ok := fm.issued[output.B_]; ok {
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	writeJSON(rw, &response)
}
