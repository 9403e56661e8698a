//go:build !integration

package wallet

import (
	"errors"
	"testing"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/testutils"
	"github.com/elnosh/cashew/wallet/storage"
)

func setupWallet(t *testing.T, fm *testutils.FakeMint) *Wallet {
	t.Helper()
	w, err := LoadWallet(Config{
		WalletPath: t.TempDir(),
		MintURL:    fm.URL(),
		Unit:       cashu.Sat,
	})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	return w
}

func fundWallet(t *testing.T, w *Wallet, amount uint64) {
	t.Helper()
	quote, err := w.RequestMint(amount, "")
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	minted, err := w.MintTokens(quote.QuoteId)
	if err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
	if minted != amount {
		t.Fatalf("expected to mint '%v' but got '%v'", amount, minted)
	}
}

func TestMintSaga(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)

	fundWallet(t, w, 64)

	if balance := w.Balance(); balance != 64 {
		t.Errorf("expected balance 64 but got '%v'", balance)
	}

	// deterministic counter advanced by the number of outputs
	if counter := w.db.GetKeysetCounter(fm.KeysetId()); counter == 0 {
		t.Error("keyset counter did not advance")
	}

	// saga reached its terminal state
	if sagas := w.db.GetIncompleteSagas(); len(sagas) != 0 {
		t.Errorf("expected no incomplete operations but got %v", len(sagas))
	}

	// an audit record was written
	if txns := w.Transactions(); len(txns) != 1 {
		t.Errorf("expected 1 transaction but got %v", len(txns))
	} else if txns[0].Amount != 64 || txns[0].Direction != storage.TransactionIncoming {
		t.Errorf("unexpected transaction: %+v", txns[0])
	}
}

// swap 64 -> 32 + 32: one proof of 64 is split into an earmarked send
// proof of 32 and change of 32.
func TestSendSwapScenario(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)
	fundWallet(t, w, 64)

	counterBefore := w.db.GetKeysetCounter(fm.KeysetId())

	tokenString, err := w.Send(32, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	token, err := cashu.DecodeToken(tokenString)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	if token.Amount() != 32 {
		t.Errorf("expected token amount 32 but got '%v'", token.Amount())
	}
	if len(token.Proofs()) != 1 {
		t.Errorf("expected 1 proof in token but got %v", len(token.Proofs()))
	}

	if balance := w.Balance(); balance != 32 {
		t.Errorf("expected balance 32 but got '%v'", balance)
	}
	if pending := w.PendingBalance(); pending != 32 {
		t.Errorf("expected pending balance 32 but got '%v'", pending)
	}

	// the swap consumed two counters, one per fresh output
	counterAfter := w.db.GetKeysetCounter(fm.KeysetId())
	if counterAfter != counterBefore+2 {
		t.Errorf("expected counter to advance by 2, went from %v to %v", counterBefore, counterAfter)
	}

	// the 64 input moved to spent
	spentBalance := w.db.GetBalance(storage.GetProofsFilter{
		MintURL: w.mintURL,
		States:  []storage.ProofState{storage.ProofSpent},
	})
	if spentBalance != 64 {
		t.Errorf("expected 64 in spent proofs but got '%v'", spentBalance)
	}

	if sagas := w.db.GetIncompleteSagas(); len(sagas) != 0 {
		t.Errorf("expected no incomplete operations but got %v", len(sagas))
	}
}

// melt with fee_reserve 2 and actual fee 1: inputs of 102 cover
// amount 100, one change proof of 1 comes back and the recorded fee is 1.
func TestMeltScenario(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)
	fundWallet(t, w, 102)

	quote, err := w.RequestMeltQuote(testutils.TestInvoiceDonation, 0)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}
	if quote.Amount != 100 || quote.FeeReserve != 2 {
		t.Fatalf("unexpected quote: amount %v fee reserve %v", quote.Amount, quote.FeeReserve)
	}

	melted, err := w.Melt(quote.QuoteId)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if melted.State != nut05.Paid {
		t.Fatalf("expected paid state but got '%v'", melted.State)
	}
	if melted.Preimage == "" {
		t.Error("expected a payment preimage")
	}

	// 102 in, 100 paid, actual fee 1: one change proof of 1 comes back
	if balance := w.Balance(); balance != 1 {
		t.Errorf("expected balance 1 but got '%v'", balance)
	}

	txns := w.db.ListTransactions(storage.ListTransactionsFilter{
		Direction: storage.TransactionOutgoing,
	})
	if len(txns) != 1 {
		t.Fatalf("expected 1 outgoing transaction but got %v", len(txns))
	}
	if txns[0].Fee != 1 {
		t.Errorf("expected fee 1 but got '%v'", txns[0].Fee)
	}
	if txns[0].Amount != 100 {
		t.Errorf("expected amount 100 but got '%v'", txns[0].Amount)
	}

	if sagas := w.db.GetIncompleteSagas(); len(sagas) != 0 {
		t.Errorf("expected no incomplete operations but got %v", len(sagas))
	}
}

func TestMeltPaymentFailed(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u
	fm.MeltState = nut05.Failed

	w := setupWallet(t, fm)
	fundWallet(t, w, 102)

	quote, err := w.RequestMeltQuote(testutils.TestInvoiceDonation, 0)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	if _, err := w.Melt(quote.QuoteId); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected payment failure but got: %v", err)
	}

	// compensation released everything
	if balance := w.Balance(); balance != 102 {
		t.Errorf("expected balance 102 after compensation but got '%v'", balance)
	}
	if sagas := w.db.GetIncompleteSagas(); len(sagas) != 0 {
		t.Errorf("expected no incomplete operations but got %v", len(sagas))
	}
	reserved := w.db.GetProofs(storage.GetProofsFilter{
		States: []storage.ProofState{storage.ProofReserved},
	})
	if len(reserved) != 0 {
		t.Errorf("expected no reserved proofs but got %v", len(reserved))
	}
}

// a send prepared before a crash gets released by the resume driver
func TestResumeReleasesUnconfirmedSend(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)
	fundWallet(t, w, 32)

	if _, err := w.PrepareSend(32, SendOptions{}); err != nil {
		t.Fatalf("PrepareSend: %v", err)
	}

	// proofs are now held by the unconfirmed send
	if balance := w.Balance(); balance != 0 {
		t.Fatalf("expected balance 0 while send is prepared but got '%v'", balance)
	}

	// "restart" the wallet over the same store
	w2, err := LoadWallet(Config{
		MintURL: fm.URL(),
		Unit:    cashu.Sat,
		DB:      w.db,
	})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}

	if balance := w2.Balance(); balance != 32 {
		t.Errorf("expected balance 32 after resume but got '%v'", balance)
	}
	if sagas := w2.db.GetIncompleteSagas(); len(sagas) != 0 {
		t.Errorf("expected no incomplete operations but got %v", len(sagas))
	}
	reserved := w2.db.GetProofs(storage.GetProofsFilter{
		States: []storage.ProofState{storage.ProofReserved},
	})
	if len(reserved) != 0 {
		t.Errorf("expected no reserved proofs after resume but got %v", len(reserved))
	}
}

// after a melt has completed as Paid, running the resume driver again
// finds nothing to do and leaves the change balance of 1 untouched.
func TestResumeMeltAfterPaid(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)
	fundWallet(t, w, 102)

	quote, err := w.RequestMeltQuote(testutils.TestInvoiceDonation, 0)
	if err != nil {
		t.Fatalf("RequestMeltQuote: %v", err)
	}

	melted, err := w.Melt(quote.QuoteId)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if melted.State != nut05.Paid {
		t.Fatalf("expected paid but got '%v'", melted.State)
	}

	// replay resume over the settled state: it has to be a no-op
	if err := w.ResumeSagas(); err != nil {
		t.Fatalf("ResumeSagas: %v", err)
	}
	if balance := w.Balance(); balance != 1 {
		t.Errorf("expected balance 1 but got '%v'", balance)
	}
}

func TestReceive(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	sender := setupWallet(t, fm)
	fundWallet(t, sender, 64)

	tokenString, err := sender.Send(21, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	receiver, err := LoadWallet(Config{
		WalletPath: t.TempDir(),
		MintURL:    fm.URL(),
		Unit:       cashu.Sat,
	})
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}

	token, err := cashu.DecodeToken(tokenString)
	if err != nil {
		t.Fatal(err)
	}
	received, err := receiver.Receive(token, ReceiveOptions{})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received != 21 {
		t.Errorf("expected to receive 21 but got '%v'", received)
	}
	if balance := receiver.Balance(); balance != 21 {
		t.Errorf("expected balance 21 but got '%v'", balance)
	}

	// the same token cannot be redeemed twice
	if _, err := receiver.Receive(token, ReceiveOptions{}); err == nil {
		t.Error("expected error receiving an already redeemed token")
	}
}

// restore from seed: three deterministically derived proofs come back
// after a full wallet loss.
func TestRestoreFromSeed(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	w := setupWallet(t, fm)
	fundWallet(t, w, 7) // 1 + 2 + 4: three proofs at counters 0..2

	mnemonic := w.Mnemonic()

	restored, err := Restore(t.TempDir(), mnemonic, []string{fm.URL()})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != 7 {
		t.Errorf("expected to restore 7 but got '%v'", restored)
	}
}

func TestRestoreInvalidMnemonic(t *testing.T) {
	if _, err := Restore(t.TempDir(), "not a valid mnemonic", nil); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("expected invalid mnemonic error but got: %v", err)
	}
}
