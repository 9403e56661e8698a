//go:build !integration

package multimint

import (
	"errors"
	"testing"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/testutils"
	"github.com/elnosh/cashew/wallet"
)

func setupMultiMint(t *testing.T) *MultiMintWallet {
	t.Helper()
	m, err := New(Config{
		WalletPath: t.TempDir(),
		Unit:       cashu.Sat,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func fund(t *testing.T, w *wallet.Wallet, amount uint64) {
	t.Helper()
	quote, err := w.RequestMint(amount, "")
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	if _, err := w.MintTokens(quote.QuoteId); err != nil {
		t.Fatalf("MintTokens: %v", err)
	}
}

func TestGetBalances(t *testing.T) {
	fmA := testutils.NewFakeMint()
	defer fmA.Close()
	fmA.PaymentRequest = testutils.TestInvoice2500u
	fmB := testutils.NewFakeMint()
	defer fmB.Close()
	fmB.PaymentRequest = testutils.TestInvoiceDonation

	m := setupMultiMint(t)

	walletA, err := m.AddMint(fmA.URL())
	if err != nil {
		t.Fatalf("AddMint: %v", err)
	}
	walletB, err := m.AddMint(fmB.URL())
	if err != nil {
		t.Fatalf("AddMint: %v", err)
	}

	fund(t, walletA, 300)
	fund(t, walletB, 200)

	balances := m.GetBalances()
	if balances[WalletKey{MintURL: fmA.URL(), Unit: cashu.Sat}] != 300 {
		t.Errorf("unexpected balance for mint A: %v", balances)
	}
	if balances[WalletKey{MintURL: fmB.URL(), Unit: cashu.Sat}] != 200 {
		t.Errorf("unexpected balance for mint B: %v", balances)
	}
	if m.TotalBalance() != 500 {
		t.Errorf("expected total balance 500 but got %v", m.TotalBalance())
	}
}

// cross-mint transfer: a mint quote at the target produces the invoice a
// melt at the source pays; the target ends up holding the amount.
func TestTransferExactReceive(t *testing.T) {
	fmA := testutils.NewFakeMint()
	defer fmA.Close()
	fmA.PaymentRequest = testutils.TestInvoice2500u
	// the source mint quotes 500 for the target's invoice
	fmA.MeltQuoteAmount = 500

	fmB := testutils.NewFakeMint()
	defer fmB.Close()
	fmB.PaymentRequest = testutils.TestInvoiceDonation

	m := setupMultiMint(t)
	source, err := m.AddMint(fmA.URL())
	if err != nil {
		t.Fatal(err)
	}
	target, err := m.AddMint(fmB.URL())
	if err != nil {
		t.Fatal(err)
	}

	fund(t, source, 1000)

	result, err := m.Transfer(fmA.URL(), fmB.URL(), TransferMode{
		Kind:   TransferExactReceive,
		Amount: 500,
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if result.AmountReceived != 500 {
		t.Errorf("expected to receive 500 but got '%v'", result.AmountReceived)
	}
	if target.Balance() != 500 {
		t.Errorf("expected target balance 500 but got '%v'", target.Balance())
	}
	// source dropped by amount + actual fee, got fee reserve change back
	if source.Balance() >= 1000-500 {
		t.Errorf("expected source balance below 500 but got '%v'", source.Balance())
	}
}

func TestReceiveUntrusted(t *testing.T) {
	fm := testutils.NewFakeMint()
	defer fm.Close()
	fm.PaymentRequest = testutils.TestInvoice2500u

	// a wallet at the mint produces a token
	sender, err := wallet.LoadWallet(wallet.Config{
		WalletPath: t.TempDir(),
		MintURL:    fm.URL(),
		Unit:       cashu.Sat,
	})
	if err != nil {
		t.Fatal(err)
	}
	fund(t, sender, 64)
	tokenString, err := sender.Send(64, wallet.SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// a coordinator that does not know the mint
	m := setupMultiMint(t)

	if _, err := m.Receive(tokenString, ReceiveOptions{}); !errors.Is(err, ErrUntrustedMint) {
		t.Fatalf("expected untrusted mint error but got: %v", err)
	}

	received, err := m.Receive(tokenString, ReceiveOptions{AllowUntrusted: true})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if received != 64 {
		t.Errorf("expected to receive 64 but got '%v'", received)
	}

	w, ok := m.GetWallet(fm.URL())
	if !ok {
		t.Fatal("mint was not registered after untrusted receive")
	}
	if w.Balance() != 64 {
		t.Errorf("expected balance 64 but got '%v'", w.Balance())
	}
}

// MPP melt across two mints: neither can cover the invoice alone, each
// pays a pinned partial through its own melt saga.
func TestMppMelt(t *testing.T) {
	fmA := testutils.NewFakeMint()
	defer fmA.Close()
	fmA.PaymentRequest = testutils.TestInvoice2500u
	fmB := testutils.NewFakeMint()
	defer fmB.Close()
	fmB.PaymentRequest = testutils.TestInvoiceDonation

	m := setupMultiMint(t)
	walletA, err := m.AddMint(fmA.URL())
	if err != nil {
		t.Fatal(err)
	}
	walletB, err := m.AddMint(fmB.URL())
	if err != nil {
		t.Fatal(err)
	}

	// the 2500u invoice is 250000 sat; no single mint covers it
	fund(t, walletA, 150000)
	fund(t, walletB, 150000)

	if _, err := m.Melt(testutils.TestInvoice2500u, MeltOptions{}); !errors.Is(err, ErrMppNotEnabled) {
		t.Fatalf("expected mpp-not-enabled error but got: %v", err)
	}

	result, err := m.Melt(testutils.TestInvoice2500u, MeltOptions{Mpp: true})
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if !result.Paid {
		t.Fatal("expected payment to succeed")
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 contributing mints but got %v", len(result.Outcomes))
	}

	var total uint64
	for _, outcome := range result.Outcomes {
		total += outcome.Amount
	}
	if total != 250000 {
		t.Errorf("partials sum to '%v', expected 250000", total)
	}

	// total fee is the sum of the per-mint fees
	if result.FeePaid != 2 {
		t.Errorf("expected total fee 2 but got '%v'", result.FeePaid)
	}
}
