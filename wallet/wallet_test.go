package wallet

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/crypto"
)

func testWallet(t *testing.T) *Wallet {
	seed, err := hdkeychain.GenerateSeed(32)
	if err != nil {
		t.Fatal(err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return &Wallet{masterKey: master}
}

func TestCreateBlindedMessages(t *testing.T) {
	keysetId := "009a1f293253e41e"
	w := testWallet(t)

	tests := []uint64{420, 10000000, 2500}

	for _, amount := range tests {
		var counter uint32 = 0
		split := cashu.AmountSplit(amount)
		blindedMessages, secrets, rs, err := w.createBlindedMessages(split, keysetId, &counter)
		if err != nil {
			t.Fatalf("createBlindedMessages: %v", err)
		}

		if blindedMessages.Amount() != amount {
			t.Errorf("expected amount '%v' but got '%v' instead", amount, blindedMessages.Amount())
		}
		if counter != uint32(len(split)) {
			t.Errorf("expected counter '%v' but got '%v' instead", len(split), counter)
		}
		if len(secrets) != len(split) || len(rs) != len(split) {
			t.Errorf("lengths do not match")
		}

		for _, message := range blindedMessages {
			if message.Id != keysetId {
				t.Errorf("expected '%v' but got '%v' instead", keysetId, message.Id)
			}
		}
	}
}

func TestCreateBlindedMessagesDeterministic(t *testing.T) {
	keysetId := "009a1f293253e41e"
	w := testWallet(t)

	var counter1 uint32 = 0
	first, _, _, err := w.createBlindedMessages([]uint64{1, 2, 4}, keysetId, &counter1)
	if err != nil {
		t.Fatal(err)
	}

	var counter2 uint32 = 0
	second, _, _, err := w.createBlindedMessages([]uint64{1, 2, 4}, keysetId, &counter2)
	if err != nil {
		t.Fatal(err)
	}

	for i := range first {
		if first[i].B_ != second[i].B_ {
			t.Errorf("derivation not deterministic at index %v", i)
		}
	}

	// different window must derive different messages
	var counter3 uint32 = 3
	third, _, _, err := w.createBlindedMessages([]uint64{1, 2, 4}, keysetId, &counter3)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i].B_ == third[i].B_ {
			t.Errorf("expected different blinded message at index %v", i)
		}
	}
}

func TestConstructProofs(t *testing.T) {
	keyset := &crypto.WalletKeyset{
		Id:         "00b3e89101cc0ec3",
		PublicKeys: make(crypto.PublicKeys),
	}
	mintKeys := make(map[uint64]*secp256k1.PrivateKey)
	for _, amount := range []uint64{2, 8} {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		mintKeys[amount] = key
		keyset.PublicKeys[amount] = key.PubKey()
	}

	amounts := []uint64{2, 8}
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))
	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	signatures := make(cashu.BlindedSignatures, len(amounts))

	for i, amount := range amounts {
		secret, r, err := generateRandomSecret()
		if err != nil {
			t.Fatal(err)
		}
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			t.Fatal(err)
		}
		C_ := crypto.SignBlindedMessage(B_, mintKeys[amount])

		secrets[i] = secret
		rs[i] = r
		blindedMessages[i] = cashu.NewBlindedMessage(keyset.Id, amount, B_)
		signatures[i] = cashu.BlindedSignature{
			Amount: amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
	}

	proofs, err := constructProofs(signatures, blindedMessages, secrets, rs, keyset)
	if err != nil {
		t.Fatal(err)
	}

	if proofs.Amount() != 10 {
		t.Errorf("expected amount 10 but got '%v'", proofs.Amount())
	}
	for i, proof := range proofs {
		// C has to verify as k * HashToCurve(secret)
		CBytes, err := hex.DecodeString(proof.C)
		if err != nil {
			t.Fatal(err)
		}
		C, err := secp256k1.ParsePubKey(CBytes)
		if err != nil {
			t.Fatal(err)
		}
		if !crypto.Verify(proof.Secret, mintKeys[proof.Amount], C) {
			t.Errorf("proof at index %v failed verification", i)
		}
	}

	// mismatched lengths get rejected
	if _, err := constructProofs(signatures, blindedMessages, secrets[:1], rs, keyset); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}

func TestBlankOutputCount(t *testing.T) {
	tests := []struct {
		feeReserve uint64
		expected   int
	}{
		{feeReserve: 0, expected: 0},
		{feeReserve: 1, expected: 1},
		{feeReserve: 2, expected: 2},
		{feeReserve: 3, expected: 3},
		{feeReserve: 1000, expected: 11},
	}

	for _, test := range tests {
		count := blankOutputCount(test.feeReserve)
		if count != test.expected {
			t.Errorf("fee reserve %v: expected '%v' but got '%v'", test.feeReserve, test.expected, count)
		}
	}
}

func TestFeesForCount(t *testing.T) {
	tests := []struct {
		n        int
		ppk      uint
		expected uint64
	}{
		{n: 3, ppk: 0, expected: 0},
		{n: 1, ppk: 100, expected: 1},
		{n: 10, ppk: 100, expected: 1},
		{n: 11, ppk: 100, expected: 2},
		{n: 3, ppk: 1000, expected: 3},
	}

	for _, test := range tests {
		fee := feesForCount(test.n, test.ppk)
		if fee != test.expected {
			t.Errorf("n=%v ppk=%v: expected fee '%v' but got '%v'", test.n, test.ppk, test.expected, fee)
		}
	}
}

