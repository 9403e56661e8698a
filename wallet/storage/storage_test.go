package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"reflect"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/cashu/nuts/nut05"
	"github.com/elnosh/cashew/crypto"
	"github.com/google/uuid"
)

func testStores(t *testing.T) map[string]WalletDB {
	t.Helper()

	boltdb, err := InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("InitBolt: %v", err)
	}
	t.Cleanup(func() { boltdb.Close() })

	sqlite, err := InitSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("InitSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]WalletDB{
		"bolt":   boltdb,
		"sqlite": sqlite,
	}
}

func randomProofInfo(t *testing.T, amount uint64, mintURL string) ProofInfo {
	t.Helper()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		t.Fatal(err)
	}
	proof := cashu.Proof{
		Amount: amount,
		Id:     "009a1f293253e41e",
		Secret: hex.EncodeToString(secretBytes),
		C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
	}
	info, err := NewProofInfo(proof, mintURL, cashu.Sat)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func TestProofLifecycle(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			mintURL := "http://localhost:3338"
			proofs := []ProofInfo{
				randomProofInfo(t, 2, mintURL),
				randomProofInfo(t, 8, mintURL),
				randomProofInfo(t, 32, mintURL),
			}
			if err := db.SaveProofs(proofs); err != nil {
				t.Fatalf("SaveProofs: %v", err)
			}

			// duplicate Ys get rejected
			if err := db.SaveProofs(proofs[:1]); err == nil {
				t.Error("expected error saving duplicate proof")
			}

			unspent := db.GetProofs(GetProofsFilter{
				MintURL: mintURL,
				States:  []ProofState{ProofUnspent},
			})
			if len(unspent) != 3 {
				t.Fatalf("expected 3 unspent proofs but got %v", len(unspent))
			}
			if balance := db.GetBalance(GetProofsFilter{MintURL: mintURL, States: []ProofState{ProofUnspent}}); balance != 42 {
				t.Errorf("expected balance 42 but got %v", balance)
			}

			ys := []string{proofs[0].Y, proofs[1].Y}
			operationId := uuid.NewString()
			if err := db.ReserveProofs(ys, operationId); err != nil {
				t.Fatalf("ReserveProofs: %v", err)
			}

			// a reserved proof cannot be reserved again
			if err := db.ReserveProofs(ys, uuid.NewString()); !errors.Is(err, ErrProofNotUnspent) {
				t.Errorf("expected ErrProofNotUnspent but got: %v", err)
			}

			// invalid transition gets rejected
			if err := db.UpdateProofsState([]string{proofs[2].Y}, ProofSpent); !errors.Is(err, ErrInvalidProofState) {
				t.Errorf("expected ErrInvalidProofState but got: %v", err)
			}

			// release puts everything back
			if err := db.ReleaseProofs(operationId); err != nil {
				t.Fatalf("ReleaseProofs: %v", err)
			}
			reserved := db.GetProofs(GetProofsFilter{States: []ProofState{ProofReserved}})
			if len(reserved) != 0 {
				t.Errorf("expected no reserved proofs but got %v", len(reserved))
			}

			// reserve again and spend
			if err := db.ReserveProofs(ys, operationId); err != nil {
				t.Fatalf("ReserveProofs: %v", err)
			}
			if err := db.UpdateProofsState(ys, ProofSpent); err != nil {
				t.Fatalf("UpdateProofsState: %v", err)
			}
			spent := db.GetProofsByYs(ys)
			for _, info := range spent {
				if info.State != ProofSpent {
					t.Errorf("expected spent state but got %v", info.State)
				}
			}
		})
	}
}

func TestMintQuoteVersioning(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				t.Fatal(err)
			}

			quote := MintQuote{
				QuoteId:        "quote-1",
				Mint:           "http://localhost:3338",
				Method:         cashu.BOLT11_METHOD,
				State:          nut04.Unpaid,
				Unit:           "sat",
				PaymentRequest: "lnbc...",
				Amount:         21,
				PrivateKey:     key,
			}
			if err := db.SaveMintQuote(quote); err != nil {
				t.Fatalf("SaveMintQuote: %v", err)
			}

			stored := db.GetMintQuote("quote-1")
			if stored == nil {
				t.Fatal("quote not found after save")
			}
			if stored.Version != 1 {
				t.Errorf("expected version 1 but got %v", stored.Version)
			}
			if stored.PrivateKey == nil ||
				!reflect.DeepEqual(stored.PrivateKey.Serialize(), key.Serialize()) {
				t.Error("private key did not round trip")
			}

			// writing with a stale version gets rejected
			stale := *stored
			stale.Version = 0
			if err := db.SaveMintQuote(stale); !errors.Is(err, ErrConcurrentUpdate) {
				t.Errorf("expected ErrConcurrentUpdate but got: %v", err)
			}

			// writing with the current version succeeds
			stored.State = nut04.Paid
			if err := db.SaveMintQuote(*stored); err != nil {
				t.Fatalf("SaveMintQuote: %v", err)
			}
			if updated := db.GetMintQuote("quote-1"); updated.State != nut04.Paid || updated.Version != 2 {
				t.Errorf("unexpected quote after update: %+v", updated)
			}
		})
	}
}

func TestQuoteReservation(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			quote := MeltQuote{
				QuoteId:        "melt-1",
				Mint:           "http://localhost:3338",
				Method:         cashu.BOLT11_METHOD,
				State:          nut05.Unpaid,
				Unit:           "sat",
				PaymentRequest: "lnbc...",
				Amount:         100,
				FeeReserve:     2,
			}
			if err := db.SaveMeltQuote(quote); err != nil {
				t.Fatalf("SaveMeltQuote: %v", err)
			}

			if err := db.ReserveMeltQuote("melt-1", "op-1"); err != nil {
				t.Fatalf("ReserveMeltQuote: %v", err)
			}
			if err := db.ReserveMeltQuote("melt-1", "op-2"); !errors.Is(err, ErrQuoteInUse) {
				t.Errorf("expected ErrQuoteInUse but got: %v", err)
			}
			// re-reserving under the same operation is fine
			if err := db.ReserveMeltQuote("melt-1", "op-1"); err != nil {
				t.Errorf("re-reserve under same operation failed: %v", err)
			}

			if err := db.ReleaseMeltQuote("melt-1"); err != nil {
				t.Fatalf("ReleaseMeltQuote: %v", err)
			}
			if err := db.ReserveMeltQuote("melt-1", "op-2"); err != nil {
				t.Errorf("reserve after release failed: %v", err)
			}

			if err := db.ReserveMeltQuote("unknown", "op-1"); !errors.Is(err, ErrQuoteNotFound) {
				t.Errorf("expected ErrQuoteNotFound but got: %v", err)
			}
		})
	}
}

func TestSagaLog(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			saga := Saga{
				Id:        uuid.New(),
				Kind:      SagaMelt,
				State:     SagaProofsReserved,
				Mint:      "http://localhost:3338",
				Unit:      "sat",
				Amount:    100,
				QuoteId:   "melt-1",
				InputYs:   []string{"02aa", "02bb"},
				Secrets:   []string{"s1", "s2"},
				Rs:        []string{"r1", "r2"},
				CreatedAt: 100,
			}
			if err := db.SaveSaga(saga); err != nil {
				t.Fatalf("SaveSaga: %v", err)
			}

			stored := db.GetSaga(saga.Id)
			if stored == nil {
				t.Fatal("saga not found after save")
			}
			if stored.Kind != SagaMelt || stored.State != SagaProofsReserved {
				t.Errorf("unexpected saga: %+v", stored)
			}
			if !reflect.DeepEqual(stored.InputYs, saga.InputYs) {
				t.Errorf("input ys did not round trip: %v", stored.InputYs)
			}

			// stale write rejected
			stale := saga
			if err := db.SaveSaga(stale); !errors.Is(err, ErrConcurrentUpdate) {
				t.Errorf("expected ErrConcurrentUpdate but got: %v", err)
			}

			stored.State = SagaMeltRequested
			if err := db.SaveSaga(*stored); err != nil {
				t.Fatalf("SaveSaga: %v", err)
			}

			incomplete := db.GetIncompleteSagas()
			if len(incomplete) != 1 {
				t.Fatalf("expected 1 incomplete saga but got %v", len(incomplete))
			}

			if err := db.DeleteSaga(saga.Id); err != nil {
				t.Fatalf("DeleteSaga: %v", err)
			}
			if db.GetSaga(saga.Id) != nil {
				t.Error("saga still present after delete")
			}
		})
	}
}

func TestKeysetCounter(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				t.Fatal(err)
			}
			keyset := crypto.WalletKeyset{
				Id:         "009a1f293253e41e",
				MintURL:    "http://localhost:3338",
				Unit:       "sat",
				Active:     true,
				PublicKeys: crypto.PublicKeys{1: key.PubKey()},
			}
			if err := db.SaveKeyset(&keyset); err != nil {
				t.Fatalf("SaveKeyset: %v", err)
			}

			counter, err := db.IncrementKeysetCounter(keyset.Id, 3)
			if err != nil {
				t.Fatalf("IncrementKeysetCounter: %v", err)
			}
			if counter != 3 {
				t.Errorf("expected counter 3 but got %v", counter)
			}

			counter, err = db.IncrementKeysetCounter(keyset.Id, 2)
			if err != nil {
				t.Fatal(err)
			}
			if counter != 5 {
				t.Errorf("expected counter 5 but got %v", counter)
			}
			if stored := db.GetKeysetCounter(keyset.Id); stored != 5 {
				t.Errorf("expected stored counter 5 but got %v", stored)
			}

			if _, err := db.IncrementKeysetCounter("ffffffffffffffff", 1); !errors.Is(err, ErrKeysetNotFound) {
				t.Errorf("expected ErrKeysetNotFound but got: %v", err)
			}
		})
	}
}

func TestTransactionsIdempotent(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ys := []string{"02cc", "02aa", "02bb"}
			txn := Transaction{
				Id:        TransactionId(ys),
				Mint:      "http://localhost:3338",
				Direction: TransactionOutgoing,
				Unit:      "sat",
				Amount:    100,
				Fee:       1,
				Ys:        ys,
				Timestamp: 100,
			}
			if err := db.AddTransaction(txn); err != nil {
				t.Fatalf("AddTransaction: %v", err)
			}
			// idempotent on id
			txn.Amount = 999
			if err := db.AddTransaction(txn); err != nil {
				t.Fatalf("AddTransaction replay: %v", err)
			}

			stored := db.GetTransaction(txn.Id)
			if stored == nil {
				t.Fatal("transaction not found")
			}
			if stored.Amount != 100 {
				t.Errorf("expected original amount 100 but got %v", stored.Amount)
			}

			listed := db.ListTransactions(ListTransactionsFilter{Direction: TransactionOutgoing})
			if len(listed) != 1 {
				t.Errorf("expected 1 transaction but got %v", len(listed))
			}
		})
	}
}

func TestTransactionIdStable(t *testing.T) {
	id1 := TransactionId([]string{"02aa", "02bb", "02cc"})
	id2 := TransactionId([]string{"02cc", "02aa", "02bb"})
	if id1 != id2 {
		t.Errorf("transaction id depends on proof order: %v vs %v", id1, id2)
	}
}

func TestKVNamespace(t *testing.T) {
	for name, db := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := db.PutKV("settings", "cache", "ttl", []byte("300")); err != nil {
				t.Fatalf("PutKV: %v", err)
			}
			if err := db.PutKV("settings", "cache", "max", []byte("100")); err != nil {
				t.Fatal(err)
			}
			if err := db.PutKV("settings", "quotes", "lock", []byte("1")); err != nil {
				t.Fatal(err)
			}

			if value := db.GetKV("settings", "cache", "ttl"); string(value) != "300" {
				t.Errorf("expected '300' but got '%s'", value)
			}

			cache := db.ListKV("settings", "cache")
			if len(cache) != 2 {
				t.Errorf("expected 2 keys but got %v", len(cache))
			}
			if _, ok := cache["lock"]; ok {
				t.Error("key from another namespace leaked into listing")
			}

			if err := db.DeleteKV("settings", "cache", "ttl"); err != nil {
				t.Fatalf("DeleteKV: %v", err)
			}
			if value := db.GetKV("settings", "cache", "ttl"); value != nil {
				t.Errorf("expected deleted key to be gone but got '%s'", value)
			}
		})
	}
}
