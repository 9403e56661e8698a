package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/crypto"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket      = "keysets"
	proofsBucket       = "proofs"
	mintQuotesBucket   = "mint_quotes"
	meltQuotesBucket   = "melt_quotes"
	sagasBucket        = "sagas"
	transactionsBucket = "transactions"
	kvBucket           = "kv"
	seedBucket         = "seed"
	mnemonicKey        = "mnemonic"
)

type BoltDB struct {
	bolt *bolt.DB
}

var _ WalletDB = (*BoltDB)(nil)

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			keysetsBucket,
			proofsBucket,
			mintQuotesBucket,
			meltQuotesBucket,
			sagasBucket,
			transactionsBucket,
			kvBucket,
			seedBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) {
	db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		seedb.Put([]byte(seedBucket), seed)
		seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
		return nil
	})
}

func (db *BoltDB) GetMnemonic() string {
	var mnemonic string
	db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		mnemonic = string(seedb.Get([]byte(mnemonicKey)))
		return nil
	})
	return mnemonic
}

func (db *BoltDB) GetSeed() []byte {
	var seed []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		seed = seedb.Get([]byte(seedBucket))
		return nil
	})
	return seed
}

func (db *BoltDB) SaveProofs(proofs []ProofInfo) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, proof := range proofs {
			key := []byte(proof.Y)
			if proofsb.Get(key) != nil {
				return fmt.Errorf("proof with Y '%v' already exists", proof.Y)
			}
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put(key, jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetProofs(filter GetProofsFilter) []ProofInfo {
	proofs := []ProofInfo{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))

		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof ProofInfo
			if err := json.Unmarshal(v, &proof); err != nil {
				continue
			}
			if filter.Matches(proof) {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) GetProofsByYs(ys []string) []ProofInfo {
	proofs := []ProofInfo{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range ys {
			v := proofsb.Get([]byte(y))
			if v == nil {
				continue
			}
			var proof ProofInfo
			if err := json.Unmarshal(v, &proof); err != nil {
				continue
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) UpdateProofsState(ys []string, state ProofState) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range ys {
			v := proofsb.Get([]byte(y))
			if v == nil {
				return ErrProofNotFound
			}
			var proof ProofInfo
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if !ValidProofStateTransition(proof.State, state) {
				return ErrInvalidProofState
			}
			proof.State = state
			if state == ProofUnspent {
				proof.UsedBy = ""
			}
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) ReserveProofs(ys []string, operationId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range ys {
			v := proofsb.Get([]byte(y))
			if v == nil {
				return ErrProofNotFound
			}
			var proof ProofInfo
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.State != ProofUnspent {
				return ErrProofNotUnspent
			}
			proof.State = ProofReserved
			proof.UsedBy = operationId
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := proofsb.Put([]byte(y), jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) ReleaseProofs(operationId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof ProofInfo
			if err := json.Unmarshal(v, &proof); err != nil {
				continue
			}
			if proof.State == ProofReserved && proof.UsedBy == operationId {
				proof.State = ProofUnspent
				proof.UsedBy = ""
				jsonProof, err := json.Marshal(proof)
				if err != nil {
					return err
				}
				key := make([]byte, len(k))
				copy(key, k)
				if err := proofsb.Put(key, jsonProof); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (db *BoltDB) DeleteProofs(ys []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, y := range ys {
			if proofsb.Get([]byte(y)) == nil {
				return ErrProofNotFound
			}
			if err := proofsb.Delete([]byte(y)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) GetBalance(filter GetProofsFilter) uint64 {
	var balance uint64
	for _, proof := range db.GetProofs(filter) {
		balance += proof.Proof.Amount
	}
	return balance
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	}); err != nil {
		return fmt.Errorf("error saving keyset: %v", err)
	}
	return nil
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEach(func(mintURL, v []byte) error {
			mintKeysets := []crypto.WalletKeyset{}
			mintBucket := keysetsb.Bucket(mintURL)
			c := mintBucket.Cursor()

			for k, v := c.First(); k != nil; k, v = c.Next() {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return err
				}
				mintKeysets = append(mintKeysets, keyset)
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	}); err != nil {
		return nil
	}

	return keysets
}

func (db *BoltDB) GetKeyset(keysetId string) *crypto.WalletKeyset {
	var keyset *crypto.WalletKeyset

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))

		return keysetsb.ForEach(func(mintURL, v []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)
			keysetBytes := mintBucket.Get([]byte(keysetId))
			if keysetBytes != nil {
				if err := json.Unmarshal(keysetBytes, &keyset); err != nil {
					return err
				}
			}
			return nil
		})
	})

	return keyset
}

func (db *BoltDB) GetMintKeysets(mintURL string) []crypto.WalletKeyset {
	mintKeysets := []crypto.WalletKeyset{}

	db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		mintBucket := keysetsb.Bucket([]byte(mintURL))
		if mintBucket == nil {
			return nil
		}
		c := mintBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var keyset crypto.WalletKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				continue
			}
			mintKeysets = append(mintKeysets, keyset)
		}
		return nil
	})
	return mintKeysets
}

func (db *BoltDB) IncrementKeysetCounter(keysetId string, num uint32) (uint32, error) {
	var newCounter uint32

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		var keyset *crypto.WalletKeyset

		err := keysetsb.ForEach(func(mintURL, v []byte) error {
			mintBucket := keysetsb.Bucket(mintURL)

			keysetBytes := mintBucket.Get([]byte(keysetId))
			if keysetBytes != nil {
				if err := json.Unmarshal(keysetBytes, &keyset); err != nil {
					return fmt.Errorf("error reading keyset from db: %v", err)
				}
				keyset.Counter += num
				newCounter = keyset.Counter

				jsonBytes, err := json.Marshal(keyset)
				if err != nil {
					return err
				}
				return mintBucket.Put([]byte(keysetId), jsonBytes)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if keyset == nil {
			return ErrKeysetNotFound
		}
		return nil
	}); err != nil {
		return 0, err
	}

	return newCounter, nil
}

func (db *BoltDB) GetKeysetCounter(keysetId string) uint32 {
	keyset := db.GetKeyset(keysetId)
	if keyset == nil {
		return 0
	}
	return keyset.Counter
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		key := []byte(quote.QuoteId)

		if stored := quotesb.Get(key); stored != nil {
			var storedQuote MintQuote
			if err := json.Unmarshal(stored, &storedQuote); err != nil {
				return err
			}
			if storedQuote.Version != quote.Version {
				return ErrConcurrentUpdate
			}
		} else if quote.Version != 0 {
			return ErrConcurrentUpdate
		}
		quote.Version++

		jsonbytes, err := json.Marshal(&quote)
		if err != nil {
			return fmt.Errorf("invalid mint quote: %v", err)
		}
		return quotesb.Put(key, jsonbytes)
	})
}

func (db *BoltDB) GetMintQuote(id string) *MintQuote {
	var quote *MintQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		quoteBytes := quotesb.Get([]byte(id))
		if quoteBytes == nil {
			return nil
		}
		if err := json.Unmarshal(quoteBytes, &quote); err != nil {
			quote = nil
		}
		return nil
	})
	return quote
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	var mintQuotes []MintQuote

	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(mintQuotesBucket))
		c := quotesb.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				continue
			}
			mintQuotes = append(mintQuotes, quote)
		}
		return nil
	})

	return mintQuotes
}

func (db *BoltDB) GetUnissuedMintQuotes() []MintQuote {
	var unissued []MintQuote
	for _, quote := range db.GetMintQuotes() {
		if quote.State == nut04.Paid || quote.AmountPaid > quote.AmountIssued {
			unissued = append(unissued, quote)
		}
	}
	return unissued
}

func (db *BoltDB) ReserveMintQuote(id string, operationId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return reserveQuote(tx.Bucket([]byte(mintQuotesBucket)), id, operationId, true)
	})
}

func (db *BoltDB) ReleaseMintQuote(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return reserveQuote(tx.Bucket([]byte(mintQuotesBucket)), id, "", false)
	})
}

func (db *BoltDB) SaveMeltQuote(quote MeltQuote) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		key := []byte(quote.QuoteId)

		if stored := quotesb.Get(key); stored != nil {
			var storedQuote MeltQuote
			if err := json.Unmarshal(stored, &storedQuote); err != nil {
				return err
			}
			if storedQuote.Version != quote.Version {
				return ErrConcurrentUpdate
			}
		} else if quote.Version != 0 {
			return ErrConcurrentUpdate
		}
		quote.Version++

		jsonbytes, err := json.Marshal(&quote)
		if err != nil {
			return fmt.Errorf("invalid melt quote: %v", err)
		}
		return quotesb.Put(key, jsonbytes)
	})
}

func (db *BoltDB) GetMeltQuote(id string) *MeltQuote {
	var quote *MeltQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		quoteBytes := quotesb.Get([]byte(id))
		if quoteBytes == nil {
			return nil
		}
		if err := json.Unmarshal(quoteBytes, &quote); err != nil {
			quote = nil
		}
		return nil
	})
	return quote
}

func (db *BoltDB) GetMeltQuotes() []MeltQuote {
	var meltQuotes []MeltQuote

	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(meltQuotesBucket))
		c := quotesb.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MeltQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				continue
			}
			meltQuotes = append(meltQuotes, quote)
		}
		return nil
	})

	return meltQuotes
}

func (db *BoltDB) ReserveMeltQuote(id string, operationId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return reserveQuote(tx.Bucket([]byte(meltQuotesBucket)), id, operationId, true)
	})
}

func (db *BoltDB) ReleaseMeltQuote(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return reserveQuote(tx.Bucket([]byte(meltQuotesBucket)), id, "", false)
	})
}

// reserveQuote flips the UsedBy stamp on either quote type. Both quote
// structs are decoded generically to keep the reservation rule in one place.
func reserveQuote(quotesb *bolt.Bucket, id, operationId string, reserve bool) error {
	quoteBytes := quotesb.Get([]byte(id))
	if quoteBytes == nil {
		return ErrQuoteNotFound
	}

	var quote map[string]json.RawMessage
	if err := json.Unmarshal(quoteBytes, &quote); err != nil {
		return err
	}

	var usedBy string
	if v, ok := quote["UsedBy"]; ok {
		json.Unmarshal(v, &usedBy)
	}

	if reserve {
		if usedBy != "" && usedBy != operationId {
			return ErrQuoteInUse
		}
		usedByBytes, _ := json.Marshal(operationId)
		quote["UsedBy"] = usedByBytes
	} else {
		usedByBytes, _ := json.Marshal("")
		quote["UsedBy"] = usedByBytes
	}

	updated, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	return quotesb.Put([]byte(id), updated)
}

func (db *BoltDB) SaveSaga(saga Saga) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		sagasb := tx.Bucket([]byte(sagasBucket))
		key := []byte(saga.Id.String())

		if stored := sagasb.Get(key); stored != nil {
			var storedSaga Saga
			if err := json.Unmarshal(stored, &storedSaga); err != nil {
				return err
			}
			if storedSaga.Version != saga.Version {
				return ErrConcurrentUpdate
			}
		} else if saga.Version != 0 {
			return ErrConcurrentUpdate
		}
		saga.Version++

		jsonbytes, err := json.Marshal(&saga)
		if err != nil {
			return fmt.Errorf("invalid saga: %v", err)
		}
		return sagasb.Put(key, jsonbytes)
	})
}

func (db *BoltDB) GetSaga(id uuid.UUID) *Saga {
	var saga *Saga
	db.bolt.View(func(tx *bolt.Tx) error {
		sagasb := tx.Bucket([]byte(sagasBucket))
		sagaBytes := sagasb.Get([]byte(id.String()))
		if sagaBytes == nil {
			return nil
		}
		if err := json.Unmarshal(sagaBytes, &saga); err != nil {
			saga = nil
		}
		return nil
	})
	return saga
}

func (db *BoltDB) GetIncompleteSagas() []Saga {
	var sagas []Saga

	db.bolt.View(func(tx *bolt.Tx) error {
		sagasb := tx.Bucket([]byte(sagasBucket))
		c := sagasb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var saga Saga
			if err := json.Unmarshal(v, &saga); err != nil {
				continue
			}
			sagas = append(sagas, saga)
		}
		return nil
	})

	return sagas
}

func (db *BoltDB) DeleteSaga(id uuid.UUID) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		sagasb := tx.Bucket([]byte(sagasBucket))
		return sagasb.Delete([]byte(id.String()))
	})
}

func (db *BoltDB) AddTransaction(txn Transaction) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		txnsb := tx.Bucket([]byte(transactionsBucket))
		key := []byte(txn.Id)
		// idempotent on id
		if txnsb.Get(key) != nil {
			return nil
		}
		jsonbytes, err := json.Marshal(txn)
		if err != nil {
			return fmt.Errorf("invalid transaction: %v", err)
		}
		return txnsb.Put(key, jsonbytes)
	})
}

func (db *BoltDB) GetTransaction(id string) *Transaction {
	var txn *Transaction
	db.bolt.View(func(tx *bolt.Tx) error {
		txnsb := tx.Bucket([]byte(transactionsBucket))
		txnBytes := txnsb.Get([]byte(id))
		if txnBytes == nil {
			return nil
		}
		if err := json.Unmarshal(txnBytes, &txn); err != nil {
			txn = nil
		}
		return nil
	})
	return txn
}

func (db *BoltDB) ListTransactions(filter ListTransactionsFilter) []Transaction {
	var txns []Transaction

	db.bolt.View(func(tx *bolt.Tx) error {
		txnsb := tx.Bucket([]byte(transactionsBucket))
		c := txnsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var txn Transaction
			if err := json.Unmarshal(v, &txn); err != nil {
				continue
			}
			if filter.Matches(txn) {
				txns = append(txns, txn)
			}
		}
		return nil
	})

	return txns
}

func kvKey(ns1, ns2, key string) []byte {
	return bytes.Join([][]byte{[]byte(ns1), []byte(ns2), []byte(key)}, []byte{0x00})
}

func (db *BoltDB) PutKV(ns1, ns2, key string, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		kvb := tx.Bucket([]byte(kvBucket))
		return kvb.Put(kvKey(ns1, ns2, key), value)
	})
}

func (db *BoltDB) GetKV(ns1, ns2, key string) []byte {
	var value []byte
	db.bolt.View(func(tx *bolt.Tx) error {
		kvb := tx.Bucket([]byte(kvBucket))
		stored := kvb.Get(kvKey(ns1, ns2, key))
		if stored != nil {
			value = make([]byte, len(stored))
			copy(value, stored)
		}
		return nil
	})
	return value
}

func (db *BoltDB) ListKV(ns1, ns2 string) map[string][]byte {
	values := make(map[string][]byte)

	db.bolt.View(func(tx *bolt.Tx) error {
		kvb := tx.Bucket([]byte(kvBucket))
		prefix := kvKey(ns1, ns2, "")
		c := kvb.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			key := string(k[len(prefix):])
			value := make([]byte, len(v))
			copy(value, v)
			values[key] = value
		}
		return nil
	})

	return values
}

func (db *BoltDB) DeleteKV(ns1, ns2, key string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		kvb := tx.Bucket([]byte(kvBucket))
		return kvb.Delete(kvKey(ns1, ns2, key))
	})
}
