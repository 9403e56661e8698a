package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/elnosh/cashew/cashu"
	"github.com/elnosh/cashew/cashu/nuts/nut04"
	"github.com/elnosh/cashew/crypto"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

//go:embed migrations
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

var _ WalletDB = (*SQLiteDB)(nil)

// create a temporary directory with the migration files.
// migration files are embedded with go:embed. These are then read
// and copied to a temporary directory.
// This is needed to pass the directory to migrate.New
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "migrations")
	if err != nil {
		return "", err
	}

	migrationFiles, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, file := range migrationFiles {
		filePath := filepath.Join(tempDir, file.Name())

		migrationFilePath := filepath.Join("migrations", file.Name())
		migrationFile, err := migrations.Open(migrationFilePath)
		if err != nil {
			return "", err
		}
		defer migrationFile.Close()

		destFile, err := os.Create(filePath)
		if err != nil {
			return "", err
		}
		defer destFile.Close()

		if _, err := io.Copy(destFile, migrationFile); err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	migrationsPath, err := migrationsDir()
	if err != nil {
		return nil, fmt.Errorf("unable to read migrations: %v", err)
	}
	defer os.RemoveAll(migrationsPath)

	m, err := migrate.New("file://"+migrationsPath, "sqlite3://"+dbpath)
	if err != nil {
		return nil, fmt.Errorf("error setting up migrations: %v", err)
	}
	// apply pending migrations in order
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("error running migrations: %v", err)
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) {
	sqlite.db.Exec(`
		INSERT OR REPLACE INTO seed (id, mnemonic, seed) VALUES (1, ?, ?)
	`, mnemonic, seed)
}

func (sqlite *SQLiteDB) GetMnemonic() string {
	var mnemonic string
	row := sqlite.db.QueryRow("SELECT mnemonic FROM seed WHERE id = 1")
	if err := row.Scan(&mnemonic); err != nil {
		return ""
	}
	return mnemonic
}

func (sqlite *SQLiteDB) GetSeed() []byte {
	var seed []byte
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = 1")
	if err := row.Scan(&seed); err != nil {
		return nil
	}
	return seed
}

func dleqString(dleq *cashu.DLEQProof) (string, error) {
	if dleq == nil {
		return "", nil
	}
	dleqBytes, err := json.Marshal(dleq)
	if err != nil {
		return "", err
	}
	return string(dleqBytes), nil
}

func (sqlite *SQLiteDB) SaveProofs(proofs []ProofInfo) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, proof := range proofs {
		dleq, err := dleqString(proof.Proof.DLEQ)
		if err != nil {
			return fmt.Errorf("invalid proof: %v", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO proofs
			(y, amount, keyset_id, secret, c, witness, dleq, mint_url, unit, state, spending_condition, created_by, used_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			proof.Y,
			proof.Proof.Amount,
			proof.Proof.Id,
			proof.Proof.Secret,
			proof.Proof.C,
			proof.Proof.Witness,
			dleq,
			proof.MintURL,
			proof.Unit,
			proof.State,
			proof.SpendingCondition,
			proof.CreatedBy,
			proof.UsedBy,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanProofInfo(rows *sql.Rows) (ProofInfo, error) {
	var info ProofInfo
	var witness, dleq, spendingCondition, createdBy, usedBy sql.NullString

	err := rows.Scan(
		&info.Y,
		&info.Proof.Amount,
		&info.Proof.Id,
		&info.Proof.Secret,
		&info.Proof.C,
		&witness,
		&dleq,
		&info.MintURL,
		&info.Unit,
		&info.State,
		&spendingCondition,
		&createdBy,
		&usedBy,
	)
	if err != nil {
		return info, err
	}

	info.Proof.Witness = witness.String
	info.SpendingCondition = spendingCondition.String
	info.CreatedBy = createdBy.String
	info.UsedBy = usedBy.String
	if len(dleq.String) > 0 {
		var dleqProof cashu.DLEQProof
		if err := json.Unmarshal([]byte(dleq.String), &dleqProof); err == nil {
			info.Proof.DLEQ = &dleqProof
		}
	}

	return info, nil
}

const selectProofColumns = `
	SELECT y, amount, keyset_id, secret, c, witness, dleq, mint_url, unit, state, spending_condition, created_by, used_by
	FROM proofs`

func (sqlite *SQLiteDB) GetProofs(filter GetProofsFilter) []ProofInfo {
	rows, err := sqlite.db.Query(selectProofColumns)
	if err != nil {
		return []ProofInfo{}
	}
	defer rows.Close()

	proofs := []ProofInfo{}
	for rows.Next() {
		info, err := scanProofInfo(rows)
		if err != nil {
			continue
		}
		if filter.Matches(info) {
			proofs = append(proofs, info)
		}
	}
	return proofs
}

func (sqlite *SQLiteDB) GetProofsByYs(ys []string) []ProofInfo {
	proofs := []ProofInfo{}
	for _, y := range ys {
		rows, err := sqlite.db.Query(selectProofColumns+" WHERE y = ?", y)
		if err != nil {
			continue
		}
		if rows.Next() {
			if info, err := scanProofInfo(rows); err == nil {
				proofs = append(proofs, info)
			}
		}
		rows.Close()
	}
	return proofs
}

func (sqlite *SQLiteDB) UpdateProofsState(ys []string, state ProofState) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, y := range ys {
		var current ProofState
		row := tx.QueryRow("SELECT state FROM proofs WHERE y = ?", y)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrProofNotFound
			}
			return err
		}
		if !ValidProofStateTransition(current, state) {
			return ErrInvalidProofState
		}
		if state == ProofUnspent {
			if _, err := tx.Exec("UPDATE proofs SET state = ?, used_by = '' WHERE y = ?", state, y); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec("UPDATE proofs SET state = ? WHERE y = ?", state, y); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) ReserveProofs(ys []string, operationId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, y := range ys {
		var current ProofState
		row := tx.QueryRow("SELECT state FROM proofs WHERE y = ?", y)
		if err := row.Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrProofNotFound
			}
			return err
		}
		if current != ProofUnspent {
			return ErrProofNotUnspent
		}
		if _, err := tx.Exec(
			"UPDATE proofs SET state = ?, used_by = ? WHERE y = ?",
			ProofReserved, operationId, y,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) ReleaseProofs(operationId string) error {
	_, err := sqlite.db.Exec(
		"UPDATE proofs SET state = ?, used_by = '' WHERE state = ? AND used_by = ?",
		ProofUnspent, ProofReserved, operationId,
	)
	return err
}

func (sqlite *SQLiteDB) DeleteProofs(ys []string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, y := range ys {
		result, err := tx.Exec("DELETE FROM proofs WHERE y = ?", y)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrProofNotFound
		}
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) GetBalance(filter GetProofsFilter) uint64 {
	var balance uint64
	for _, proof := range sqlite.GetProofs(filter) {
		balance += proof.Proof.Amount
	}
	return balance
}

func (sqlite *SQLiteDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	keys, err := json.Marshal(keyset.PublicKeys)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO keysets (id, mint_url, unit, active, public_keys, counter, input_fee_ppk, final_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			input_fee_ppk = excluded.input_fee_ppk,
			final_expiry = excluded.final_expiry,
			mint_url = excluded.mint_url
	`,
		keyset.Id,
		keyset.MintURL,
		keyset.Unit,
		keyset.Active,
		string(keys),
		keyset.Counter,
		keyset.InputFeePpk,
		keyset.FinalExpiry,
	)
	if err != nil {
		return fmt.Errorf("error saving keyset: %v", err)
	}
	return nil
}

func scanKeyset(rows *sql.Rows) (*crypto.WalletKeyset, error) {
	var keyset crypto.WalletKeyset
	var keys string

	err := rows.Scan(
		&keyset.Id,
		&keyset.MintURL,
		&keyset.Unit,
		&keyset.Active,
		&keys,
		&keyset.Counter,
		&keyset.InputFeePpk,
		&keyset.FinalExpiry,
	)
	if err != nil {
		return nil, err
	}

	publicKeys := make(crypto.PublicKeys)
	if err := json.Unmarshal([]byte(keys), &publicKeys); err != nil {
		return nil, err
	}
	keyset.PublicKeys = publicKeys

	return &keyset, nil
}

const selectKeysetColumns = `
	SELECT id, mint_url, unit, active, public_keys, counter, input_fee_ppk, final_expiry
	FROM keysets`

func (sqlite *SQLiteDB) GetKeysets() crypto.KeysetsMap {
	keysetsMap := make(crypto.KeysetsMap)

	rows, err := sqlite.db.Query(selectKeysetColumns)
	if err != nil {
		return keysetsMap
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			continue
		}
		keysetsMap[keyset.MintURL] = append(keysetsMap[keyset.MintURL], *keyset)
	}

	return keysetsMap
}

func (sqlite *SQLiteDB) GetKeyset(id string) *crypto.WalletKeyset {
	rows, err := sqlite.db.Query(selectKeysetColumns+" WHERE id = ?", id)
	if err != nil {
		return nil
	}
	defer rows.Close()

	if rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			return nil
		}
		return keyset
	}
	return nil
}

func (sqlite *SQLiteDB) GetMintKeysets(mintURL string) []crypto.WalletKeyset {
	keysets := []crypto.WalletKeyset{}

	rows, err := sqlite.db.Query(selectKeysetColumns+" WHERE mint_url = ?", mintURL)
	if err != nil {
		return keysets
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			continue
		}
		keysets = append(keysets, *keyset)
	}
	return keysets
}

func (sqlite *SQLiteDB) IncrementKeysetCounter(id string, n uint32) (uint32, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var counter uint32
	row := tx.QueryRow("SELECT counter FROM keysets WHERE id = ?", id)
	if err := row.Scan(&counter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrKeysetNotFound
		}
		return 0, err
	}

	counter += n
	if _, err := tx.Exec("UPDATE keysets SET counter = ? WHERE id = ?", counter, id); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return counter, nil
}

func (sqlite *SQLiteDB) GetKeysetCounter(id string) uint32 {
	var counter uint32
	row := sqlite.db.QueryRow("SELECT counter FROM keysets WHERE id = ?", id)
	if err := row.Scan(&counter); err != nil {
		return 0
	}
	return counter
}

func (sqlite *SQLiteDB) SaveMintQuote(quote MintQuote) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version uint32
	row := tx.QueryRow("SELECT version FROM mint_quotes WHERE id = ?", quote.QuoteId)
	err = row.Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if quote.Version != 0 {
			return ErrConcurrentUpdate
		}
	} else if err != nil {
		return err
	} else if version != quote.Version {
		return ErrConcurrentUpdate
	}

	var privateKey []byte
	if quote.PrivateKey != nil {
		privateKey = quote.PrivateKey.Serialize()
	}

	if _, err := tx.Exec(`
		INSERT INTO mint_quotes
		(id, mint_url, method, state, unit, payment_request, amount, amount_paid, amount_issued, created_at, settled_at, expiry, private_key, version, used_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			amount_paid = excluded.amount_paid,
			amount_issued = excluded.amount_issued,
			settled_at = excluded.settled_at,
			version = excluded.version
	`,
		quote.QuoteId,
		quote.Mint,
		quote.Method,
		quote.State,
		quote.Unit,
		quote.PaymentRequest,
		quote.Amount,
		quote.AmountPaid,
		quote.AmountIssued,
		quote.CreatedAt,
		quote.SettledAt,
		quote.QuoteExpiry,
		privateKey,
		quote.Version+1,
		quote.UsedBy,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func scanMintQuote(row interface{ Scan(...any) error }) (*MintQuote, error) {
	var quote MintQuote
	var privateKey []byte
	var usedBy sql.NullString

	err := row.Scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&quote.State,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.AmountPaid,
		&quote.AmountIssued,
		&quote.CreatedAt,
		&quote.SettledAt,
		&quote.QuoteExpiry,
		&privateKey,
		&quote.Version,
		&usedBy,
	)
	if err != nil {
		return nil, err
	}

	quote.UsedBy = usedBy.String
	if len(privateKey) > 0 {
		quote.PrivateKey = secp256k1.PrivKeyFromBytes(privateKey)
	}
	return &quote, nil
}

const selectMintQuoteColumns = `
	SELECT id, mint_url, method, state, unit, payment_request, amount, amount_paid, amount_issued, created_at, settled_at, expiry, private_key, version, used_by
	FROM mint_quotes`

func (sqlite *SQLiteDB) GetMintQuote(id string) *MintQuote {
	row := sqlite.db.QueryRow(selectMintQuoteColumns+" WHERE id = ?", id)
	quote, err := scanMintQuote(row)
	if err != nil {
		return nil
	}
	return quote
}

func (sqlite *SQLiteDB) GetMintQuotes() []MintQuote {
	var quotes []MintQuote

	rows, err := sqlite.db.Query(selectMintQuoteColumns)
	if err != nil {
		return quotes
	}
	defer rows.Close()

	for rows.Next() {
		quote, err := scanMintQuote(rows)
		if err != nil {
			continue
		}
		quotes = append(quotes, *quote)
	}
	return quotes
}

func (sqlite *SQLiteDB) GetUnissuedMintQuotes() []MintQuote {
	var unissued []MintQuote
	for _, quote := range sqlite.GetMintQuotes() {
		if quote.State == nut04.Paid || quote.AmountPaid > quote.AmountIssued {
			unissued = append(unissued, quote)
		}
	}
	return unissued
}

func (sqlite *SQLiteDB) ReserveMintQuote(id string, operationId string) error {
	return sqlite.reserveQuote("mint_quotes", id, operationId)
}

func (sqlite *SQLiteDB) ReleaseMintQuote(id string) error {
	return sqlite.releaseQuote("mint_quotes", id)
}

func (sqlite *SQLiteDB) reserveQuote(table, id, operationId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var usedBy sql.NullString
	row := tx.QueryRow("SELECT used_by FROM "+table+" WHERE id = ?", id)
	if err := row.Scan(&usedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQuoteNotFound
		}
		return err
	}
	if usedBy.String != "" && usedBy.String != operationId {
		return ErrQuoteInUse
	}

	if _, err := tx.Exec("UPDATE "+table+" SET used_by = ? WHERE id = ?", operationId, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) releaseQuote(table, id string) error {
	result, err := sqlite.db.Exec("UPDATE "+table+" SET used_by = '' WHERE id = ?", id)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(quote MeltQuote) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version uint32
	row := tx.QueryRow("SELECT version FROM melt_quotes WHERE id = ?", quote.QuoteId)
	err = row.Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if quote.Version != 0 {
			return ErrConcurrentUpdate
		}
	} else if err != nil {
		return err
	} else if version != quote.Version {
		return ErrConcurrentUpdate
	}

	if _, err := tx.Exec(`
		INSERT INTO melt_quotes
		(id, mint_url, method, state, unit, payment_request, amount, fee_reserve, preimage, created_at, settled_at, expiry, version, used_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			preimage = excluded.preimage,
			settled_at = excluded.settled_at,
			version = excluded.version
	`,
		quote.QuoteId,
		quote.Mint,
		quote.Method,
		quote.State,
		quote.Unit,
		quote.PaymentRequest,
		quote.Amount,
		quote.FeeReserve,
		quote.Preimage,
		quote.CreatedAt,
		quote.SettledAt,
		quote.QuoteExpiry,
		quote.Version+1,
		quote.UsedBy,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func scanMeltQuote(row interface{ Scan(...any) error }) (*MeltQuote, error) {
	var quote MeltQuote
	var preimage, usedBy sql.NullString

	err := row.Scan(
		&quote.QuoteId,
		&quote.Mint,
		&quote.Method,
		&quote.State,
		&quote.Unit,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.FeeReserve,
		&preimage,
		&quote.CreatedAt,
		&quote.SettledAt,
		&quote.QuoteExpiry,
		&quote.Version,
		&usedBy,
	)
	if err != nil {
		return nil, err
	}

	quote.Preimage = preimage.String
	quote.UsedBy = usedBy.String
	return &quote, nil
}

const selectMeltQuoteColumns = `
	SELECT id, mint_url, method, state, unit, payment_request, amount, fee_reserve, preimage, created_at, settled_at, expiry, version, used_by
	FROM melt_quotes`

func (sqlite *SQLiteDB) GetMeltQuote(id string) *MeltQuote {
	row := sqlite.db.QueryRow(selectMeltQuoteColumns+" WHERE id = ?", id)
	quote, err := scanMeltQuote(row)
	if err != nil {
		return nil
	}
	return quote
}

func (sqlite *SQLiteDB) GetMeltQuotes() []MeltQuote {
	var quotes []MeltQuote

	rows, err := sqlite.db.Query(selectMeltQuoteColumns)
	if err != nil {
		return quotes
	}
	defer rows.Close()

	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			continue
		}
		quotes = append(quotes, *quote)
	}
	return quotes
}

func (sqlite *SQLiteDB) ReserveMeltQuote(id string, operationId string) error {
	return sqlite.reserveQuote("melt_quotes", id, operationId)
}

func (sqlite *SQLiteDB) ReleaseMeltQuote(id string) error {
	return sqlite.releaseQuote("melt_quotes", id)
}

func (sqlite *SQLiteDB) SaveSaga(saga Saga) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version uint32
	row := tx.QueryRow("SELECT version FROM sagas WHERE id = ?", saga.Id.String())
	err = row.Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if saga.Version != 0 {
			return ErrConcurrentUpdate
		}
	} else if err != nil {
		return err
	} else if version != saga.Version {
		return ErrConcurrentUpdate
	}

	saga.Version++
	data, err := json.Marshal(&saga)
	if err != nil {
		return fmt.Errorf("invalid saga: %v", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO sagas (id, kind, state, data, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at,
			version = excluded.version
	`,
		saga.Id.String(),
		saga.Kind,
		string(saga.State),
		string(data),
		saga.CreatedAt,
		saga.UpdatedAt,
		saga.Version,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) GetSaga(id uuid.UUID) *Saga {
	var data string
	row := sqlite.db.QueryRow("SELECT data FROM sagas WHERE id = ?", id.String())
	if err := row.Scan(&data); err != nil {
		return nil
	}

	var saga Saga
	if err := json.Unmarshal([]byte(data), &saga); err != nil {
		return nil
	}
	return &saga
}

func (sqlite *SQLiteDB) GetIncompleteSagas() []Saga {
	var sagas []Saga

	rows, err := sqlite.db.Query("SELECT data FROM sagas ORDER BY created_at")
	if err != nil {
		return sagas
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var saga Saga
		if err := json.Unmarshal([]byte(data), &saga); err != nil {
			continue
		}
		sagas = append(sagas, saga)
	}
	return sagas
}

func (sqlite *SQLiteDB) DeleteSaga(id uuid.UUID) error {
	_, err := sqlite.db.Exec("DELETE FROM sagas WHERE id = ?", id.String())
	return err
}

func (sqlite *SQLiteDB) AddTransaction(txn Transaction) error {
	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("invalid transaction: %v", err)
	}

	// idempotent on id
	_, err = sqlite.db.Exec(`
		INSERT OR IGNORE INTO transactions (id, mint_url, direction, unit, amount, fee, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		txn.Id,
		txn.Mint,
		txn.Direction,
		txn.Unit,
		txn.Amount,
		txn.Fee,
		string(data),
		txn.Timestamp,
	)
	return err
}

func (sqlite *SQLiteDB) GetTransaction(id string) *Transaction {
	var data string
	row := sqlite.db.QueryRow("SELECT data FROM transactions WHERE id = ?", id)
	if err := row.Scan(&data); err != nil {
		return nil
	}

	var txn Transaction
	if err := json.Unmarshal([]byte(data), &txn); err != nil {
		return nil
	}
	return &txn
}

func (sqlite *SQLiteDB) ListTransactions(filter ListTransactionsFilter) []Transaction {
	var txns []Transaction

	rows, err := sqlite.db.Query("SELECT data FROM transactions ORDER BY timestamp")
	if err != nil {
		return txns
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var txn Transaction
		if err := json.Unmarshal([]byte(data), &txn); err != nil {
			continue
		}
		if filter.Matches(txn) {
			txns = append(txns, txn)
		}
	}
	return txns
}

func (sqlite *SQLiteDB) PutKV(ns1, ns2, key string, value []byte) error {
	_, err := sqlite.db.Exec(`
		INSERT OR REPLACE INTO kv (ns1, ns2, key, value) VALUES (?, ?, ?, ?)
	`, ns1, ns2, key, value)
	return err
}

func (sqlite *SQLiteDB) GetKV(ns1, ns2, key string) []byte {
	var value []byte
	row := sqlite.db.QueryRow("SELECT value FROM kv WHERE ns1 = ? AND ns2 = ? AND key = ?", ns1, ns2, key)
	if err := row.Scan(&value); err != nil {
		return nil
	}
	return value
}

func (sqlite *SQLiteDB) ListKV(ns1, ns2 string) map[string][]byte {
	values := make(map[string][]byte)

	rows, err := sqlite.db.Query("SELECT key, value FROM kv WHERE ns1 = ? AND ns2 = ?", ns1, ns2)
	if err != nil {
		return values
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		values[key] = value
	}
	return values
}

func (sqlite *SQLiteDB) DeleteKV(ns1, ns2, key string) error {
	_, err := sqlite.db.Exec("DELETE FROM kv WHERE ns1 = ? AND ns2 = ? AND key = ?", ns1, ns2, key)
	return err
}
