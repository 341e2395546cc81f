package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// SQLiteStore is an embedded Store for development runs and integration
// tests. SQLite admits a single writer, so transactions opened with
// _txlock=immediate serialize all mutations; the busy timeout bounds the
// wait and surfaces as a retryable ConflictError.
type SQLiteStore struct {
	db *sql.DB
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		issuer TEXT NOT NULL,
		owner TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		state TEXT NOT NULL,
		listing_price INTEGER,
		document_url TEXT NOT NULL DEFAULT '',
		auditors TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS audit_ballots (
		credit_id TEXT NOT NULL REFERENCES credits(id),
		auditor_id TEXT NOT NULL,
		decision TEXT NOT NULL,
		cast_at TEXT NOT NULL,
		PRIMARY KEY (credit_id, auditor_id)
	);`,

	`CREATE TABLE IF NOT EXISTS expiry_requests (
		id TEXT PRIMARY KEY,
		credit_id TEXT NOT NULL REFERENCES credits(id),
		requested_by TEXT NOT NULL,
		prior_state TEXT NOT NULL,
		prior_price INTEGER,
		status TEXT NOT NULL,
		ballots TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);`,

	// At most one open expiry request per credit.
	`CREATE UNIQUE INDEX IF NOT EXISTS expiry_requests_open
		ON expiry_requests (credit_id) WHERE status = 'OPEN';`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		credit_id TEXT NOT NULL REFERENCES credits(id),
		type TEXT NOT NULL,
		parties TEXT NOT NULL,
		resulting_state TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		metadata TEXT
	);`,

	`CREATE INDEX IF NOT EXISTS transactions_credit ON transactions (credit_id);`,
	`CREATE INDEX IF NOT EXISTS transactions_timestamp ON transactions (timestamp);`,
}

// OpenSQLite opens (and migrates) a SQLite-backed store at path. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=2000&_txlock=immediate&_journal_mode=WAL&_fk=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// One connection keeps :memory: stores coherent and matches SQLite's
	// single-writer model.
	db.SetMaxOpenConns(1)

	for _, migration := range sqliteMigrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite migration failed: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// mapSQLiteBusy converts lock contention into the retryable conflict error
// of the domain taxonomy.
func mapSQLiteBusy(creditID string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return &credits.ConflictError{CreditID: creditID, Reason: "database busy"}
	}
	return err
}

func isSQLiteConstraint(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, creditID string, fn func(Tx) error) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return mapSQLiteBusy(creditID, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: opCtx, tx: tx}); err != nil {
		return mapSQLiteBusy(creditID, err)
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteBusy(creditID, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func scanCredit(row interface {
	Scan(dest ...interface{}) error
}) (*credits.Credit, error) {
	var c credits.Credit
	var price sql.NullInt64
	var auditorsJSON, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Issuer, &c.Owner, &c.Amount, &c.State,
		&price, &c.DocumentURL, &auditorsJSON, &c.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		v := price.Int64
		c.ListingPrice = &v
	}
	if err := json.Unmarshal([]byte(auditorsJSON), &c.Auditors); err != nil {
		return nil, fmt.Errorf("failed to decode auditor pool: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &c, nil
}

const creditColumns = `id, name, issuer, owner, amount, state, listing_price, document_url, auditors, version, created_at, updated_at`

func (t *sqliteTx) Credit(id string) (*credits.Credit, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+creditColumns+` FROM credits WHERE id = ?`, id)
	c, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return c, nil
}

func (t *sqliteTx) CreateCredit(c *credits.Credit) error {
	auditorsJSON, err := json.Marshal(c.Auditors)
	if err != nil {
		return fmt.Errorf("failed to encode auditor pool: %w", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1

	var price interface{}
	if c.ListingPrice != nil {
		price = *c.ListingPrice
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO credits (`+creditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Issuer, c.Owner, c.Amount, c.State, price, c.DocumentURL,
		string(auditorsJSON), c.Version,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))
	if isSQLiteConstraint(err) {
		return &credits.ConflictError{CreditID: c.ID, Reason: "credit already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

func (t *sqliteTx) PutCredit(c *credits.Credit) error {
	var price interface{}
	if c.ListingPrice != nil {
		price = *c.ListingPrice
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE credits
		SET owner = ?, state = ?, listing_price = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		c.Owner, c.State, price, c.UpdatedAt.Format(time.RFC3339Nano), c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// Either missing or a stale version; distinguish for the caller.
		if _, lookupErr := t.Credit(c.ID); lookupErr != nil {
			return lookupErr
		}
		return &credits.ConflictError{CreditID: c.ID, Reason: "credit version is stale"}
	}
	c.Version++
	return nil
}

func (t *sqliteTx) Ballots(creditID string) ([]credits.AuditBallot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT credit_id, auditor_id, decision, cast_at
		FROM audit_ballots WHERE credit_id = ? ORDER BY cast_at, auditor_id`, creditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ballots: %w", err)
	}
	defer rows.Close()

	var out []credits.AuditBallot
	for rows.Next() {
		var b credits.AuditBallot
		var castAt string
		if err := rows.Scan(&b.CreditID, &b.AuditorID, &b.Decision, &castAt); err != nil {
			return nil, fmt.Errorf("failed to scan ballot: %w", err)
		}
		if b.CastAt, err = time.Parse(time.RFC3339Nano, castAt); err != nil {
			return nil, fmt.Errorf("failed to parse cast_at: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *sqliteTx) AddBallot(b credits.AuditBallot) error {
	if b.CastAt.IsZero() {
		b.CastAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO audit_ballots (credit_id, auditor_id, decision, cast_at)
		VALUES (?, ?, ?, ?)`,
		b.CreditID, b.AuditorID, b.Decision, b.CastAt.Format(time.RFC3339Nano))
	if isSQLiteConstraint(err) {
		return &credits.DuplicateVoteError{CreditID: b.CreditID, AuditorID: b.AuditorID}
	}
	if err != nil {
		return fmt.Errorf("failed to insert ballot: %w", err)
	}
	return nil
}

func (t *sqliteTx) ClearBallots(creditID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM audit_ballots WHERE credit_id = ?`, creditID); err != nil {
		return fmt.Errorf("failed to clear ballots: %w", err)
	}
	return nil
}

func scanExpiryRequest(row interface {
	Scan(dest ...interface{}) error
}) (*credits.ExpiryRequest, error) {
	var r credits.ExpiryRequest
	var ballotsJSON, createdAt string
	var priorPrice sql.NullInt64
	var resolvedAt sql.NullString
	err := row.Scan(&r.ID, &r.CreditID, &r.RequestedBy, &r.PriorState, &priorPrice, &r.Status,
		&ballotsJSON, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if priorPrice.Valid {
		v := priorPrice.Int64
		r.PriorPrice = &v
	}
	if err := json.Unmarshal([]byte(ballotsJSON), &r.Ballots); err != nil {
		return nil, fmt.Errorf("failed to decode verifications: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if resolvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
		}
		r.ResolvedAt = &ts
	}
	return &r, nil
}

const expiryColumns = `id, credit_id, requested_by, prior_state, prior_price, status, ballots, created_at, resolved_at`

func (t *sqliteTx) OpenExpiryRequest(creditID string) (*credits.ExpiryRequest, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+expiryColumns+` FROM expiry_requests
		WHERE credit_id = ? AND status = 'OPEN'`, creditID)
	r, err := scanExpiryRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "open expiry request for credit", ID: creditID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expiry request: %w", err)
	}
	return r, nil
}

func (t *sqliteTx) CreateExpiryRequest(r *credits.ExpiryRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	ballotsJSON, err := json.Marshal(r.Ballots)
	if err != nil {
		return fmt.Errorf("failed to encode verifications: %w", err)
	}
	if r.Ballots == nil {
		ballotsJSON = []byte("[]")
	}
	var priorPrice interface{}
	if r.PriorPrice != nil {
		priorPrice = *r.PriorPrice
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO expiry_requests (`+expiryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.CreditID, r.RequestedBy, r.PriorState, priorPrice, r.Status,
		string(ballotsJSON), r.CreatedAt.Format(time.RFC3339Nano))
	if isSQLiteConstraint(err) {
		return &credits.ConflictError{CreditID: r.CreditID, Reason: "an open expiry request already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert expiry request: %w", err)
	}
	return nil
}

func (t *sqliteTx) PutExpiryRequest(r *credits.ExpiryRequest) error {
	ballotsJSON, err := json.Marshal(r.Ballots)
	if err != nil {
		return fmt.Errorf("failed to encode verifications: %w", err)
	}
	var resolvedAt interface{}
	if r.ResolvedAt != nil {
		resolvedAt = r.ResolvedAt.Format(time.RFC3339Nano)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE expiry_requests SET status = ?, ballots = ?, resolved_at = ? WHERE id = ?`,
		r.Status, string(ballotsJSON), resolvedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update expiry request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return &credits.NotFoundError{Kind: "expiry request", ID: r.ID}
	}
	return nil
}

func (t *sqliteTx) AppendTransaction(txn *credits.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}

	var prevHash string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT hash FROM transactions WHERE credit_id = ? ORDER BY rowid DESC LIMIT 1`,
		txn.CreditID).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load chain head: %w", err)
	}
	chainTransaction(txn, prevHash)

	partiesJSON, err := json.Marshal(txn.Parties)
	if err != nil {
		return fmt.Errorf("failed to encode parties: %w", err)
	}
	var metadataJSON interface{}
	if len(txn.Metadata) > 0 {
		raw, err := json.Marshal(txn.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO transactions (id, credit_id, type, parties, resulting_state, timestamp, prev_hash, hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.CreditID, txn.Type, string(partiesJSON), txn.ResultingState,
		txn.Timestamp.UTC().Format(time.RFC3339Nano), txn.PrevHash, txn.Hash, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// GetCredit implements Store.
func (s *SQLiteStore) GetCredit(ctx context.Context, id string) (*credits.Credit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE id = ?`, id)
	c, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return c, nil
}

// ListCredits implements Store.
func (s *SQLiteStore) ListCredits(ctx context.Context, state credits.State) ([]credits.Credit, error) {
	query := `SELECT ` + creditColumns + ` FROM credits`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var out []credits.Credit
	for rows.Next() {
		c, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetExpiryRequest implements Store.
func (s *SQLiteStore) GetExpiryRequest(ctx context.Context, id string) (*credits.ExpiryRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+expiryColumns+` FROM expiry_requests WHERE id = ?`, id)
	r, err := scanExpiryRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "expiry request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expiry request: %w", err)
	}
	return r, nil
}

func scanTransactions(rows *sql.Rows) ([]credits.Transaction, error) {
	var out []credits.Transaction
	for rows.Next() {
		var t credits.Transaction
		var partiesJSON, timestamp string
		var metadataJSON sql.NullString
		if err := rows.Scan(&t.ID, &t.CreditID, &t.Type, &partiesJSON, &t.ResultingState,
			&timestamp, &t.PrevHash, &t.Hash, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if err := json.Unmarshal([]byte(partiesJSON), &t.Parties); err != nil {
			return nil, fmt.Errorf("failed to decode parties: %w", err)
		}
		var err error
		if t.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		if metadataJSON.Valid {
			if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const transactionColumns = `id, credit_id, type, parties, resulting_state, timestamp, prev_hash, hash, metadata`

// ListTransactions implements Store.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]credits.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}
	if filter.CreditID != "" {
		query += ` AND credit_id = ?`
		args = append(args, filter.CreditID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// VerifyTransactionChain implements Store.
func (s *SQLiteStore) VerifyTransactionChain(ctx context.Context, creditID string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE credit_id = ? ORDER BY rowid`, creditID)
	if err != nil {
		return false, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanTransactions(rows)
	if err != nil {
		return false, err
	}
	return verifyChain(txns), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
