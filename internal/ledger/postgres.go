package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

// PostgresStore is the production Store. Per-credit mutual exclusion uses a
// SELECT ... FOR UPDATE row lock inside a SERIALIZABLE transaction;
// serialization failures are retried with backoff and lock timeouts surface
// as retryable ConflictErrors.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		issuer TEXT NOT NULL,
		owner TEXT NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		state TEXT NOT NULL,
		listing_price BIGINT,
		document_url TEXT NOT NULL DEFAULT '',
		auditors JSONB NOT NULL,
		version BIGINT NOT NULL,
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
		prior_price BIGINT,
		status TEXT NOT NULL,
		ballots JSONB NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);`,

	`CREATE UNIQUE INDEX IF NOT EXISTS expiry_requests_open
		ON expiry_requests (credit_id) WHERE status = 'OPEN';`,

	`CREATE TABLE IF NOT EXISTS transactions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		credit_id TEXT NOT NULL REFERENCES credits(id),
		type TEXT NOT NULL,
		parties JSONB NOT NULL,
		resulting_state TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		metadata JSONB
	);`,

	`CREATE INDEX IF NOT EXISTS transactions_credit ON transactions (credit_id);`,
	`CREATE INDEX IF NOT EXISTS transactions_timestamp ON transactions (timestamp);`,
}

// Migrate creates the schema when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, migration := range postgresMigrations {
		if _, err := s.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("postgres migration failed: %w", err)
		}
	}
	return nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, creditID string, fn func(Tx) error) error {
	const maxRetries = 3

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.updateOnce(ctx, creditID, fn)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "40001": // serialization failure
				if attempt == maxRetries-1 {
					return &credits.ConflictError{CreditID: creditID, Reason: "serialization failure after retries"}
				}
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			case "55P03": // lock not available within lock_timeout
				return &credits.ConflictError{CreditID: creditID, Reason: "timed out waiting for credit lock"}
			}
		}
		return err
	}
	return err
}

func (s *PostgresStore) updateOnce(ctx context.Context, creditID string, fn func(Tx) error) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.Pool.Acquire(opCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(opCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(opCtx)

	if _, err := tx.Exec(opCtx, `SET LOCAL lock_timeout = '2s'`); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", err)
	}

	// Per-credit critical section: lock the credit row if it exists. A
	// missing row means the callback is creating it; the insert itself
	// conflicts on the primary key then.
	var lockedID string
	err = tx.QueryRow(opCtx, `SELECT id FROM credits WHERE id = $1 FOR UPDATE`, creditID).Scan(&lockedID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to lock credit row: %w", err)
	}

	if err := fn(&postgresTx{ctx: opCtx, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(opCtx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const pgCreditColumns = `id, name, issuer, owner, amount, state, listing_price, document_url, auditors, version, created_at, updated_at`

func (t *postgresTx) Credit(id string) (*credits.Credit, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+pgCreditColumns+` FROM credits WHERE id = $1`, id)
	c, err := scanCredit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return c, nil
}

func (t *postgresTx) CreateCredit(c *credits.Credit) error {
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
	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO credits (`+pgCreditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Name, c.Issuer, c.Owner, c.Amount, c.State, price, c.DocumentURL,
		string(auditorsJSON), c.Version,
		c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano))
	if isPGUniqueViolation(err) {
		return &credits.ConflictError{CreditID: c.ID, Reason: "credit already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

func (t *postgresTx) PutCredit(c *credits.Credit) error {
	var price interface{}
	if c.ListingPrice != nil {
		price = *c.ListingPrice
	}
	c.UpdatedAt = time.Now().UTC()

	tag, err := t.tx.Exec(t.ctx, `
		UPDATE credits
		SET owner = $1, state = $2, listing_price = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		c.Owner, c.State, price, c.UpdatedAt.Format(time.RFC3339Nano), c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := t.Credit(c.ID); lookupErr != nil {
			return lookupErr
		}
		return &credits.ConflictError{CreditID: c.ID, Reason: "credit version is stale"}
	}
	c.Version++
	return nil
}

func (t *postgresTx) Ballots(creditID string) ([]credits.AuditBallot, error) {
	rows, err := t.tx.Query(t.ctx, `
		SELECT credit_id, auditor_id, decision, cast_at
		FROM audit_ballots WHERE credit_id = $1 ORDER BY cast_at, auditor_id`, creditID)
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

func (t *postgresTx) AddBallot(b credits.AuditBallot) error {
	if b.CastAt.IsZero() {
		b.CastAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO audit_ballots (credit_id, auditor_id, decision, cast_at)
		VALUES ($1, $2, $3, $4)`,
		b.CreditID, b.AuditorID, b.Decision, b.CastAt.Format(time.RFC3339Nano))
	if isPGUniqueViolation(err) {
		return &credits.DuplicateVoteError{CreditID: b.CreditID, AuditorID: b.AuditorID}
	}
	if err != nil {
		return fmt.Errorf("failed to insert ballot: %w", err)
	}
	return nil
}

func (t *postgresTx) ClearBallots(creditID string) error {
	if _, err := t.tx.Exec(t.ctx, `DELETE FROM audit_ballots WHERE credit_id = $1`, creditID); err != nil {
		return fmt.Errorf("failed to clear ballots: %w", err)
	}
	return nil
}

const pgExpiryColumns = `id, credit_id, requested_by, prior_state, prior_price, status, ballots, created_at, resolved_at`

func (t *postgresTx) OpenExpiryRequest(creditID string) (*credits.ExpiryRequest, error) {
	row := t.tx.QueryRow(t.ctx, `
		SELECT `+pgExpiryColumns+` FROM expiry_requests
		WHERE credit_id = $1 AND status = 'OPEN'`, creditID)
	r, err := scanExpiryRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "open expiry request for credit", ID: creditID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expiry request: %w", err)
	}
	return r, nil
}

func (t *postgresTx) CreateExpiryRequest(r *credits.ExpiryRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	ballotsJSON := []byte("[]")
	if len(r.Ballots) > 0 {
		var err error
		if ballotsJSON, err = json.Marshal(r.Ballots); err != nil {
			return fmt.Errorf("failed to encode verifications: %w", err)
		}
	}
	var priorPrice interface{}
	if r.PriorPrice != nil {
		priorPrice = *r.PriorPrice
	}
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO expiry_requests (`+pgExpiryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)`,
		r.ID, r.CreditID, r.RequestedBy, r.PriorState, priorPrice, r.Status,
		string(ballotsJSON), r.CreatedAt.Format(time.RFC3339Nano))
	if isPGUniqueViolation(err) {
		return &credits.ConflictError{CreditID: r.CreditID, Reason: "an open expiry request already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert expiry request: %w", err)
	}
	return nil
}

func (t *postgresTx) PutExpiryRequest(r *credits.ExpiryRequest) error {
	ballotsJSON, err := json.Marshal(r.Ballots)
	if err != nil {
		return fmt.Errorf("failed to encode verifications: %w", err)
	}
	var resolvedAt interface{}
	if r.ResolvedAt != nil {
		resolvedAt = r.ResolvedAt.Format(time.RFC3339Nano)
	}
	tag, err := t.tx.Exec(t.ctx, `
		UPDATE expiry_requests SET status = $1, ballots = $2, resolved_at = $3 WHERE id = $4`,
		r.Status, string(ballotsJSON), resolvedAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update expiry request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &credits.NotFoundError{Kind: "expiry request", ID: r.ID}
	}
	return nil
}

func (t *postgresTx) AppendTransaction(txn *credits.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}

	var prevHash string
	err := t.tx.QueryRow(t.ctx, `
		SELECT hash FROM transactions WHERE credit_id = $1 ORDER BY seq DESC LIMIT 1`,
		txn.CreditID).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
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

	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO transactions (id, credit_id, type, parties, resulting_state, timestamp, prev_hash, hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.CreditID, txn.Type, string(partiesJSON), txn.ResultingState,
		txn.Timestamp.UTC().Format(time.RFC3339Nano), txn.PrevHash, txn.Hash, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// GetCredit implements Store.
func (s *PostgresStore) GetCredit(ctx context.Context, id string) (*credits.Credit, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+pgCreditColumns+` FROM credits WHERE id = $1`, id)
	c, err := scanCredit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "credit", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit: %w", err)
	}
	return c, nil
}

// ListCredits implements Store.
func (s *PostgresStore) ListCredits(ctx context.Context, state credits.State) ([]credits.Credit, error) {
	query := `SELECT ` + pgCreditColumns + ` FROM credits`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += ` ORDER BY created_at`

	rows, err := s.Pool.Query(ctx, query, args...)
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
func (s *PostgresStore) GetExpiryRequest(ctx context.Context, id string) (*credits.ExpiryRequest, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+pgExpiryColumns+` FROM expiry_requests WHERE id = $1`, id)
	r, err := scanExpiryRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &credits.NotFoundError{Kind: "expiry request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load expiry request: %w", err)
	}
	return r, nil
}

const pgTransactionColumns = `id, credit_id, type, parties, resulting_state, timestamp, prev_hash, hash, metadata`

func scanPGTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	var out []credits.Transaction
	for rows.Next() {
		var t credits.Transaction
		var partiesJSON, timestamp string
		var metadataJSON *string
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
		if metadataJSON != nil {
			if err := json.Unmarshal([]byte(*metadataJSON), &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTransactions implements Store.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]credits.Transaction, error) {
	query := `SELECT ` + pgTransactionColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}
	arg := 1
	if filter.CreditID != "" {
		query += fmt.Sprintf(` AND credit_id = $%d`, arg)
		args = append(args, filter.CreditID)
		arg++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, arg)
		args = append(args, filter.Type)
		arg++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND timestamp >= $%d`, arg)
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
		arg++
	}
	query += ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, arg)
		args = append(args, filter.Limit)
	}

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()
	return scanPGTransactions(rows)
}

// VerifyTransactionChain implements Store.
func (s *PostgresStore) VerifyTransactionChain(ctx context.Context, creditID string) (bool, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+pgTransactionColumns+` FROM transactions WHERE credit_id = $1 ORDER BY seq`, creditID)
	if err != nil {
		return false, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	txns, err := scanPGTransactions(rows)
	if err != nil {
		return false, err
	}
	return verifyChain(txns), nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}
