// Package ledger is the authoritative, atomically mutable record of
// credits, ballots, expiry requests and transactions. All entity storage is
// owned here; coordinators and the marketplace engine keep no durable state
// of their own.
//
// Every store implementation provides per-credit mutual exclusion: Update
// runs its callback inside a critical section scoped to a single credit,
// commits all staged writes atomically, and discards them all when the
// callback fails. There is no global lock across credits; cross-credit
// operations are independently schedulable.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/pkg/audit"
)

// Tx is the set of reads and staged writes available inside a per-credit
// critical section. Implementations commit all writes atomically when the
// Update callback returns nil and discard them otherwise.
type Tx interface {
	// Credit returns the current credit record or a NotFoundError.
	Credit(id string) (*credits.Credit, error)
	// CreateCredit stages a new credit. Fails with a ConflictError when the
	// id already exists.
	CreateCredit(c *credits.Credit) error
	// PutCredit stages an update of an existing credit and bumps its
	// version.
	PutCredit(c *credits.Credit) error

	// Ballots returns the audit ballots of the credit's open round in cast
	// order.
	Ballots(creditID string) ([]credits.AuditBallot, error)
	// AddBallot stages a ballot. Fails with a DuplicateVoteError when the
	// auditor already voted this round.
	AddBallot(b credits.AuditBallot) error
	// ClearBallots stages removal of all ballots for the credit, ending the
	// round.
	ClearBallots(creditID string) error

	// OpenExpiryRequest returns the credit's open expiry request or a
	// NotFoundError when none is open.
	OpenExpiryRequest(creditID string) (*credits.ExpiryRequest, error)
	// CreateExpiryRequest stages a new request. Fails with a ConflictError
	// when an open request already exists for the credit.
	CreateExpiryRequest(r *credits.ExpiryRequest) error
	// PutExpiryRequest stages an update of an existing request.
	PutExpiryRequest(r *credits.ExpiryRequest) error

	// AppendTransaction stages an append to the credit's transaction chain.
	// The store assigns ID, Timestamp, PrevHash and Hash.
	AppendTransaction(t *credits.Transaction) error
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	CreditID string
	Type     credits.TransactionType
	Since    time.Time
	Limit    int
}

// Store is the durable ledger contract.
type Store interface {
	// Update runs fn inside the critical section of creditID. Lock
	// acquisition is bounded; on timeout the caller receives a retryable
	// ConflictError. All staged writes commit atomically or not at all.
	Update(ctx context.Context, creditID string, fn func(Tx) error) error

	// GetCredit returns the credit or a NotFoundError.
	GetCredit(ctx context.Context, id string) (*credits.Credit, error)
	// ListCredits returns credits filtered by state ("" for all), ordered
	// by creation time.
	ListCredits(ctx context.Context, state credits.State) ([]credits.Credit, error)
	// GetExpiryRequest returns a request by id or a NotFoundError.
	GetExpiryRequest(ctx context.Context, id string) (*credits.ExpiryRequest, error)
	// ListTransactions returns matching transactions ordered by timestamp
	// descending.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]credits.Transaction, error)
	// VerifyTransactionChain recomputes the credit's transaction hash chain
	// and reports whether it is intact.
	VerifyTransactionChain(ctx context.Context, creditID string) (bool, error)

	Close() error
}

// transactionPayload is the canonical hash input for a transaction record.
// All store implementations must use it so chains verify across backends.
func transactionPayload(t *credits.Transaction) string {
	return strings.Join([]string{
		t.ID,
		t.CreditID,
		string(t.Type),
		strings.Join(t.Parties, ","),
		string(t.ResultingState),
	}, "|")
}

// chainTransaction assigns the hash-chain fields of a staged transaction
// given the hash of the credit's latest transaction ("" for the first).
func chainTransaction(t *credits.Transaction, prevHash string) {
	if prevHash == "" {
		prevHash = audit.ZeroHash
	}
	t.PrevHash = prevHash
	t.Hash = audit.ChainHash(t.PrevHash, t.Timestamp.UTC().Format(time.RFC3339Nano), transactionPayload(t))
}

// verifyChain recomputes hashes over transactions ordered oldest first.
func verifyChain(txns []credits.Transaction) bool {
	prev := audit.ZeroHash
	for i := range txns {
		t := &txns[i]
		if t.PrevHash != prev {
			return false
		}
		if audit.ChainHash(t.PrevHash, t.Timestamp.UTC().Format(time.RFC3339Nano), transactionPayload(t)) != t.Hash {
			return false
		}
		prev = t.Hash
	}
	return true
}
