// Package auditing resolves a credit's transition out of PendingAudit. A
// round resolves to Audited the moment approvals reach quorum, and to
// Rejected the moment approval becomes mathematically unreachable with the
// auditors still eligible to vote.
package auditing

import (
	"context"
	"time"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
)

// Coordinator collects auditor ballots and applies the quorum rule.
type Coordinator struct {
	store ledger.Store
	table *quorum.Table
}

// NewCoordinator creates an audit coordinator using the shared quorum table.
func NewCoordinator(store ledger.Store, table *quorum.Table) *Coordinator {
	return &Coordinator{store: store, table: table}
}

// Outcome describes the effect of one ballot.
type Outcome struct {
	Credit *credits.Credit
	// Transaction is non-nil iff this ballot resolved the round.
	Transaction *credits.Transaction
}

// SubmitBallot records one auditor vote and recomputes the round. The read
// of prior ballots, the quorum decision and all resulting writes commit as
// a single atomic unit inside the credit's critical section.
func (c *Coordinator) SubmitBallot(ctx context.Context, creditID, auditorID string, decision credits.Decision) (*Outcome, error) {
	var out Outcome

	err := c.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State != credits.StatePendingAudit {
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionCastBallot)}
		}
		if !credit.AssignedAuditor(auditorID) {
			return &credits.UnauthorizedError{
				Actor:    auditorID,
				Action:   string(credits.ActionCastBallot),
				CreditID: creditID,
				Reason:   "auditor is not in the credit's assigned pool",
			}
		}

		ballot := credits.AuditBallot{
			CreditID:  creditID,
			AuditorID: auditorID,
			Decision:  decision,
			CastAt:    time.Now().UTC(),
		}
		if err := tx.AddBallot(ballot); err != nil {
			return err
		}

		ballots, err := tx.Ballots(creditID)
		if err != nil {
			return err
		}

		required := c.table.Required(credit.Amount)
		approves := 0
		for _, b := range ballots {
			if b.Decision == credits.DecisionApprove {
				approves++
			}
		}
		remaining := len(credit.Auditors) - len(ballots)

		switch {
		case approves >= required:
			return c.resolve(tx, credit, ballots, credits.StateAudited, &out)
		case approves+remaining < required:
			return c.resolve(tx, credit, ballots, credits.StateRejected, &out)
		default:
			out.Credit = credit
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolve commits the round: state transition, exactly one transaction,
// ballots cleared.
func (c *Coordinator) resolve(tx ledger.Tx, credit *credits.Credit, ballots []credits.AuditBallot, to credits.State, out *Outcome) error {
	credit.State = to
	if err := tx.PutCredit(credit); err != nil {
		return err
	}

	parties := []string{credit.Issuer}
	for _, b := range ballots {
		parties = append(parties, b.AuditorID)
	}
	txn := &credits.Transaction{
		CreditID:       credit.ID,
		Type:           credits.TransactionAudit,
		Parties:        parties,
		ResultingState: to,
	}
	if err := tx.AppendTransaction(txn); err != nil {
		return err
	}
	if err := tx.ClearBallots(credit.ID); err != nil {
		return err
	}

	out.Credit = credit
	out.Transaction = txn
	return nil
}
