// Package expiry handles owner-initiated retirement of credits. A request
// parks the credit in PendingExpiry; assigned auditors then confirm or deny
// it under the same quorum rule as the initial audit. Denial restores the
// state and listing price the credit held before the request, and appends
// no ledger entry: unlike an audit round, a denied retirement changes no
// lifecycle milestone.
package expiry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
)

// Coordinator manages expiry requests and their verification rounds.
type Coordinator struct {
	store ledger.Store
	table *quorum.Table
}

// NewCoordinator creates an expiry coordinator using the shared quorum table.
func NewCoordinator(store ledger.Store, table *quorum.Table) *Coordinator {
	return &Coordinator{store: store, table: table}
}

// Request opens an expiry request for a Listed or Sold credit. Only the
// current owner may request expiry. A credit already in PendingExpiry
// reports a conflict rather than an invalid state, since the competing
// request may resolve and free the slot.
func (c *Coordinator) Request(ctx context.Context, creditID, requestedBy string) (*credits.ExpiryRequest, error) {
	var req *credits.ExpiryRequest

	err := c.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State == credits.StatePendingExpiry {
			return &credits.ConflictError{
				CreditID: creditID,
				Reason:   "an expiry request is already pending",
			}
		}
		if credit.State != credits.StateListed && credit.State != credits.StateSold {
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionRequestExpiry)}
		}
		if credit.Owner != requestedBy {
			return &credits.UnauthorizedError{
				Actor:    requestedBy,
				Action:   string(credits.ActionRequestExpiry),
				CreditID: creditID,
				Reason:   "only the current owner may request expiry",
			}
		}

		req = &credits.ExpiryRequest{
			ID:          uuid.NewString(),
			CreditID:    creditID,
			RequestedBy: requestedBy,
			PriorState:  credit.State,
			PriorPrice:  credit.ListingPrice,
			Status:      credits.ExpiryOpen,
		}
		if err := tx.CreateExpiryRequest(req); err != nil {
			return err
		}

		// A parked credit is off the market; the price lives on the request
		// until the round denies it.
		credit.State = credits.StatePendingExpiry
		credit.ListingPrice = nil
		return tx.PutCredit(credit)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// VerifyOutcome describes the effect of one expiry verification ballot.
type VerifyOutcome struct {
	Credit  *credits.Credit
	Request *credits.ExpiryRequest
	// Transaction is non-nil iff this ballot expired the credit. A denied
	// request restores the prior state without a ledger entry, since no
	// ownership or lifecycle milestone changed.
	Transaction *credits.Transaction
}

// Verify records one auditor's verdict on the open expiry request.
// Approval quorum expires the credit; an unreachable quorum denies the
// request and restores the state held before it was opened.
func (c *Coordinator) Verify(ctx context.Context, creditID, auditorID string, decision credits.Decision) (*VerifyOutcome, error) {
	var out VerifyOutcome

	err := c.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State != credits.StatePendingExpiry {
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionVerifyExpiry)}
		}
		if !credit.AssignedAuditor(auditorID) {
			return &credits.UnauthorizedError{
				Actor:    auditorID,
				Action:   string(credits.ActionVerifyExpiry),
				CreditID: creditID,
				Reason:   "auditor is not in the credit's assigned pool",
			}
		}

		req, err := tx.OpenExpiryRequest(creditID)
		if err != nil {
			return err
		}
		if req.HasBallotFrom(auditorID) {
			return &credits.DuplicateVoteError{CreditID: creditID, AuditorID: auditorID}
		}

		now := time.Now().UTC()
		req.Ballots = append(req.Ballots, credits.AuditBallot{
			CreditID:  creditID,
			AuditorID: auditorID,
			Decision:  decision,
			CastAt:    now,
		})

		required := c.table.Required(credit.Amount)
		approves := 0
		for _, b := range req.Ballots {
			if b.Decision == credits.DecisionApprove {
				approves++
			}
		}
		remaining := len(credit.Auditors) - len(req.Ballots)

		switch {
		case approves >= required:
			req.Status = credits.ExpiryVerified
			req.ResolvedAt = &now
			credit.State = credits.StateExpired

			parties := []string{credit.Owner}
			for _, b := range req.Ballots {
				parties = append(parties, b.AuditorID)
			}
			txn := &credits.Transaction{
				CreditID:       creditID,
				Type:           credits.TransactionExpiry,
				Parties:        parties,
				ResultingState: credits.StateExpired,
			}
			if err := tx.AppendTransaction(txn); err != nil {
				return err
			}
			out.Transaction = txn
		case approves+remaining < required:
			req.Status = credits.ExpiryRejected
			req.ResolvedAt = &now
			credit.State = req.PriorState
			credit.ListingPrice = req.PriorPrice
		default:
			// Round still open; the ballot alone is recorded.
			if err := tx.PutExpiryRequest(req); err != nil {
				return err
			}
			out.Credit = credit
			out.Request = req
			return nil
		}

		if err := tx.PutExpiryRequest(req); err != nil {
			return err
		}
		if err := tx.PutCredit(credit); err != nil {
			return err
		}
		out.Credit = credit
		out.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
