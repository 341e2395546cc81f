// Package market implements the listing and purchase flow for audited
// credits. Purchase is the contended path: many buyers may race for one
// listed credit, and exactly one of them may win.
package market

import (
	"context"
	"errors"
	"strconv"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
)

// ErrInvalidPrice rejects listings with a non-positive price.
var ErrInvalidPrice = errors.New("listing price must be positive")

// Engine mediates marketplace operations against the ledger store.
type Engine struct {
	store ledger.Store
}

// NewEngine creates a marketplace engine backed by the given store.
func NewEngine(store ledger.Store) *Engine {
	return &Engine{store: store}
}

// List offers an audited credit for sale at the given price.
func (e *Engine) List(ctx context.Context, creditID, ownerID string, price int64) (*credits.Credit, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	var out *credits.Credit
	err := e.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State != credits.StateAudited {
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionList)}
		}
		if credit.Owner != ownerID {
			return &credits.UnauthorizedError{
				Actor:    ownerID,
				Action:   string(credits.ActionList),
				CreditID: creditID,
				Reason:   "only the current owner may list a credit",
			}
		}

		credit.State = credits.StateListed
		credit.ListingPrice = &price
		if err := tx.PutCredit(credit); err != nil {
			return err
		}
		out = credit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unlist withdraws a listed credit from sale and returns it to Audited.
// A credit that has already been purchased cannot be withdrawn.
func (e *Engine) Unlist(ctx context.Context, creditID, ownerID string) (*credits.Credit, error) {
	var out *credits.Credit
	err := e.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State != credits.StateListed {
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionUnlist)}
		}
		if credit.Owner != ownerID {
			return &credits.UnauthorizedError{
				Actor:    ownerID,
				Action:   string(credits.ActionUnlist),
				CreditID: creditID,
				Reason:   "only the current owner may withdraw a listing",
			}
		}

		credit.State = credits.StateAudited
		credit.ListingPrice = nil
		if err := tx.PutCredit(credit); err != nil {
			return err
		}

		txn := &credits.Transaction{
			CreditID:       creditID,
			Type:           credits.TransactionSaleRemoval,
			Parties:        []string{ownerID},
			ResultingState: credits.StateAudited,
		}
		if err := tx.AppendTransaction(txn); err != nil {
			return err
		}
		out = credit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Purchase transfers a listed credit to the buyer at its listing price.
// The credit's state and version are snapshotted before entering the
// critical section: when the credit turns out to be Sold under a newer
// version, this buyer lost a race that was winnable when they started, and
// gets a retryable conflict instead of an invalid-state error.
func (e *Engine) Purchase(ctx context.Context, creditID, buyerID string) (*credits.Credit, *credits.Transaction, error) {
	snap, err := e.store.GetCredit(ctx, creditID)
	if err != nil {
		return nil, nil, err
	}

	var (
		out *credits.Credit
		txn *credits.Transaction
	)
	err = e.store.Update(ctx, creditID, func(tx ledger.Tx) error {
		credit, err := tx.Credit(creditID)
		if err != nil {
			return err
		}
		if credit.State != credits.StateListed {
			if credit.State == credits.StateSold && credit.Version != snap.Version {
				return &credits.ConflictError{
					CreditID: creditID,
					Reason:   "credit was purchased by a concurrent buyer",
				}
			}
			return &credits.InvalidStateError{CreditID: creditID, State: credit.State, Action: string(credits.ActionPurchase)}
		}
		if credit.Owner == buyerID {
			return &credits.UnauthorizedError{
				Actor:    buyerID,
				Action:   string(credits.ActionPurchase),
				CreditID: creditID,
				Reason:   "owner cannot purchase their own credit",
			}
		}

		seller := credit.Owner
		price := *credit.ListingPrice

		credit.Owner = buyerID
		credit.State = credits.StateSold
		credit.ListingPrice = nil
		if err := tx.PutCredit(credit); err != nil {
			return err
		}

		txn = &credits.Transaction{
			CreditID:       creditID,
			Type:           credits.TransactionSale,
			Parties:        []string{seller, buyerID},
			ResultingState: credits.StateSold,
			Metadata:       map[string]string{"price": strconv.FormatInt(price, 10)},
		}
		if err := tx.AppendTransaction(txn); err != nil {
			return err
		}
		out = credit
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, txn, nil
}

// Listings returns all credits currently offered for sale.
func (e *Engine) Listings(ctx context.Context) ([]*credits.Credit, error) {
	listed, err := e.store.ListCredits(ctx, credits.StateListed)
	if err != nil {
		return nil, err
	}
	out := make([]*credits.Credit, len(listed))
	for i := range listed {
		out[i] = &listed[i]
	}
	return out, nil
}
