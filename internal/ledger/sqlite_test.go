package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreditRoundTrip(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	price := int64(50)
	in := newTestCredit("c-1")
	in.DocumentURL = "https://example.org/docs/c-1.pdf"

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(in)
	}))

	out, err := store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Issuer, out.Issuer)
	assert.Equal(t, in.Amount, out.Amount)
	assert.Equal(t, in.Auditors, out.Auditors)
	assert.Equal(t, "https://example.org/docs/c-1.pdf", out.DocumentURL)
	assert.Nil(t, out.ListingPrice)
	assert.Equal(t, int64(1), out.Version)

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		c, err := tx.Credit("c-1")
		if err != nil {
			return err
		}
		c.State = credits.StateListed
		c.ListingPrice = &price
		return tx.PutCredit(c)
	}))

	out, err = store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, credits.StateListed, out.State)
	require.NotNil(t, out.ListingPrice)
	assert.Equal(t, int64(50), *out.ListingPrice)
	assert.Equal(t, int64(2), out.Version)
}

func TestSQLiteStore_DuplicateBallotConstraint(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	ballot := credits.AuditBallot{CreditID: "c-1", AuditorID: "aud-1", Decision: credits.DecisionApprove}
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.AddBallot(ballot)
	}))

	err := store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.AddBallot(ballot)
	})
	var dup *credits.DuplicateVoteError
	assert.ErrorAs(t, err, &dup)
}

func TestSQLiteStore_OpenExpiryRequestConstraint(t *testing.T) {
	store := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	price := int64(50)
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateExpiryRequest(&credits.ExpiryRequest{
			CreditID: "c-1", RequestedBy: "ngo-1",
			PriorState: credits.StateListed, PriorPrice: &price, Status: credits.ExpiryOpen,
		})
	}))

	err := store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateExpiryRequest(&credits.ExpiryRequest{
			CreditID: "c-1", RequestedBy: "ngo-1",
			PriorState: credits.StateListed, Status: credits.ExpiryOpen,
		})
	})
	var conflict *credits.ConflictError
	assert.ErrorAs(t, err, &conflict)

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		req, err := tx.OpenExpiryRequest("c-1")
		if err != nil {
			return err
		}
		// The stashed listing price survives the round trip.
		if req.PriorPrice == nil || *req.PriorPrice != price {
			t.Errorf("expected prior price %d, got %v", price, req.PriorPrice)
		}
		req.Status = credits.ExpiryVerified
		now := time.Now().UTC()
		req.ResolvedAt = &now
		req.Ballots = append(req.Ballots, credits.AuditBallot{
			CreditID: "c-1", AuditorID: "aud-1", Decision: credits.DecisionApprove, CastAt: now,
		})
		return tx.PutExpiryRequest(req)
	}))

	// Resolved request round-trips with its verifications.
	listed, err := store.ListCredits(ctx, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestSQLiteStore_TransactionChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		if err := tx.CreateCredit(newTestCredit("c-1")); err != nil {
			return err
		}
		return tx.AppendTransaction(&credits.Transaction{
			CreditID:       "c-1",
			Type:           credits.TransactionAudit,
			Parties:        []string{"ngo-1", "aud-1", "aud-2"},
			ResultingState: credits.StateAudited,
		})
	}))
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.AppendTransaction(&credits.Transaction{
			CreditID:       "c-1",
			Type:           credits.TransactionSale,
			Parties:        []string{"ngo-1", "buyer-1"},
			ResultingState: credits.StateSold,
			Metadata:       map[string]string{"price": "50"},
		})
	}))
	require.NoError(t, store.Close())

	// In-flight state, including the hash chain, survives restarts.
	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.VerifyTransactionChain(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	txns, err := store.ListTransactions(ctx, TransactionFilter{CreditID: "c-1", Type: credits.TransactionSale})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, map[string]string{"price": "50"}, txns[0].Metadata)
}
