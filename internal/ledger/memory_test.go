package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
)

func newTestCredit(id string) *credits.Credit {
	return &credits.Credit{
		ID:       id,
		Name:     "reforestation batch",
		Issuer:   "ngo-1",
		Owner:    "ngo-1",
		Amount:   100,
		State:    credits.StatePendingAudit,
		Auditors: []string{"aud-1", "aud-2"},
	}
}

func TestMemoryStore_CreateAndGetCredit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	})
	require.NoError(t, err)

	c, err := store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "ngo-1", c.Owner)
	assert.Equal(t, int64(1), c.Version)
	assert.False(t, c.CreatedAt.IsZero())

	_, err = store.GetCredit(ctx, "missing")
	var notFound *credits.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Duplicate creation conflicts.
	err = store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	})
	var conflict *credits.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestMemoryStore_FailedUpdateLeavesNoTrace(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	boom := errors.New("boom")
	err := store.Update(ctx, "c-1", func(tx Tx) error {
		c, err := tx.Credit("c-1")
		require.NoError(t, err)
		c.State = credits.StateAudited
		require.NoError(t, tx.PutCredit(c))
		require.NoError(t, tx.AddBallot(credits.AuditBallot{
			CreditID: "c-1", AuditorID: "aud-1", Decision: credits.DecisionApprove,
		}))
		require.NoError(t, tx.AppendTransaction(&credits.Transaction{
			CreditID: "c-1", Type: credits.TransactionAudit, ResultingState: credits.StateAudited,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, credits.StatePendingAudit, c.State)
	assert.Equal(t, int64(1), c.Version)

	txns, err := store.ListTransactions(ctx, TransactionFilter{CreditID: "c-1"})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestMemoryStore_DuplicateBallot(t *testing.T) {
	store := NewMemoryStore()
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
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "aud-1", dup.AuditorID)

	// Exactly one ballot recorded.
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		ballots, err := tx.Ballots("c-1")
		require.NoError(t, err)
		assert.Len(t, ballots, 1)
		return nil
	}))
}

func TestMemoryStore_SingleOpenExpiryRequest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	req := &credits.ExpiryRequest{
		ID: "req-1", CreditID: "c-1", RequestedBy: "ngo-1",
		PriorState: credits.StateListed, Status: credits.ExpiryOpen,
	}
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateExpiryRequest(req)
	}))

	err := store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateExpiryRequest(&credits.ExpiryRequest{
			ID: "req-2", CreditID: "c-1", RequestedBy: "ngo-1",
			PriorState: credits.StateListed, Status: credits.ExpiryOpen,
		})
	})
	var conflict *credits.ConflictError
	require.ErrorAs(t, err, &conflict)

	// Resolving the open request frees the slot.
	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		open, err := tx.OpenExpiryRequest("c-1")
		require.NoError(t, err)
		open.Status = credits.ExpiryRejected
		now := time.Now().UTC()
		open.ResolvedAt = &now
		return tx.PutExpiryRequest(open)
	}))

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateExpiryRequest(&credits.ExpiryRequest{
			ID: "req-3", CreditID: "c-1", RequestedBy: "ngo-1",
			PriorState: credits.StateListed, Status: credits.ExpiryOpen,
		})
	}))
}

func TestMemoryStore_TransactionChain(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	for _, state := range []credits.State{credits.StateAudited, credits.StateListed} {
		require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
			return tx.AppendTransaction(&credits.Transaction{
				CreditID:       "c-1",
				Type:           credits.TransactionAudit,
				Parties:        []string{"ngo-1"},
				ResultingState: state,
			})
		}))
	}

	ok, err := store.VerifyTransactionChain(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	txns, err := store.ListTransactions(ctx, TransactionFilter{CreditID: "c-1"})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	for _, txn := range txns {
		assert.NotEmpty(t, txn.ID)
		assert.NotEmpty(t, txn.Hash)
	}
}

func TestMemoryStore_BoundedLockWait(t *testing.T) {
	store := NewMemoryStore()
	store.SetLockWait(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, "c-1", func(tx Tx) error {
		return tx.CreateCredit(newTestCredit("c-1"))
	}))

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.Update(ctx, "c-1", func(tx Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	err := store.Update(ctx, "c-1", func(tx Tx) error { return nil })
	close(release)

	var conflict *credits.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, credits.Retryable(err))
}

func TestMemoryStore_IndependentCreditsDoNotBlock(t *testing.T) {
	store := NewMemoryStore()
	store.SetLockWait(100 * time.Millisecond)
	ctx := context.Background()

	for _, id := range []string{"c-1", "c-2"} {
		require.NoError(t, store.Update(ctx, id, func(tx Tx) error {
			return tx.CreateCredit(newTestCredit(id))
		}))
	}

	holding := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = store.Update(ctx, "c-1", func(tx Tx) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	// No global lock: c-2 proceeds while c-1 is held.
	err := store.Update(ctx, "c-2", func(tx Tx) error {
		c, err := tx.Credit("c-2")
		if err != nil {
			return err
		}
		c.State = credits.StateAudited
		return tx.PutCredit(c)
	})
	assert.NoError(t, err)

	close(release)
	wg.Wait()
}
