package expiry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return NewCoordinator(store, quorum.Default()), store
}

func seedCredit(t *testing.T, store *ledger.MemoryStore, c *credits.Credit) {
	t.Helper()
	require.NoError(t, store.Update(context.Background(), c.ID, func(tx ledger.Tx) error {
		return tx.CreateCredit(c)
	}))
}

func listedCredit(id string, amount, price int64, auditors ...string) *credits.Credit {
	return &credits.Credit{
		ID:           id,
		Name:         "reforestation batch",
		Issuer:       "ngo-1",
		Owner:        "ngo-1",
		Amount:       amount,
		State:        credits.StateListed,
		ListingPrice: &price,
		Auditors:     auditors,
	}
}

func TestRequest_OpensAndParksCredit(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2"))

	req, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)
	assert.Equal(t, credits.ExpiryOpen, req.Status)
	assert.Equal(t, credits.StateListed, req.PriorState)
	require.NotNil(t, req.PriorPrice)
	assert.Equal(t, int64(50), *req.PriorPrice)

	// A parked credit is off the market: the price moves onto the request.
	c, err := store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, credits.StatePendingExpiry, c.State)
	assert.Nil(t, c.ListingPrice)
}

func TestRequest_AlreadyPendingConflicts(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2"))

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)

	// A second request races a pending one: conflict, not invalid state,
	// because the first may yet be denied.
	_, err = coord.Request(ctx, "c-1", "ngo-1")
	var conflict *credits.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, credits.Retryable(err))
}

func TestRequest_RequiresListedOrSold(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	c := listedCredit("c-1", 100, 50, "aud-1", "aud-2")
	c.State = credits.StatePendingAudit
	c.ListingPrice = nil
	seedCredit(t, store, c)

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	var invalid *credits.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestRequest_OnlyOwner(t *testing.T) {
	coord, store := newTestCoordinator(t)
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2"))

	_, err := coord.Request(context.Background(), "c-1", "buyer-1")
	var unauthorized *credits.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestVerify_QuorumExpiresCredit(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2", "aud-3"))

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)

	out, err := coord.Verify(ctx, "c-1", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StatePendingExpiry, out.Credit.State)
	assert.Nil(t, out.Transaction)

	out, err = coord.Verify(ctx, "c-1", "aud-2", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StateExpired, out.Credit.State)
	assert.Equal(t, credits.ExpiryVerified, out.Request.Status)
	require.NotNil(t, out.Request.ResolvedAt)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, credits.TransactionExpiry, out.Transaction.Type)

	// Expired is terminal.
	_, err = coord.Verify(ctx, "c-1", "aud-3", credits.DecisionApprove)
	var invalid *credits.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestVerify_DenialRestoresPriorState(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	// Quorum of 2 over a pool of 2: a single rejection makes approval
	// unreachable and denies the request.
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2"))

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)

	out, err := coord.Verify(ctx, "c-1", "aud-1", credits.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, credits.StateListed, out.Credit.State)
	assert.Equal(t, credits.ExpiryRejected, out.Request.Status)
	assert.Nil(t, out.Transaction)

	// The listing survives the round trip, price included.
	c, err := store.GetCredit(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, credits.StateListed, c.State)
	require.NotNil(t, c.ListingPrice)
	assert.Equal(t, int64(50), *c.ListingPrice)

	// No expiry transaction was recorded for the denied request.
	txns, err := store.ListTransactions(ctx, ledger.TransactionFilter{CreditID: "c-1", Type: credits.TransactionExpiry})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestVerify_SoldCreditRevertsToSold(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	c := listedCredit("c-1", 100, 50, "aud-1", "aud-2")
	c.State = credits.StateSold
	c.Owner = "buyer-1"
	c.ListingPrice = nil
	seedCredit(t, store, c)

	req, err := coord.Request(ctx, "c-1", "buyer-1")
	require.NoError(t, err)
	assert.Nil(t, req.PriorPrice)

	out, err := coord.Verify(ctx, "c-1", "aud-1", credits.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, credits.StateSold, out.Credit.State)
	assert.Nil(t, out.Credit.ListingPrice)
}

func TestVerify_DuplicateBallot(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2", "aud-3"))

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)

	_, err = coord.Verify(ctx, "c-1", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)

	_, err = coord.Verify(ctx, "c-1", "aud-1", credits.DecisionApprove)
	var dup *credits.DuplicateVoteError
	require.ErrorAs(t, err, &dup)
}

func TestVerify_UnassignedAuditor(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, listedCredit("c-1", 100, 50, "aud-1", "aud-2"))

	_, err := coord.Request(ctx, "c-1", "ngo-1")
	require.NoError(t, err)

	_, err = coord.Verify(ctx, "c-1", "aud-9", credits.DecisionApprove)
	var unauthorized *credits.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}
