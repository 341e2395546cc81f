package auditing

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

func pendingCredit(id string, amount int64, auditors ...string) *credits.Credit {
	return &credits.Credit{
		ID:       id,
		Name:     "reforestation batch",
		Issuer:   "ngo-1",
		Owner:    "ngo-1",
		Amount:   amount,
		State:    credits.StatePendingAudit,
		Auditors: auditors,
	}
}

func TestSubmitBallot_QuorumApproval(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	// amount=100 requires 2 approvals under the default table.
	seedCredit(t, store, pendingCredit("c-1", 100, "aud-1", "aud-2", "aud-3"))

	out, err := coord.SubmitBallot(ctx, "c-1", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StatePendingAudit, out.Credit.State)
	assert.Nil(t, out.Transaction)

	out, err = coord.SubmitBallot(ctx, "c-1", "aud-2", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StateAudited, out.Credit.State)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, credits.TransactionAudit, out.Transaction.Type)
	assert.Equal(t, []string{"ngo-1", "aud-1", "aud-2"}, out.Transaction.Parties)
	assert.NotEmpty(t, out.Transaction.Hash)

	// A late ballot finds the credit out of PendingAudit.
	_, err = coord.SubmitBallot(ctx, "c-1", "aud-3", credits.DecisionApprove)
	var invalid *credits.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, credits.StateAudited, invalid.State)

	// Exactly one audit transaction on the ledger.
	txns, err := store.ListTransactions(ctx, ledger.TransactionFilter{CreditID: "c-1"})
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestSubmitBallot_RejectionWhenQuorumUnreachable(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	// amount=600 requires 3 approvals; the pool has exactly 3 auditors,
	// so a single rejection makes approval unreachable.
	seedCredit(t, store, pendingCredit("c-2", 600, "aud-1", "aud-2", "aud-3"))

	out, err := coord.SubmitBallot(ctx, "c-2", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Nil(t, out.Transaction)

	out, err = coord.SubmitBallot(ctx, "c-2", "aud-2", credits.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, credits.StateRejected, out.Credit.State)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, credits.StateRejected, out.Transaction.ResultingState)
}

func TestSubmitBallot_UnassignedAuditor(t *testing.T) {
	coord, store := newTestCoordinator(t)
	seedCredit(t, store, pendingCredit("c-3", 100, "aud-1", "aud-2"))

	_, err := coord.SubmitBallot(context.Background(), "c-3", "aud-9", credits.DecisionApprove)
	var unauthorized *credits.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, "aud-9", unauthorized.Actor)
}

func TestSubmitBallot_DuplicateVote(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, pendingCredit("c-4", 100, "aud-1", "aud-2", "aud-3"))

	_, err := coord.SubmitBallot(ctx, "c-4", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)

	_, err = coord.SubmitBallot(ctx, "c-4", "aud-1", credits.DecisionReject)
	var dup *credits.DuplicateVoteError
	require.ErrorAs(t, err, &dup)

	// The rejected duplicate left no ballot behind.
	require.NoError(t, store.Update(ctx, "c-4", func(tx ledger.Tx) error {
		ballots, err := tx.Ballots("c-4")
		require.NoError(t, err)
		assert.Len(t, ballots, 1)
		assert.Equal(t, credits.DecisionApprove, ballots[0].Decision)
		return nil
	}))
}

func TestSubmitBallot_SmallAmountSingleApproval(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()

	// amount below the 50 step needs a single approval.
	seedCredit(t, store, pendingCredit("c-5", 10, "aud-1"))

	out, err := coord.SubmitBallot(ctx, "c-5", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StateAudited, out.Credit.State)
	require.NotNil(t, out.Transaction)
}

func TestSubmitBallot_UnknownCredit(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	_, err := coord.SubmitBallot(context.Background(), "missing", "aud-1", credits.DecisionApprove)
	var notFound *credits.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSubmitBallot_BallotsClearedAfterResolution(t *testing.T) {
	coord, store := newTestCoordinator(t)
	ctx := context.Background()
	seedCredit(t, store, pendingCredit("c-6", 100, "aud-1", "aud-2"))

	_, err := coord.SubmitBallot(ctx, "c-6", "aud-1", credits.DecisionApprove)
	require.NoError(t, err)
	_, err = coord.SubmitBallot(ctx, "c-6", "aud-2", credits.DecisionApprove)
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, "c-6", func(tx ledger.Tx) error {
		ballots, err := tx.Ballots("c-6")
		require.NoError(t, err)
		assert.Empty(t, ballots)
		return nil
	}))
}
