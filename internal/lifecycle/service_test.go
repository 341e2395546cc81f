package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/cert"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
)

var (
	ngo     = credits.Identity{ID: "ngo-1", Role: credits.RoleNGO}
	buyer   = credits.Identity{ID: "buyer-1", Role: credits.RoleBuyer}
	auditor = func(id string) credits.Identity {
		return credits.Identity{ID: id, Role: credits.RoleAuditor}
	}
)

func newTestService(t *testing.T, auditors ...string) (*Service, *cert.MemoryBlobStore) {
	t.Helper()
	blobs := cert.NewMemoryBlobStore()
	svc := NewService(Options{
		Store:    ledger.NewMemoryStore(),
		Table:    quorum.Default(),
		Auditors: auditors,
		Certs:    cert.NewIssuer(blobs),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, blobs
}

func TestService_FullLifecycle(t *testing.T) {
	// Registry sized exactly to the quorum for amount=100 so the sampled
	// pool is deterministic.
	svc, blobs := newTestService(t, "aud-1", "aud-2")
	ctx := context.Background()

	credit, err := svc.SubmitCredit(ctx, ngo, "reforestation batch", "https://example.org/docs/1.pdf", 100)
	require.NoError(t, err)
	assert.Equal(t, credits.StatePendingAudit, credit.State)
	assert.ElementsMatch(t, []string{"aud-1", "aud-2"}, credit.Auditors)

	// Two approvals reach quorum.
	_, err = svc.CastBallot(ctx, auditor("aud-1"), credit.ID, credits.DecisionApprove)
	require.NoError(t, err)
	c, err := svc.CastBallot(ctx, auditor("aud-2"), credit.ID, credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StateAudited, c.State)

	c, err = svc.ListCreditForSale(ctx, ngo, credit.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, credits.StateListed, c.State)

	listings, err := svc.Listings(ctx)
	require.NoError(t, err)
	assert.Len(t, listings, 1)

	c, txn, err := svc.PurchaseCredit(ctx, buyer, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.StateSold, c.State)
	assert.Equal(t, "buyer-1", c.Owner)

	// The sale certificate landed in the blob store.
	keys, err := blobs.List(ctx, "certificates/"+credit.ID+"/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, cert.Key(credit.ID, txn.ID), keys[0])

	// The new owner retires the credit.
	_, err = svc.RequestExpiry(ctx, buyer, credit.ID)
	require.NoError(t, err)
	_, err = svc.VerifyExpiry(ctx, auditor("aud-1"), credit.ID, credits.DecisionApprove)
	require.NoError(t, err)
	c, err = svc.VerifyExpiry(ctx, auditor("aud-2"), credit.ID, credits.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, credits.StateExpired, c.State)

	// Sale and expiry certificates, both on an intact chain.
	keys, err = blobs.List(ctx, "certificates/"+credit.ID+"/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	ok, err := svc.VerifyChain(ctx, credit.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	txns, err := svc.Transactions(ctx, ledger.TransactionFilter{CreditID: credit.ID})
	require.NoError(t, err)
	assert.Len(t, txns, 3) // audit, sale, expiry
}

func TestService_RolePermissions(t *testing.T) {
	svc, _ := newTestService(t, "aud-1", "aud-2")
	ctx := context.Background()

	var unauthorized *credits.UnauthorizedError

	// Buyers cannot submit credits.
	_, err := svc.SubmitCredit(ctx, buyer, "batch", "", 100)
	require.ErrorAs(t, err, &unauthorized)

	credit, err := svc.SubmitCredit(ctx, ngo, "batch", "", 100)
	require.NoError(t, err)

	// NGOs cannot vote, auditors cannot purchase.
	_, err = svc.CastBallot(ctx, ngo, credit.ID, credits.DecisionApprove)
	require.ErrorAs(t, err, &unauthorized)
	_, _, err = svc.PurchaseCredit(ctx, auditor("aud-1"), credit.ID)
	require.ErrorAs(t, err, &unauthorized)

	// Auditors cannot request expiry.
	_, err = svc.RequestExpiry(ctx, auditor("aud-1"), credit.ID)
	require.ErrorAs(t, err, &unauthorized)
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _ := newTestService(t, "aud-1", "aud-2")
	ctx := context.Background()

	_, err := svc.SubmitCredit(ctx, ngo, "batch", "", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// amount=600 needs 3 auditors but only 2 are registered.
	_, err = svc.SubmitCredit(ctx, ngo, "batch", "", 600)
	var insufficient *credits.InsufficientAuditorsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 2, insufficient.Available)
}

func TestService_SpareAuditorsWidenThePool(t *testing.T) {
	blobs := cert.NewMemoryBlobStore()
	svc := NewService(Options{
		Store:         ledger.NewMemoryStore(),
		Auditors:      []string{"aud-1", "aud-2", "aud-3", "aud-4"},
		SpareAuditors: 1,
		Certs:         cert.NewIssuer(blobs),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	credit, err := svc.SubmitCredit(ctx, ngo, "batch", "", 100)
	require.NoError(t, err)
	// quorum 2 plus one spare
	assert.Len(t, credit.Auditors, 3)

	// With a spare, one rejection does not sink the round.
	rejected := false
	for _, id := range credit.Auditors {
		if !rejected {
			_, err = svc.CastBallot(ctx, auditor(id), credit.ID, credits.DecisionReject)
			rejected = true
		} else {
			_, err = svc.CastBallot(ctx, auditor(id), credit.ID, credits.DecisionApprove)
		}
		require.NoError(t, err)
	}

	c, err := svc.GetCredit(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.StateAudited, c.State)
}

func TestService_QuorumLookup(t *testing.T) {
	svc, _ := newTestService(t, "aud-1", "aud-2", "aud-3")

	assert.Equal(t, 1, svc.RequiredAuditors(10))
	assert.Equal(t, 2, svc.RequiredAuditors(50))
	assert.Equal(t, 3, svc.RequiredAuditors(5000))
	assert.Len(t, svc.QuorumSteps(), 3)

	assert.NoError(t, svc.CheckAuditorCapacity(600))
}

func TestService_RejectedCreditIsTerminal(t *testing.T) {
	svc, _ := newTestService(t, "aud-1", "aud-2")
	ctx := context.Background()

	credit, err := svc.SubmitCredit(ctx, ngo, "batch", "", 100)
	require.NoError(t, err)

	_, err = svc.CastBallot(ctx, auditor(credit.Auditors[0]), credit.ID, credits.DecisionReject)
	require.NoError(t, err)

	c, err := svc.GetCredit(ctx, credit.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.StateRejected, c.State)

	// No listing, no resurrection.
	_, err = svc.ListCreditForSale(ctx, ngo, credit.ID, 50)
	var invalid *credits.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestService_ListCreditsFiltersByState(t *testing.T) {
	svc, _ := newTestService(t, "aud-1", "aud-2")
	ctx := context.Background()

	first, err := svc.SubmitCredit(ctx, ngo, "batch one", "", 100)
	require.NoError(t, err)
	second, err := svc.SubmitCredit(ctx, ngo, "batch two", "", 100)
	require.NoError(t, err)

	// Audit and list the first credit only.
	_, err = svc.CastBallot(ctx, auditor(first.Auditors[0]), first.ID, credits.DecisionApprove)
	require.NoError(t, err)
	_, err = svc.CastBallot(ctx, auditor(first.Auditors[1]), first.ID, credits.DecisionApprove)
	require.NoError(t, err)
	_, err = svc.ListCreditForSale(ctx, ngo, first.ID, 50)
	require.NoError(t, err)

	all, err := svc.ListCredits(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	listed, err := svc.ListCredits(ctx, credits.StateListed)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, first.ID, listed[0].ID)

	pending, err := svc.ListCredits(ctx, credits.StatePendingAudit)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}
