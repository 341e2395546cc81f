// Package lifecycle is the application service tying the coordinators
// together. It enforces role permissions, assigns auditor pools at
// submission, and runs the post-commit side effects (registry
// notification, certificate issuance) that must never unwind a committed
// transition.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/auditing"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/cert"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/expiry"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/market"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/metrics"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/registry"
)

// ErrInvalidAmount rejects submissions with a non-positive tonnage.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// Options configures a Service.
type Options struct {
	Store    ledger.Store
	Table    *quorum.Table
	Auditors []string // accredited auditor registry
	// SpareAuditors is how many auditors beyond the quorum requirement are
	// assigned to each credit, giving rounds slack before a single
	// dissent or dropout forces rejection.
	SpareAuditors int
	Notifier      registry.Notifier
	Certs         *cert.Issuer
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Service exposes the credit lifecycle operations.
type Service struct {
	store    ledger.Store
	table    *quorum.Table
	audits   *auditing.Coordinator
	expiries *expiry.Coordinator
	market   *market.Engine

	auditors []string
	spare    int

	notifier registry.Notifier
	certs    *cert.Issuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires a lifecycle service from its options. Notifier, Certs,
// Metrics and Logger are optional.
func NewService(opts Options) *Service {
	if opts.Table == nil {
		opts.Table = quorum.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = registry.NopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:    opts.Store,
		table:    opts.Table,
		audits:   auditing.NewCoordinator(opts.Store, opts.Table),
		expiries: expiry.NewCoordinator(opts.Store, opts.Table),
		market:   market.NewEngine(opts.Store),
		auditors: append([]string(nil), opts.Auditors...),
		spare:    opts.SpareAuditors,
		notifier: opts.Notifier,
		certs:    opts.Certs,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// RequiredAuditors returns the quorum an amount would need.
func (s *Service) RequiredAuditors(amount int64) int {
	return s.table.Required(amount)
}

// QuorumSteps returns the active threshold table.
func (s *Service) QuorumSteps() []quorum.Threshold {
	return s.table.Steps()
}

// CheckAuditorCapacity reports whether the registry can staff a round for
// the given amount.
func (s *Service) CheckAuditorCapacity(amount int64) error {
	need := s.table.Required(amount) + s.spare
	if len(s.auditors) < need {
		return &credits.InsufficientAuditorsError{
			Available: len(s.auditors),
			Required:  need,
			Amount:    amount,
		}
	}
	return nil
}

// samplePool picks n distinct auditors from the registry.
func (s *Service) samplePool(n int) []string {
	pool := make([]string, 0, n)
	for _, idx := range rand.Perm(len(s.auditors))[:n] {
		pool = append(pool, s.auditors[idx])
	}
	return pool
}

// SubmitCredit registers a new credit and places it under audit. The
// auditor pool is sampled once here and stays fixed for the credit's
// lifetime, so later registry changes cannot shift an in-flight round.
func (s *Service) SubmitCredit(ctx context.Context, actor credits.Identity, name, documentURL string, amount int64) (*credits.Credit, error) {
	if err := credits.Permitted(actor, credits.ActionSubmit); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.CheckAuditorCapacity(amount); err != nil {
		return nil, err
	}

	credit := &credits.Credit{
		ID:          uuid.NewString(),
		Name:        name,
		Issuer:      actor.ID,
		Owner:       actor.ID,
		Amount:      amount,
		State:       credits.StatePendingAudit,
		DocumentURL: documentURL,
		Auditors:    s.samplePool(s.table.Required(amount) + s.spare),
	}

	err := s.store.Update(ctx, credit.ID, func(tx ledger.Tx) error {
		return tx.CreateCredit(credit)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(credits.StatePendingAudit)).Inc()
	s.logger.Info("credit submitted",
		"credit_id", credit.ID,
		"issuer", actor.ID,
		"amount", amount,
		"auditors", len(credit.Auditors),
	)
	return credit, nil
}

// CastBallot records an audit vote for the acting auditor.
func (s *Service) CastBallot(ctx context.Context, actor credits.Identity, creditID string, decision credits.Decision) (*credits.Credit, error) {
	if err := credits.Permitted(actor, credits.ActionCastBallot); err != nil {
		return nil, err
	}

	out, err := s.audits.SubmitBallot(ctx, creditID, actor.ID, decision)
	if err != nil {
		s.countConflict("cast_ballot", err)
		return nil, err
	}

	if out.Transaction != nil {
		outcome := "approved"
		if out.Credit.State == credits.StateRejected {
			outcome = "rejected"
		}
		s.metrics.QuorumResolutions.WithLabelValues("audit", outcome).Inc()
		s.metrics.Transitions.WithLabelValues(string(out.Credit.State)).Inc()
		s.logger.Info("audit round resolved",
			"credit_id", creditID,
			"state", out.Credit.State,
			"transaction_id", out.Transaction.ID,
		)
		s.notify(out.Credit, out.Transaction)
	}
	return out.Credit, nil
}

// ListCreditForSale offers an audited credit on the marketplace.
func (s *Service) ListCreditForSale(ctx context.Context, actor credits.Identity, creditID string, price int64) (*credits.Credit, error) {
	if err := credits.Permitted(actor, credits.ActionList); err != nil {
		return nil, err
	}
	credit, err := s.market.List(ctx, creditID, actor.ID, price)
	if err != nil {
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(string(credits.StateListed)).Inc()
	return credit, nil
}

// UnlistCredit withdraws a listing.
func (s *Service) UnlistCredit(ctx context.Context, actor credits.Identity, creditID string) (*credits.Credit, error) {
	if err := credits.Permitted(actor, credits.ActionUnlist); err != nil {
		return nil, err
	}
	credit, err := s.market.Unlist(ctx, creditID, actor.ID)
	if err != nil {
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(string(credits.StateAudited)).Inc()
	return credit, nil
}

// PurchaseCredit buys a listed credit for the acting buyer.
func (s *Service) PurchaseCredit(ctx context.Context, actor credits.Identity, creditID string) (*credits.Credit, *credits.Transaction, error) {
	if err := credits.Permitted(actor, credits.ActionPurchase); err != nil {
		return nil, nil, err
	}

	credit, txn, err := s.market.Purchase(ctx, creditID, actor.ID)
	if err != nil {
		s.countConflict("purchase", err)
		return nil, nil, err
	}

	s.metrics.Transitions.WithLabelValues(string(credits.StateSold)).Inc()
	s.logger.Info("credit sold",
		"credit_id", creditID,
		"buyer", actor.ID,
		"transaction_id", txn.ID,
	)
	s.issueCertificate(credit, txn)
	s.notify(credit, txn)
	return credit, txn, nil
}

// Listings returns all credits currently on the marketplace.
func (s *Service) Listings(ctx context.Context) ([]*credits.Credit, error) {
	return s.market.Listings(ctx)
}

// RequestExpiry opens an expiry request for a credit the actor owns.
func (s *Service) RequestExpiry(ctx context.Context, actor credits.Identity, creditID string) (*credits.ExpiryRequest, error) {
	if err := credits.Permitted(actor, credits.ActionRequestExpiry); err != nil {
		return nil, err
	}
	req, err := s.expiries.Request(ctx, creditID, actor.ID)
	if err != nil {
		s.countConflict("request_expiry", err)
		return nil, err
	}
	s.metrics.Transitions.WithLabelValues(string(credits.StatePendingExpiry)).Inc()
	return req, nil
}

// VerifyExpiry records an expiry verification vote for the acting auditor.
func (s *Service) VerifyExpiry(ctx context.Context, actor credits.Identity, creditID string, decision credits.Decision) (*credits.Credit, error) {
	if err := credits.Permitted(actor, credits.ActionVerifyExpiry); err != nil {
		return nil, err
	}

	out, err := s.expiries.Verify(ctx, creditID, actor.ID, decision)
	if err != nil {
		return nil, err
	}

	if out.Request.Status != credits.ExpiryOpen {
		outcome := "approved"
		if out.Request.Status == credits.ExpiryRejected {
			outcome = "rejected"
		}
		s.metrics.QuorumResolutions.WithLabelValues("expiry", outcome).Inc()
		s.metrics.Transitions.WithLabelValues(string(out.Credit.State)).Inc()
	}
	if out.Transaction != nil {
		s.logger.Info("credit expired",
			"credit_id", creditID,
			"transaction_id", out.Transaction.ID,
		)
		s.issueCertificate(out.Credit, out.Transaction)
		s.notify(out.Credit, out.Transaction)
	}
	return out.Credit, nil
}

// GetCredit returns a credit by ID.
func (s *Service) GetCredit(ctx context.Context, creditID string) (*credits.Credit, error) {
	return s.store.GetCredit(ctx, creditID)
}

// ListCredits returns credits, optionally filtered by state.
func (s *Service) ListCredits(ctx context.Context, state credits.State) ([]*credits.Credit, error) {
	list, err := s.store.ListCredits(ctx, state)
	if err != nil {
		return nil, err
	}
	out := make([]*credits.Credit, len(list))
	for i := range list {
		out[i] = &list[i]
	}
	return out, nil
}

// Transactions returns ledger entries matching the filter.
func (s *Service) Transactions(ctx context.Context, filter ledger.TransactionFilter) ([]credits.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

// VerifyChain checks the integrity of a credit's transaction chain.
func (s *Service) VerifyChain(ctx context.Context, creditID string) (bool, error) {
	return s.store.VerifyTransactionChain(ctx, creditID)
}

// countConflict bumps the conflict counter when the error is a lost race.
func (s *Service) countConflict(operation string, err error) {
	if credits.Retryable(err) {
		s.metrics.Conflicts.WithLabelValues(operation).Inc()
	}
}

// notify delivers a lifecycle event to the registry. The transition has
// already committed; a delivery failure is logged, never propagated.
func (s *Service) notify(credit *credits.Credit, txn *credits.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.notifier.Notify(ctx, registry.Event{
		CreditID:      credit.ID,
		State:         credit.State,
		TransactionID: txn.ID,
		Hash:          txn.Hash,
		OccurredAt:    txn.Timestamp,
	})
	if err != nil {
		s.logger.Error("registry notification dropped", "credit_id", credit.ID, "error", err)
	}
}

// issueCertificate writes the certificate for a finalized transaction.
// Best-effort for the same reason as notify.
func (s *Service) issueCertificate(credit *credits.Credit, txn *credits.Transaction) {
	if s.certs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := s.certs.Issue(ctx, credit, txn)
	if err != nil {
		s.logger.Error("certificate issuance failed", "credit_id", credit.ID, "error", err)
		return
	}
	s.metrics.CertificatesIssued.Inc()
	s.logger.Info("certificate issued", "credit_id", credit.ID, "key", key)
}
