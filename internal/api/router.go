// Package api exposes the credit lifecycle over HTTP. Authentication is
// terminated upstream; the router trusts the proxy's actor headers and
// enforces role permissions in the service layer.
package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/lifecycle"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/security"
	"github.com/Asusman01/Carbon-Credit-Dapp/pkg/audit"
)

type Auditor interface {
	Append(payload string) *audit.LogEntry
}

type Dependencies struct {
	Logger  *slog.Logger
	Service *lifecycle.Service

	MetricsHandler http.Handler
	TxCache        *TransactionCache
	Auditor        Auditor
	RateLimiter    *security.RedisTokenBucket
	IPAllowlist    []*net.IPNet
	MaxBodyBytes   int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	submitV, err := security.NewJSONSchemaValidator(submitCreditSchema)
	if err != nil {
		return nil, err
	}
	ballotV, err := security.NewJSONSchemaValidator(ballotSchema)
	if err != nil {
		return nil, err
	}
	listingV, err := security.NewJSONSchemaValidator(listingSchema)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByActor))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Get("/quorum", handleQuorum(deps))
		r.Get("/listings", handleListings(deps))

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", handleListCredits(deps))
			r.With(submitV.Middleware).Post("/", handleSubmitCredit(deps))

			r.Route("/{credit_id}", func(r chi.Router) {
				r.Get("/", handleGetCredit(deps))
				r.With(ballotV.Middleware).Post("/ballots", handleCastBallot(deps))

				r.With(listingV.Middleware).Post("/listing", handleListForSale(deps))
				r.Delete("/listing", handleUnlist(deps))
				r.Post("/purchase", handlePurchase(deps))

				r.Post("/expiry", handleRequestExpiry(deps))
				r.With(ballotV.Middleware).Post("/expiry/ballots", handleVerifyExpiry(deps))

				r.Get("/transactions", handleTransactions(deps))
				r.Get("/chain", handleVerifyChain(deps))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

// rateLimitKeyByActor buckets by authenticated actor, falling back to the
// peer address for unauthenticated paths.
func rateLimitKeyByActor(r *http.Request) string {
	if actor := r.Header.Get(ActorIDHeader); actor != "" {
		return "actor:" + actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
