package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/ledger"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/lifecycle"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/market"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/quorum"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/security"
)

type submitCreditRequest struct {
	Name        string `json:"name"`
	Amount      int64  `json:"amount"`
	DocumentURL string `json:"document_url"`
}

type ballotRequest struct {
	Decision credits.Decision `json:"decision"`
}

type listingRequest struct {
	Price int64 `json:"price"`
}

type creditResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Credit        *credits.Credit `json:"credit"`
}

type creditsResponse struct {
	CorrelationID string            `json:"correlation_id"`
	Credits       []*credits.Credit `json:"credits"`
	Total         int               `json:"total"`
}

type purchaseResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Credit        *credits.Credit      `json:"credit"`
	Transaction   *credits.Transaction `json:"transaction"`
}

type expiryRequestResponse struct {
	CorrelationID string                 `json:"correlation_id"`
	Request       *credits.ExpiryRequest `json:"request"`
}

type transactionsResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Transactions  []credits.Transaction `json:"transactions"`
	Cached        bool                  `json:"cached"`
}

type chainResponse struct {
	CorrelationID string `json:"correlation_id"`
	CreditID      string `json:"credit_id"`
	Intact        bool   `json:"intact"`
}

type quorumResponse struct {
	CorrelationID string             `json:"correlation_id"`
	Steps         []quorum.Threshold `json:"steps"`
	Amount        *int64             `json:"amount,omitempty"`
	Required      *int               `json:"required,omitempty"`
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
// Conflicts are the only retryable class; everything else tells the caller
// to re-read before trying again.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *credits.NotFoundError
		unauthorized *credits.UnauthorizedError
		invalidState *credits.InvalidStateError
		duplicate    *credits.DuplicateVoteError
		conflict     *credits.ConflictError
		insufficient *credits.InsufficientAuditorsError
	)
	switch {
	case errors.As(err, &notFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &unauthorized):
		security.WriteJSONError(w, r, http.StatusForbidden, "unauthorized")
	case errors.As(err, &duplicate):
		security.WriteJSONError(w, r, http.StatusConflict, "duplicate_vote")
	case errors.As(err, &conflict):
		security.WriteJSONError(w, r, http.StatusConflict, "conflict")
	case errors.As(err, &invalidState):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "invalid_state")
	case errors.As(err, &insufficient):
		security.WriteJSONError(w, r, http.StatusUnprocessableEntity, "insufficient_auditors")
	case errors.Is(err, lifecycle.ErrInvalidAmount), errors.Is(err, market.ErrInvalidPrice):
		security.WriteJSONError(w, r, http.StatusBadRequest, "validation_error")
	default:
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func handleSubmitCredit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitCreditRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		credit, err := deps.Service.SubmitCredit(r.Context(), identityFromContext(r.Context()), req.Name, req.DocumentURL, req.Amount)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handleListCredits(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := credits.State(r.URL.Query().Get("state"))

		list, err := deps.Service.ListCredits(r.Context(), state)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credits:       list,
			Total:         len(list),
		})
	}
}

func handleGetCredit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credit, err := deps.Service.GetCredit(r.Context(), chi.URLParam(r, "credit_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handleCastBallot(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ballotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		credit, err := deps.Service.CastBallot(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"), req.Decision)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handleListForSale(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req listingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		credit, err := deps.Service.ListCreditForSale(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"), req.Price)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handleUnlist(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credit, err := deps.Service.UnlistCredit(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handlePurchase(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credit, txn, err := deps.Service.PurchaseCredit(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, purchaseResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
			Transaction:   txn,
		})
	}
}

func handleListings(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Service.Listings(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credits:       list,
			Total:         len(list),
		})
	}
}

func handleRequestExpiry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := deps.Service.RequestExpiry(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusCreated, expiryRequestResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Request:       req,
		})
	}
}

func handleVerifyExpiry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ballotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		credit, err := deps.Service.VerifyExpiry(r.Context(), identityFromContext(r.Context()), chi.URLParam(r, "credit_id"), req.Decision)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, creditResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Credit:        credit,
		})
	}
}

func handleTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creditID := chi.URLParam(r, "credit_id")
		filter := ledger.TransactionFilter{CreditID: creditID}
		filter.Type = credits.TransactionType(r.URL.Query().Get("type"))
		if v := r.URL.Query().Get("since"); v != "" {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				filter.Since = ts
			}
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				filter.Limit = i
			}
		}

		cacheKey := creditID + "|" + string(filter.Type) + "|" + r.URL.Query().Get("since") + "|" + r.URL.Query().Get("limit")
		if txns, ok := deps.TxCache.Get(r.Context(), cacheKey); ok {
			writeJSON(w, r, http.StatusOK, transactionsResponse{
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
				Transactions:  txns,
				Cached:        true,
			})
			return
		}

		txns, err := deps.Service.Transactions(r.Context(), filter)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		deps.TxCache.Set(r.Context(), cacheKey, txns)

		writeJSON(w, r, http.StatusOK, transactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transactions:  txns,
		})
	}
}

func handleVerifyChain(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creditID := chi.URLParam(r, "credit_id")
		intact, err := deps.Service.VerifyChain(r.Context(), creditID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		writeJSON(w, r, http.StatusOK, chainResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			CreditID:      creditID,
			Intact:        intact,
		})
	}
}

func handleQuorum(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := quorumResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Steps:         deps.Service.QuorumSteps(),
		}
		if v := r.URL.Query().Get("amount"); v != "" {
			amount, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "validation_error")
				return
			}
			required := deps.Service.RequiredAuditors(amount)
			resp.Amount = &amount
			resp.Required = &required
		}
		writeJSON(w, r, http.StatusOK, resp)
	}
}
