package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/Asusman01/Carbon-Credit-Dapp/internal/credits"
	"github.com/Asusman01/Carbon-Credit-Dapp/internal/security"
)

// Identity headers set by the authenticating reverse proxy. The service
// trusts them; verifying the upstream credential is the proxy's job.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

type identityKey struct{}

// RequireIdentity extracts the caller identity from the proxy headers and
// rejects requests without a complete, well-formed one.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ActorIDHeader))
		role := credits.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(ActorRoleHeader))))

		if id == "" {
			security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthenticated")
			return
		}
		switch role {
		case credits.RoleNGO, credits.RoleAuditor, credits.RoleBuyer:
		default:
			security.WriteJSONError(w, r, http.StatusUnauthorized, "unknown_role")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, credits.Identity{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) credits.Identity {
	if v := ctx.Value(identityKey{}); v != nil {
		if id, ok := v.(credits.Identity); ok {
			return id
		}
	}
	return credits.Identity{}
}
