package engine

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/redbco/redb-modules/pkg/tenancy"
)

// SiteHeader selects the target site of a request.
const SiteHeader = "X-Site-ID"

// Middleware resolves the caller's tenant context.
type Middleware struct {
	engine *Engine
}

func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{engine: engine}
}

// AuthenticationMiddleware resolves the bearer token and requested site into
// a tenancy.Context carried on the request context.
func (m *Middleware) AuthenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			writeErrorResponse(m.engine, w, http.StatusUnauthorized, "Authorization token is required", "")
			return
		}

		siteID, err := requestedSite(r)
		if err != nil {
			writeErrorResponse(m.engine, w, http.StatusBadRequest, "Invalid site id", err.Error())
			return
		}

		tc, err := m.engine.deps.Resolver.Resolve(r.Context(), token, siteID)
		if err != nil {
			writeErrorResponse(m.engine, w, statusFor(err), "Authentication failed", err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(tenancy.WithContext(r.Context(), tc)))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func requestedSite(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(SiteHeader)
	if raw == "" {
		raw = r.URL.Query().Get("site_id")
	}
	if raw == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(raw)
}
