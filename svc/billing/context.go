package billing

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

var ErrNoTenant = errors.New("billing: no tenant in request")

// TenantResolver extracts the tenant ID from a request. Deployments plug in
// their own: session lookup, subdomain mapping, API key exchange.
type TenantResolver func(r *http.Request) (uuid.UUID, error)

// HeaderTenantResolver reads the tenant UUID from a header. Suitable behind
// a gateway that authenticates and stamps the header; never expose it raw.
func HeaderTenantResolver(header string) TenantResolver {
	if header == "" {
		header = "X-Tenant-Id"
	}
	return func(r *http.Request) (uuid.UUID, error) {
		raw := r.Header.Get(header)
		if raw == "" {
			return uuid.Nil, ErrNoTenant
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, errors.Join(ErrNoTenant, err)
		}
		return id, nil
	}
}

type tenantCtxKey struct{}

// WithTenant stores the tenant ID in context.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, id)
}

// TenantFromContext returns the tenant ID placed by the middleware.
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantCtxKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// tenantMiddleware resolves the tenant once per request and stores it in
// context; requests without a resolvable tenant are rejected.
func tenantMiddleware(resolver TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "tenant could not be resolved")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), id)))
		})
	}
}
