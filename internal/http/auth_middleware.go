package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyOperator authContextKey = "vault-operator"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth checks the operator token before invoking the handler. The
// vault is single-tenant: one static token guards every mutating and
// reading endpoint except health and metrics. An empty configured token
// disables the check; the deployment then relies on its network boundary.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if r.operatorToken == "" {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimSpace(req.Header.Get("X-Vault-Token"))
		if len(token) != len(r.operatorToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.operatorToken)) != 1 {
			r.logger.Warn("operator token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid operator token")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyOperator, true)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func isOperator(ctx context.Context) bool {
	value, _ := ctx.Value(contextKeyOperator).(bool)
	return value
}
