package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/albapepper/slotwatch/internal/api/respond"
)

// UserHeader carries the caller's id. The upstream gateway authenticates the
// request and sets it; this service trusts it as-is.
const UserHeader = "X-User-ID"

type userKey struct{}

// RequireUser rejects requests without UserHeader and stores the id in the
// request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(UserHeader))
		if id == "" {
			respond.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", UserHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

// UserID returns the id stored by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
