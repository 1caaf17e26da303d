package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sandgate-io/sandgate/internal/auth"
	"github.com/sandgate-io/sandgate/internal/database"
	"github.com/sandgate-io/sandgate/internal/gateway"
	"gorm.io/gorm"
)

// AdminTokenSetting holds the bcrypt hash of the admin API token. While it
// is empty the admin surface stays open for local development.
const AdminTokenSetting = "admin_token_hash"

// RequireAdmin guards admin endpoints with a bearer token checked against
// the stored hash.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash, err := database.GetSetting(AdminTokenSetting)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			gateway.WriteError(w, r, fmt.Errorf("load admin token hash: %w", err))
			return
		}
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			gateway.WriteError(w, r, gateway.Unauthorized("missing bearer token"))
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if !auth.CheckToken(token, hash) {
			gateway.WriteError(w, r, gateway.Unauthorized("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
