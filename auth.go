package accessgate

import (
	"crypto/subtle"
	"net/http"
)

// adminKeyConfig configures the AdminKey middleware.
type adminKeyConfig struct {
	// Header is the HTTP header to read the key from (default: "X-Admin-Key")
	Header string
}

// AdminKeyOption configures AdminKey middleware.
type AdminKeyOption func(*adminKeyConfig)

// WithAdminKeyHeader sets the header to read the admin key from.
func WithAdminKeyHeader(header string) AdminKeyOption {
	return func(c *adminKeyConfig) {
		c.Header = header
	}
}

// AdminKey returns middleware that protects operator routes with a single
// shared key, compared in constant time. Missing keys get 401, wrong keys 403.
// An empty key disables the routes entirely: every request gets 403.
//
//	r.Route("/admin", func(r chi.Router) {
//		r.Use(accessgate.AdminKey(cfg.Admin.Key))
//		...
//	})
func AdminKey(key string, opts ...AdminKeyOption) func(http.Handler) http.Handler {
	config := adminKeyConfig{Header: "X-Admin-Key"}
	for _, opt := range opts {
		opt(&config)
	}
	expected := []byte(key)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				writeError(w, r, ErrForbidden.With("Admin API disabled"))
				return
			}

			presented := r.Header.Get(config.Header)
			if presented == "" {
				writeError(w, r, ErrUnauthorized.With("Missing admin key"))
				return
			}

			if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				writeError(w, r, ErrForbidden.With("Invalid admin key"))
				return
			}

			logFields(r.Context(), map[string]any{"admin": true})
			next.ServeHTTP(w, r)
		})
	}
}
