package server

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nhalm/accessgate"
)

// maxClientIDLen matches the longest id the credential and counter keys are
// sized for.
const maxClientIDLen = 128

// registerValidations installs the "clientid" tag used by request structs.
var registerValidations = sync.OnceValue(func() error {
	return accessgate.RegisterValidation("clientid", func(fl validator.FieldLevel) bool {
		return validClientID(fl.Field().String())
	})
})

// validClientID accepts 1-128 letters, digits and ". _ @ -". Colons are
// rejected because store keys use them as separators.
func validClientID(id string) bool {
	if id == "" || len(id) > maxClientIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '@', c == '-':
		default:
			return false
		}
	}
	return true
}

// clientIDParam rejects requests whose {clientID} path segment is not a valid id.
func clientIDParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validClientID(chi.URLParam(r, "clientID")) {
			accessgate.SetError(r, accessgate.ErrBadRequest.With("Invalid client id"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
