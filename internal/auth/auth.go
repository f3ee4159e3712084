// Package auth validates the pre-shared API key the broker requires
// before the core ever sees a session or a control-API request.
package auth

import "net/http"

// Validator checks a caller-supplied key against a configured set.
type Validator struct {
	keys map[string]bool
}

// NewValidator builds a Validator accepting exactly the given keys.
func NewValidator(keys []string) *Validator {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = true
		}
	}
	return &Validator{keys: set}
}

// Valid reports whether key is one of the accepted keys.
func (v *Validator) Valid(key string) bool {
	if key == "" {
		return false
	}
	return v.keys[key]
}

// KeyFromRequest extracts the caller's key from the X-API-Key header,
// falling back to the api_key query parameter.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// Middleware rejects HTTP requests carrying a missing or unknown key with
// 401, and otherwise delegates to next.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Valid(KeyFromRequest(r)) {
			http.Error(w, "invalid or missing API key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
