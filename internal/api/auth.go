package api

import (
	"net/http"
	"strings"

	"drtdispatch/internal/auth"
)

// principal resolves the caller. With a verifier outside dev mode a valid bearer token is
// required and the tenant comes from its claims. In dev mode a "tenant:role" token or the
// X-Tenant-Id and X-Role headers are trusted.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	tok := bearerToken(r)
	if s.Auth != nil && s.Auth.Mode() != auth.ModeDev {
		return s.Auth.Verify(tok)
	}
	if tok != "" && s.Auth != nil {
		if p, err := s.Auth.Verify(tok); err == nil {
			return p, nil
		}
	}
	p := auth.Principal{Tenant: r.Header.Get("X-Tenant-Id"), Role: strings.ToLower(r.Header.Get("X-Role"))}
	if p.Tenant == "" {
		p.Tenant = s.defaultTenant()
	}
	if p.Role == "" {
		p.Role = auth.RoleAdmin
	}
	return p, nil
}

// bearerToken reads the Authorization header, falling back to ?access_token= for EventSource
// and websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		p, err := s.principal(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="drtdispatch"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		inner := r.WithContext(auth.NewContext(r.Context(), p))
		next.ServeHTTP(w, inner)
		// the mux records the matched route on the request it was handed
		r.Pattern = inner.Pattern
	})
}

// requireRole gates h on the caller's role.
func requireRole(allowed func(auth.Principal) bool, detail string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		if !ok || !allowed(p) {
			writeProblem(w, http.StatusForbidden, "Forbidden", detail, r.URL.Path)
			return
		}
		h(w, r)
	}
}

func adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return requireRole(auth.Principal.IsAdmin, "admin required", h)
}

func dispatcherOnly(h http.HandlerFunc) http.HandlerFunc {
	return requireRole(auth.Principal.CanDispatch, "dispatcher or admin required", h)
}
