package web

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/locai-labs/wagateway/internal/auth"
)

type requestIDKey struct{}

// requestIDFrom returns the request id middleware placed in the context, or
// empty when called outside a request.
func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID tags every request with an id, honouring one supplied by the
// caller. Outermost so the recovery log can name the request.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// withRecover converts handler panics into a logged 500 so one bad request
// cannot take the server down.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Log.Error("panic in handler",
					"path", r.URL.Path,
					"request_id", requestIDFrom(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()))
				s.writeError(w, http.StatusInternalServerError, errInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS answers preflight requests and sets the allow headers for
// configured origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.deps.Config.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Tenant-ID, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit enforces the per-client request budget on API routes.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicRoute(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.deps.Limiter.Allow(clientIP(r)) {
			s.writeError(w, http.StatusTooManyRequests, errRateLimit, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth resolves the caller's identity and stores it in the request
// context. Tenant and permission checks happen per handler, after routing.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicRoute(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ac, err := s.deps.Verifier.Authenticate(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, errUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
	})
}

// publicRoute reports whether a path is served without credentials. Metrics
// stays gated: scrapers authenticate with the API key when auth is on.
func publicRoute(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/uploads/")
}

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
// Falls back to the raw RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
