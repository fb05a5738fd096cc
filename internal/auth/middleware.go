package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that validates Bearer API keys.
// Unauthenticated requests get a 401 with a WWW-Authenticate challenge.
func Middleware(store *KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const wwwAuthNoToken = `Bearer realm="chatsync"`

	const wwwAuthInvalid = `Bearer realm="chatsync", error="invalid_token"`

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			var ak *APIKey
			if strings.HasPrefix(token, APIKeyPrefix) {
				ak = store.ValidateAPIKey(token)
			}

			if ak == nil {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("user_id", ak.UserID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, ak.UserID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
