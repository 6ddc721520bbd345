package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderClientID    = "Client-ID"
	HeaderClientToken = "Client-Token"
)

// ErrUnauthorized is what an Authenticator returns for bad credentials.
// Any other error is treated as an outage.
var ErrUnauthorized = errors.New("unauthorized")

type Authenticator interface {
	Authenticate(ctx context.Context, clientID, token string) error
}

// AuthenticatorFunc adapts a function, typically translating a store's own
// credential error into ErrUnauthorized.
type AuthenticatorFunc func(ctx context.Context, clientID, token string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, clientID, token string) error {
	return f(ctx, clientID, token)
}

type clientIDKey struct{}

func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

func ClientIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIDKey{}).(string)
	return id, ok && id != ""
}

// RequireClient checks the Client-ID / Client-Token pair on every request.
func RequireClient(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := r.Header.Get(HeaderClientID)
			token := r.Header.Get(HeaderClientToken)
			if clientID == "" || token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing client credentials")
				return
			}
			if err := auth.Authenticate(r.Context(), clientID, token); err != nil {
				if errors.Is(err, ErrUnauthorized) {
					logger.Warn("Rejected client credentials", "client_id", clientID)
					writeError(w, http.StatusUnauthorized, "unauthorized", "invalid client credentials")
					return
				}
				logger.Error("Client authentication failed", "client_id", clientID, "err", err)
				writeError(w, http.StatusServiceUnavailable, "unavailable", "authentication unavailable")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClientID(r.Context(), clientID)))
		})
	}
}

// RequestLogger logs one line per request once it has completed.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
