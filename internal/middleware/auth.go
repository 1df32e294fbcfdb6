package middleware

import (
	"context"
	"net/http"

	"tbank-checkout/internal/auth"
	"tbank-checkout/internal/logger"

	"go.uber.org/zap"
)

type contextKey string

const ServiceKey contextKey = "service"

// ServiceFromContext returns the calling service set by ServiceAuth.
func ServiceFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ServiceKey).(string)
	return s, ok && s != ""
}

// ServiceAuth requires a valid bearer service token signed with secret.
func ServiceAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := auth.ExtractAccessToken(r)
			if tokenStr == "" {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			claims, err := auth.ParseServiceToken(secret, tokenStr)
			if err != nil {
				logger.FromCtx(r.Context()).Warn("Rejected service token", zap.Error(err))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ServiceKey, claims.Service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
