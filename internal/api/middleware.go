package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"sprig/internal/identity"
	"sprig/internal/models"
)

type ctxKey string

const (
	deviceUUIDKey ctxKey = "device_uuid"
	operatorIDKey ctxKey = "operator_id"
)

func bearerToken(r *http.Request) string {
	const p = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, p) {
		return ""
	}
	return strings.TrimPrefix(auth, p)
}

// DeviceAuth пускает только запросы с валидным bearer-токеном устройства
// (клейм typ=device) и кладёт uuid устройства в контекст.
func DeviceAuth(issuer *identity.TokenIssuer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := issuer.ParseDevice(bearerToken(r))
			if err != nil {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired device token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), deviceUUIDKey, claims.DeviceUUID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuth — токен человека-оператора (выдаёт внешний сервис пользователей).
func OperatorAuth(issuer *identity.TokenIssuer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := issuer.ParseOperator(bearerToken(r))
			if err != nil {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), operatorIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceUUID — uuid устройства из контекста (ставит DeviceAuth).
func DeviceUUID(r *http.Request) string {
	if s, ok := r.Context().Value(deviceUUIDKey).(string); ok {
		return s
	}
	return ""
}

// OperatorID — id оператора из контекста (ставит OperatorAuth).
func OperatorID(r *http.Request) uint {
	if id, ok := r.Context().Value(operatorIDKey).(uint); ok {
		return id
	}
	return 0
}
