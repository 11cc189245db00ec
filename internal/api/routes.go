package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"sprig/internal/identity"
)

// RegisterRoutes вешает все маршруты ядра на router.
func RegisterRoutes(root *mux.Router, h *Handler, issuer *identity.TokenIssuer) {
	apiRouter := root.PathPrefix("/api/v1").Subrouter()

	// Открытые для устройств: до первого токена ехать не на чем.
	apiRouter.HandleFunc("/devices/register", h.Register).Methods(http.MethodPost)
	apiRouter.HandleFunc("/devices/refresh-token", h.RefreshToken).Methods(http.MethodPost)

	// Канал устройства — bearer-токен с клеймом typ=device.
	dev := apiRouter.PathPrefix("/devices").Subrouter()
	dev.Use(DeviceAuth(issuer))
	dev.HandleFunc("/heartbeat", h.Heartbeat).Methods(http.MethodPost)
	dev.HandleFunc("/telemetry", h.Telemetry).Methods(http.MethodPost)
	dev.HandleFunc("/verify-key", h.VerifyKey).Methods(http.MethodPost)

	// Операторские — токен человека.
	admin := apiRouter.PathPrefix("/admin").Subrouter()
	admin.Use(OperatorAuth(issuer))
	admin.HandleFunc("/devices/pending", h.Pending).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{uuid:[a-fA-F0-9\\-]{36}}/approve", h.Approve).Methods(http.MethodPost)

	// Realtime-подписка на показания.
	root.HandleFunc("/ws", h.WS).Methods(http.MethodGet)
}
