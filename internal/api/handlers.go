package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/datatypes"

	"sprig/internal/broadcast"
	"sprig/internal/decision"
	"sprig/internal/identity"
	"sprig/internal/logs"
	"sprig/internal/models"
)

// Handler — HTTP-обработчики ядра. engine/hub могут быть nil в режиме
// без БД: тогда телеметрия отвечает 503, идентичность работает в памяти.
type Handler struct {
	ids    *identity.Manager
	engine *decision.Engine
	hub    *broadcast.Hub
}

func NewHandler(ids *identity.Manager, engine *decision.Engine, hub *broadcast.Hub) *Handler {
	return &Handler{ids: ids, engine: engine, hub: hub}
}

/* ───── Регистрация и токены ───── */

type registerRequest struct {
	MACAddress      string          `json:"mac_address"`
	Model           string          `json:"model"`
	FirmwareVersion string          `json:"firmware_version"`
	SerialNumber    string          `json:"serial_number"`
	Metadata        json.RawMessage `json:"metadata"` // произвольный объект от прошивки
}

// POST /api/v1/devices/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	res, err := h.ids.Register(r.Context(), identity.RegisterInput{
		MAC:             req.MACAddress,
		Model:           req.Model,
		FirmwareVersion: req.FirmwareVersion,
		SerialNumber:    req.SerialNumber,
		Metadata:        datatypes.JSON(req.Metadata),
	})
	switch {
	case errors.Is(err, identity.ErrBadMAC):
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "malformed mac address", nil)
	case errors.Is(err, identity.ErrAlreadyRegistered):
		// конфликт, а не generic-ошибка: MAC уже занят
		models.WriteProblem(w, http.StatusConflict, "Conflict", "device already registered", nil)
	case err != nil:
		logs.Logger.Errorf("register failed: %v", err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "registration failed", nil)
	default:
		models.WriteJSON(w, http.StatusCreated, res)
	}
}

type refreshRequest struct {
	DeviceID     string `json:"device_id"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/v1/devices/refresh-token
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	res, err := h.ids.RefreshToken(r.Context(), req.DeviceID, req.RefreshToken)
	switch {
	case errors.Is(err, identity.ErrLocked):
		logs.Logger.Warnf("refresh rejected, device locked: device=%s", req.DeviceID)
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device locked", nil)
	case errors.Is(err, identity.ErrRefreshExpired):
		// истёкший и подменённый токены разводим в логах, наружу — одинаковый 401
		logs.Logger.Infof("refresh rejected, token expired: device=%s", req.DeviceID)
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "refresh token expired", nil)
	case errors.Is(err, identity.ErrUnauthorized):
		logs.Logger.Warnf("refresh rejected, token mismatch: device=%s", req.DeviceID)
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid refresh token", nil)
	case errors.Is(err, identity.ErrNotFound):
		logs.Logger.Warnf("refresh rejected, unknown device: device=%s", req.DeviceID)
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid refresh token", nil)
	case err != nil:
		logs.Logger.Errorf("refresh failed: device=%s err=%v", req.DeviceID, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "token refresh failed", nil)
	default:
		models.WriteJSON(w, http.StatusOK, res)
	}
}

/* ───── Канал устройства ───── */

type heartbeatRequest struct {
	BatteryLevel    *float64 `json:"battery_level"`
	SignalStrength  *int     `json:"signal_strength"`
	FirmwareVersion string   `json:"firmware_version"`
	IPAddress       string   `json:"ip_address"`
}

// POST /api/v1/devices/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	uuid := DeviceUUID(r)

	allowed, err := h.ids.CheckRateLimit(r.Context(), uuid)
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device not found", nil)
		return
	}
	if err != nil {
		logs.Logger.Errorf("rate limit check failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "heartbeat failed", nil)
		return
	}
	if !allowed {
		models.WriteProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", nil)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	err = h.ids.Heartbeat(r.Context(), uuid, identity.HeartbeatInput{
		BatteryLevel:    req.BatteryLevel,
		SignalStrength:  req.SignalStrength,
		FirmwareVersion: req.FirmwareVersion,
		IPAddress:       req.IPAddress,
	})
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device not found", nil)
		return
	}
	if err != nil {
		logs.Logger.Errorf("heartbeat failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "heartbeat failed", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type telemetryRequest struct {
	SoilMoisture *float64 `json:"soil_moisture"`
	TankLevel    *float64 `json:"tank_level"`
	Temperature  *float64 `json:"air_temp"`
	Humidity     *float64 `json:"air_humidity"`
	LightLevel   *float64 `json:"light_level"`
	AirQuality   *float64 `json:"air_quality"`
}

// POST /api/v1/devices/telemetry
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "telemetry decisions require a database", nil)
		return
	}
	uuid := DeviceUUID(r)

	// Тело читаем целиком: подпись считается по сырым байтам.
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "cannot read body", nil)
		return
	}
	var req telemetryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	// Валидация — до любых изменений состояния.
	if req.SoilMoisture == nil || *req.SoilMoisture < 0 || *req.SoilMoisture > 100 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "soil_moisture must be within [0,100]", nil)
		return
	}
	if req.TankLevel == nil || *req.TankLevel < 0 || *req.TankLevel > 100 {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "tank_level must be within [0,100]", nil)
		return
	}

	allowed, err := h.ids.CheckRateLimit(r.Context(), uuid)
	if errors.Is(err, identity.ErrNotFound) {
		// токен валиден, но устройства уже нет — отдаём ERROR командой
		models.WriteJSON(w, http.StatusOK, decision.Result{Command: decision.CommandError, Message: "unknown device"})
		return
	}
	if err != nil {
		logs.Logger.Errorf("rate limit check failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "telemetry failed", nil)
		return
	}
	if !allowed {
		models.WriteProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", nil)
		return
	}

	locked, err := h.ids.IsLocked(r.Context(), uuid)
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteJSON(w, http.StatusOK, decision.Result{Command: decision.CommandError, Message: "unknown device"})
		return
	}
	if err != nil {
		logs.Logger.Errorf("lock check failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "telemetry failed", nil)
		return
	}
	if locked {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "device locked", nil)
		return
	}

	approved, err := h.ids.IsApproved(r.Context(), uuid)
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteJSON(w, http.StatusOK, decision.Result{Command: decision.CommandError, Message: "unknown device"})
		return
	}
	if err != nil {
		logs.Logger.Errorf("approval check failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "telemetry failed", nil)
		return
	}
	if !approved {
		models.WriteProblem(w, http.StatusForbidden, "Forbidden", "device not approved", nil)
		return
	}

	// Подпись аутентифицирует конкретный payload, токен — только канал.
	if sig := r.Header.Get("X-Signature"); sig != "" {
		if !h.verifySignedPayload(w, r, uuid, raw, sig) {
			return
		}
	}

	res, err := h.engine.Decide(r.Context(), decision.Sample{
		DeviceUUID:   uuid,
		SoilMoisture: *req.SoilMoisture,
		TankLevel:    *req.TankLevel,
		Temperature:  req.Temperature,
		Humidity:     req.Humidity,
		LightLevel:   req.LightLevel,
		AirQuality:   req.AirQuality,
	})
	if err != nil {
		logs.Logger.Errorf("telemetry decision failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "telemetry failed", nil)
		return
	}
	models.WriteJSON(w, http.StatusOK, res)
}

// verifySignedPayload проверяет ключ и HMAC-подпись тела. Невалидные
// учётные данные кормят счётчик блокировки. Сам ключ в логи не попадает.
func (h *Handler) verifySignedPayload(w http.ResponseWriter, r *http.Request, uuid string, raw []byte, sig string) bool {
	apiKey := r.Header.Get("X-Api-Key")
	if apiKey == "" {
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "signature present but api key missing", nil)
		return false
	}
	ok, err := h.ids.VerifyAPIKey(r.Context(), uuid, apiKey)
	if err != nil {
		logs.Logger.Errorf("api key verification failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "telemetry failed", nil)
		return false
	}
	if !ok || !identity.VerifySignature(raw, sig, apiKey) {
		if err := h.ids.IncrementFailedAuth(r.Context(), uuid); err != nil {
			logs.Logger.Errorf("failed-auth increment: device=%s err=%v", uuid, err)
		}
		logs.Logger.Warnf("invalid payload signature: device=%s", uuid)
		models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid signature", nil)
		return false
	}
	if err := h.ids.ResetFailedAuth(r.Context(), uuid); err != nil {
		logs.Logger.Warnf("failed-auth reset: device=%s err=%v", uuid, err)
	}
	return true
}

type verifyKeyRequest struct {
	APIKey string `json:"api_key"`
}

// POST /api/v1/devices/verify-key
func (h *Handler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	uuid := DeviceUUID(r)
	var req verifyKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	ok, err := h.ids.VerifyAPIKey(r.Context(), uuid, req.APIKey)
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device not found", nil)
		return
	}
	if err != nil {
		logs.Logger.Errorf("verify-key failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "verification failed", nil)
		return
	}
	if !ok {
		if err := h.ids.IncrementFailedAuth(r.Context(), uuid); err != nil {
			logs.Logger.Errorf("failed-auth increment: device=%s err=%v", uuid, err)
		}
	} else if err := h.ids.ResetFailedAuth(r.Context(), uuid); err != nil {
		logs.Logger.Warnf("failed-auth reset: device=%s err=%v", uuid, err)
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

/* ───── Операторские ───── */

type approveRequest struct {
	PlantID    *uint  `json:"plant_id"`
	DeviceName string `json:"device_name"`
}

// POST /api/v1/admin/devices/{uuid}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	operatorID := OperatorID(r)

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		models.WriteProblem(w, http.StatusBadRequest, "Bad Request", "invalid json payload", nil)
		return
	}
	err := h.ids.ApproveDevice(r.Context(), operatorID, uuid, req.PlantID, req.DeviceName)
	if errors.Is(err, identity.ErrNotFound) {
		models.WriteProblem(w, http.StatusNotFound, "Not Found", "device not found", nil)
		return
	}
	if err != nil {
		logs.Logger.Errorf("approve failed: device=%s err=%v", uuid, err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "approval failed", nil)
		return
	}
	logs.Logger.Infof("device approved: device=%s operator=%d", uuid, operatorID)
	models.WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type deviceSummary struct {
	DeviceID        string    `json:"device_id"`
	MAC             string    `json:"mac"`
	Model           string    `json:"model"`
	FirmwareVersion string    `json:"firmware_version"`
	SerialNumber    string    `json:"serial_number"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// GET /api/v1/admin/devices/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	devices, err := h.ids.PendingDevices(r.Context())
	if err != nil {
		logs.Logger.Errorf("pending devices: %v", err)
		models.WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "listing failed", nil)
		return
	}
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceSummary{
			DeviceID:        d.UUID,
			MAC:             d.MAC,
			Model:           d.Model,
			FirmwareVersion: d.FirmwareVersion,
			SerialNumber:    d.SerialNumber,
			RegisteredAt:    d.CreatedAt,
		})
	}
	models.WriteJSON(w, http.StatusOK, out)
}

// GET /ws
func (h *Handler) WS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		models.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "realtime updates not available", nil)
		return
	}
	h.hub.ServeWS(w, r)
}
