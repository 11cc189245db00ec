package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"sprig/internal/decision"
	"sprig/internal/identity"
	"sprig/internal/logs"
	"sprig/internal/models"
)

func TestMain(m *testing.M) {
	logs.Init(logs.Options{Level: "error"})
	m.Run()
}

/* ─────────────── фейки для движка решений ─────────────── */

// deviceBridge смотрит в то же хранилище, что и identity: устройство,
// зарегистрированное через API, видно движку без дублирования состояния.
type deviceBridge struct {
	store identity.Store
}

func (b *deviceBridge) DeviceByUUID(ctx context.Context, uuid string) (*models.Device, error) {
	return b.store.DeviceByUUID(ctx, uuid)
}

func (b *deviceBridge) MarkSeen(context.Context, string, time.Time) error { return nil }

type fakePlants struct {
	threshold *models.Threshold
}

func (f *fakePlants) Plant(context.Context, uint) (*models.Plant, error) {
	return &models.Plant{Name: "фикус"}, nil
}

func (f *fakePlants) ActiveThreshold(context.Context, uint) (*models.Threshold, error) {
	return f.threshold, nil
}

type fakeReadings struct {
	readings  int
	waterings int
}

func (f *fakeReadings) AppendReading(context.Context, *models.SensorReading) error {
	f.readings++
	return nil
}

func (f *fakeReadings) AppendWatering(context.Context, *models.WateringEvent) error {
	f.waterings++
	return nil
}

func (f *fakeReadings) TouchLastWatered(context.Context, uint, time.Time) error { return nil }

/* ─────────────────── тестовое окружение ─────────────────── */

type testEnv struct {
	store    identity.Store
	mgr      *identity.Manager
	issuer   *identity.TokenIssuer
	router   *mux.Router
	readings *fakeReadings
	plants   *fakePlants
}

func newTestEnv(t *testing.T, withEngine bool) *testEnv {
	t.Helper()
	store := identity.NewMemStore()
	issuer := identity.NewTokenIssuer("test-secret", time.Hour)
	mgr := identity.NewManager(store, issuer, 720*time.Hour)

	env := &testEnv{
		store:    store,
		mgr:      mgr,
		issuer:   issuer,
		router:   mux.NewRouter(),
		readings: &fakeReadings{},
		plants:   &fakePlants{threshold: &models.Threshold{}},
	}
	var engine *decision.Engine
	if withEngine {
		engine = decision.NewEngine(&deviceBridge{store: store}, env.plants, env.readings, nil)
	}
	RegisterRoutes(env.router, NewHandler(mgr, engine, nil), issuer)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) register(t *testing.T, mac string) *identity.RegisterResult {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/v1/devices/register", "", map[string]string{
		"mac_address": mac,
		"model":       "esp32-s3",
	}, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)

	var res identity.RegisterResult
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return &res
}

/* ─────────────── регистрация и токены ─────────────── */

func TestRegisterEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	res := env.register(t, "AA:BB:CC:11:22:33")
	assert.NotEmpty(t, res.DeviceID)
	assert.NotEmpty(t, res.DeviceToken)
	assert.NotEmpty(t, res.APIKey)
	assert.NotEmpty(t, res.RefreshToken)
	assert.True(t, res.RequiresApproval)
}

func TestRegisterEndpointMetadata(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, http.MethodPost, "/api/v1/devices/register", "", map[string]any{
		"mac_address": "AA:BB:CC:11:22:33",
		"model":       "esp32-s3",
		"metadata":    map[string]any{"hw_rev": "c3", "pump": true},
	}, nil)
	assert.Equal(t, http.StatusCreated, rr.Code)

	var res identity.RegisterResult
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))

	d, err := env.store.DeviceByUUID(context.Background(), res.DeviceID)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"hw_rev":"c3","pump":true}`, string(d.Metadata))
}

func TestRegisterEndpointBadMAC(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, http.MethodPost, "/api/v1/devices/register", "",
		map[string]string{"mac_address": "nope"}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRegisterEndpointConflict(t *testing.T) {
	env := newTestEnv(t, false)
	env.register(t, "AA:BB:CC:11:22:33")
	rr := env.do(t, http.MethodPost, "/api/v1/devices/register", "",
		map[string]string{"mac_address": "aa-bb-cc-11-22-33"}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	rr := env.do(t, http.MethodPost, "/api/v1/devices/refresh-token", "", map[string]string{
		"device_id":     res.DeviceID,
		"refresh_token": res.RefreshToken,
	}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var tok identity.TokenResult
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))
	assert.NotEmpty(t, tok.DeviceToken)
}

func TestRefreshEndpointRejections(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	// подменённый токен и неизвестное устройство — одинаковый 401
	rr := env.do(t, http.MethodPost, "/api/v1/devices/refresh-token", "", map[string]string{
		"device_id":     res.DeviceID,
		"refresh_token": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/devices/refresh-token", "", map[string]string{
		"device_id":     "2f1e0a66-0000-0000-0000-000000000000",
		"refresh_token": "whatever",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

/* ─────────────── канал устройства ─────────────── */

func TestHeartbeatEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	// одобрения не требует: устройство живо и до одобрения
	rr := env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", res.DeviceToken,
		map[string]any{"battery_level": 90.5}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	d, err := env.store.DeviceByUUID(context.Background(), res.DeviceID)
	assert.NoError(t, err)
	assert.True(t, d.Online)

	// пустое тело тоже валидно
	rr = env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", res.DeviceToken, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHeartbeatRequiresToken(t *testing.T) {
	env := newTestEnv(t, false)
	rr := env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", "garbage", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHeartbeatRateLimit(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	for i := 0; i < identity.RateLimit; i++ {
		rr := env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", res.DeviceToken, nil, nil)
		assert.Equal(t, http.StatusOK, rr.Code, "heartbeat %d", i+1)
	}
	rr := env.do(t, http.MethodPost, "/api/v1/devices/heartbeat", res.DeviceToken, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func telemetryBody(soil, tank float64) map[string]any {
	return map[string]any{"soil_moisture": soil, "tank_level": tank}
}

func TestTelemetryRequiresApproval(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.register(t, "AA:BB:CC:11:22:33")

	rr := env.do(t, http.MethodPost, "/api/v1/devices/telemetry", res.DeviceToken,
		telemetryBody(20, 50), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTelemetryDecision(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.register(t, "AA:BB:CC:11:22:33")
	plantID := uint(7)
	assert.NoError(t, env.mgr.ApproveDevice(context.Background(), 1, res.DeviceID, &plantID, ""))

	rr := env.do(t, http.MethodPost, "/api/v1/devices/telemetry", res.DeviceToken,
		telemetryBody(20, 50), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var out struct {
		Command  string `json:"command"`
		Duration int    `json:"duration"`
	}
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "WATER", out.Command)
	assert.Equal(t, 5, out.Duration)
	assert.Equal(t, 1, env.readings.readings)
	assert.Equal(t, 1, env.readings.waterings)
}

func TestTelemetryValidation(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.register(t, "AA:BB:CC:11:22:33")

	cases := []map[string]any{
		{"tank_level": 50.0},    // нет soil_moisture
		{"soil_moisture": 20.0}, // нет tank_level
		telemetryBody(-1, 50),   // вне диапазона [0,100]
		telemetryBody(101, 50),
		telemetryBody(20, 146),
		{"soil_moisture": "wet", "tank_level": 50.0}, // не число
	}
	for i, body := range cases {
		rr := env.do(t, http.MethodPost, "/api/v1/devices/telemetry", res.DeviceToken, body, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "case %d", i)
	}
	// валидация до изменения состояния: ничего не записано
	assert.Zero(t, env.readings.readings)
}

// credFailStore ломает чтение учётки, остальное делегирует.
type credFailStore struct {
	identity.Store
	err error
}

func (s *credFailStore) CredentialByDeviceUUID(context.Context, string) (*models.DeviceCredential, error) {
	return nil, s.err
}

func TestTelemetryStoreFailureIsNotApproval(t *testing.T) {
	base := identity.NewMemStore()
	issuer := identity.NewTokenIssuer("test-secret", time.Hour)
	broken := &credFailStore{Store: base, err: errors.New("db down")}
	mgr := identity.NewManager(broken, issuer, 720*time.Hour)

	readings := &fakeReadings{}
	engine := decision.NewEngine(&deviceBridge{store: base},
		&fakePlants{threshold: &models.Threshold{}}, readings, nil)

	router := mux.NewRouter()
	RegisterRoutes(router, NewHandler(mgr, engine, nil), issuer)
	env := &testEnv{store: base, mgr: mgr, issuer: issuer, router: router, readings: readings}

	res := env.register(t, "AA:BB:CC:11:22:33")

	// сбой проверки одобрения — это 500, а не молчаливый пропуск к решению
	rr := env.do(t, http.MethodPost, "/api/v1/devices/telemetry", res.DeviceToken,
		telemetryBody(20, 50), nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Zero(t, readings.readings)
}

func TestTelemetryWithoutDatabase(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	rr := env.do(t, http.MethodPost, "/api/v1/devices/telemetry", res.DeviceToken,
		telemetryBody(20, 50), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func signBody(t *testing.T, body map[string]any, apiKey string) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.NoError(t, err)
	m := hmac.New(sha256.New, []byte(apiKey))
	m.Write(raw)
	return raw, hex.EncodeToString(m.Sum(nil))
}

func (e *testEnv) doRaw(t *testing.T, path, token string, raw []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestTelemetrySignature(t *testing.T) {
	env := newTestEnv(t, true)
	res := env.register(t, "AA:BB:CC:11:22:33")
	assert.NoError(t, env.mgr.ApproveDevice(context.Background(), 1, res.DeviceID, nil, ""))

	raw, sig := signBody(t, telemetryBody(80, 50), res.APIKey)

	// подпись по сырому телу, и тело должно уйти байт в байт тем же
	rr := env.doRaw(t, "/api/v1/devices/telemetry", res.DeviceToken, raw, map[string]string{
		"X-Signature": sig,
		"X-Api-Key":   res.APIKey,
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	// порченая подпись — 401 и плюс в счётчик перебора
	rr = env.doRaw(t, "/api/v1/devices/telemetry", res.DeviceToken, raw, map[string]string{
		"X-Signature": "deadbeef",
		"X-Api-Key":   res.APIKey,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	c, err := env.store.CredentialByDeviceUUID(context.Background(), res.DeviceID)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.FailedAuthCount)

	// подпись без ключа проверить нечем
	rr = env.doRaw(t, "/api/v1/devices/telemetry", res.DeviceToken, raw, map[string]string{
		"X-Signature": sig,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestVerifyKeyEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	rr := env.do(t, http.MethodPost, "/api/v1/devices/verify-key", res.DeviceToken,
		map[string]string{"api_key": res.APIKey}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"valid":true}`, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/v1/devices/verify-key", res.DeviceToken,
		map[string]string{"api_key": "deadbeef"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"valid":false}`, rr.Body.String())

	c, err := env.store.CredentialByDeviceUUID(context.Background(), res.DeviceID)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.FailedAuthCount)
}

/* ─────────────── операторские ─────────────── */

func TestPendingAndApprove(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	opToken, err := env.issuer.IssueOperator(42, "admin")
	assert.NoError(t, err)

	rr := env.do(t, http.MethodGet, "/api/v1/admin/devices/pending", opToken, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var pending []map[string]any
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &pending))
	assert.Len(t, pending, 1)
	assert.Equal(t, res.DeviceID, pending[0]["device_id"])

	rr = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/devices/%s/approve", res.DeviceID),
		opToken, map[string]any{"plant_id": 7, "device_name": "balcony basil"}, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/admin/devices/pending", opToken, nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestApproveUnknownDevice(t *testing.T) {
	env := newTestEnv(t, false)
	opToken, err := env.issuer.IssueOperator(42, "admin")
	assert.NoError(t, err)

	rr := env.do(t, http.MethodPost,
		"/api/v1/admin/devices/2f1e0a66-0000-0000-0000-000000000000/approve", opToken, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminRejectsDeviceToken(t *testing.T) {
	env := newTestEnv(t, false)
	res := env.register(t, "AA:BB:CC:11:22:33")

	// токен устройства на операторском маршруте не работает
	rr := env.do(t, http.MethodGet, "/api/v1/admin/devices/pending", res.DeviceToken, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
