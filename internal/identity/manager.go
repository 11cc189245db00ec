package identity

import (
	"context"
	"crypto/hmac"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"sprig/internal/models"
)

// Политика защиты от перебора и флуда. Счётчики живут в хранилище,
// обновляются только через MutateCredential — корректно при нескольких
// экземплярах сервиса, а не только внутри одного процесса.
const (
	MaxFailedAuth = 5
	LockDuration  = 30 * time.Minute

	// Фиксированное окно: простые границы ценой двукратного burst на стыке.
	RateWindow = time.Hour
	RateLimit  = 120

	DefaultReadingInterval = 300 // секунд
)

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:-][0-9A-Fa-f]{2}){5}$`)

// NormalizeMAC приводит MAC к нижнему регистру с двоеточиями.
func NormalizeMAC(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !macPattern.MatchString(s) {
		return "", ErrBadMAC
	}
	return strings.ToLower(strings.ReplaceAll(s, "-", ":")), nil
}

// Manager — регистрация устройств, выдача/обновление токенов, проверка
// ключей и подписей, lockout и rate-limit.
type Manager struct {
	store      Store
	tokens     *TokenIssuer
	refreshTTL time.Duration
	now        func() time.Time
}

func NewManager(store Store, tokens *TokenIssuer, refreshTTL time.Duration) *Manager {
	return &Manager{store: store, tokens: tokens, refreshTTL: refreshTTL, now: time.Now}
}

type RegisterInput struct {
	MAC             string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	// Произвольные сведения от прошивки (ревизия платы, набор датчиков).
	// Хранятся как есть, ядро их не интерпретирует.
	Metadata datatypes.JSON
}

type RegisterResult struct {
	DeviceID         string `json:"device_id"`
	DeviceToken      string `json:"device_token"`
	APIKey           string `json:"api_key"` // открытым текстом, только здесь
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RequiresApproval bool   `json:"requires_approval"`
}

type TokenResult struct {
	DeviceToken string `json:"device_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Register создаёт неподтверждённое устройство и его учётку.
// Повторная регистрация того же MAC — ErrAlreadyRegistered, а не просто ошибка:
// вызывающему нужно отличать конфликт от проблем транспорта.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	mac, err := NormalizeMAC(in.MAC)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.DeviceByMAC(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("lookup by mac: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyRegistered
	}

	apiKey, salt, hash, err := NewAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := m.now().UTC()
	d := &models.Device{
		UUID:            uuid.NewString(),
		MAC:             mac,
		Model:           in.Model,
		FirmwareVersion: in.FirmwareVersion,
		SerialNumber:    in.SerialNumber,
		ReadingInterval: DefaultReadingInterval,
		Metadata:        in.Metadata,
	}
	c := &models.DeviceCredential{
		APIKeySalt:       salt,
		APIKeyHash:       hash,
		RefreshToken:     refresh,
		TokenExpiresAt:   now.Add(m.tokens.TTL()),
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}
	if err := m.store.CreateDevice(ctx, d, c); err != nil {
		return nil, err
	}

	token, expiresIn, err := m.tokens.IssueDevice(d.UUID, d.MAC)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &RegisterResult{
		DeviceID:         d.UUID,
		DeviceToken:      token,
		APIKey:           apiKey,
		RefreshToken:     refresh,
		ExpiresIn:        expiresIn,
		RequiresApproval: true,
	}, nil
}

// RefreshToken выдаёт новый bearer-токен по refresh-токену.
// Несовпадение кормит счётчик блокировки; истёкший токен — отдельная
// ошибка (важно для диагностики), счётчик не трогает.
func (m *Manager) RefreshToken(ctx context.Context, deviceUUID, refreshToken string) (*TokenResult, error) {
	d, err := m.store.DeviceByUUID(ctx, deviceUUID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}

	var authErr error
	err = m.store.MutateCredential(ctx, deviceUUID, func(c *models.DeviceCredential) error {
		m.refreshLock(c)
		if c.Locked {
			authErr = ErrLocked
			return nil
		}
		if !hmac.Equal([]byte(c.RefreshToken), []byte(refreshToken)) {
			m.noteFailure(c)
			authErr = ErrUnauthorized
			return nil
		}
		if m.now().After(c.RefreshExpiresAt) {
			authErr = ErrRefreshExpired
			return nil
		}
		c.FailedAuthCount = 0
		c.TokenExpiresAt = m.now().UTC().Add(m.tokens.TTL())
		return nil
	})
	if err != nil {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}

	token, expiresIn, err := m.tokens.IssueDevice(d.UUID, d.MAC)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &TokenResult{DeviceToken: token, ExpiresIn: expiresIn}, nil
}

// VerifyAPIKey сверяет кандидата с сохранённым хэшем. Открытый ключ
// нигде не хранится и не логируется.
func (m *Manager) VerifyAPIKey(ctx context.Context, deviceUUID, candidate string) (bool, error) {
	c, err := m.store.CredentialByDeviceUUID(ctx, deviceUUID)
	if err != nil {
		return false, err
	}
	return VerifyAPIKeyHash(candidate, c.APIKeySalt, c.APIKeyHash), nil
}

// IsLocked проверяет блокировку; просроченная блокировка снимается
// на месте со сбросом счётчика (идемпотентно).
func (m *Manager) IsLocked(ctx context.Context, deviceUUID string) (bool, error) {
	locked := false
	err := m.store.MutateCredential(ctx, deviceUUID, func(c *models.DeviceCredential) error {
		m.refreshLock(c)
		locked = c.Locked
		return nil
	})
	return locked, err
}

// IncrementFailedAuth фиксирует неудачную аутентификацию; на пороге
// включает блокировку.
func (m *Manager) IncrementFailedAuth(ctx context.Context, deviceUUID string) error {
	return m.store.MutateCredential(ctx, deviceUUID, func(c *models.DeviceCredential) error {
		m.refreshLock(c)
		m.noteFailure(c)
		return nil
	})
}

// ResetFailedAuth обнуляет счётчик после успешной аутентификации.
// Активную блокировку досрочно не снимает.
func (m *Manager) ResetFailedAuth(ctx context.Context, deviceUUID string) error {
	return m.store.MutateCredential(ctx, deviceUUID, func(c *models.DeviceCredential) error {
		c.FailedAuthCount = 0
		return nil
	})
}

// CheckRateLimit — фиксированное окно: при достижении потолка запрос
// отклоняется без инкремента; истёкшее окно перезапускается.
func (m *Manager) CheckRateLimit(ctx context.Context, deviceUUID string) (bool, error) {
	allowed := false
	err := m.store.MutateCredential(ctx, deviceUUID, func(c *models.DeviceCredential) error {
		now := m.now()
		if c.WindowResetAt == nil || !now.Before(*c.WindowResetAt) {
			reset := now.Add(RateWindow).UTC()
			c.WindowResetAt = &reset
			c.RequestCount = 0
		}
		if c.RequestCount >= RateLimit {
			return nil
		}
		c.RequestCount++
		allowed = true
		return nil
	})
	return allowed, err
}

// IsApproved — прошло ли устройство одобрение оператором.
func (m *Manager) IsApproved(ctx context.Context, deviceUUID string) (bool, error) {
	c, err := m.store.CredentialByDeviceUUID(ctx, deviceUUID)
	if err != nil {
		return false, err
	}
	return c.Approved, nil
}

// ApproveDevice — одобрение человеком. Повторное одобрение разрешено:
// перезаписывает одобрившего и время.
func (m *Manager) ApproveDevice(ctx context.Context, operatorID uint, deviceUUID string, plantID *uint, name string) error {
	return m.store.Approve(ctx, deviceUUID, operatorID, plantID, name, m.now().UTC())
}

// Heartbeat обновляет онлайн-статус и телеметрию самого устройства.
func (m *Manager) Heartbeat(ctx context.Context, deviceUUID string, in HeartbeatInput) error {
	return m.store.Heartbeat(ctx, deviceUUID, in, m.now().UTC())
}

// PendingDevices — список ожидающих одобрения.
func (m *Manager) PendingDevices(ctx context.Context) ([]models.Device, error) {
	return m.store.PendingDevices(ctx)
}

// refreshLock снимает истёкшую блокировку и сбрасывает счётчик.
func (m *Manager) refreshLock(c *models.DeviceCredential) {
	if c.Locked && (c.LockedUntil == nil || !m.now().Before(*c.LockedUntil)) {
		c.Locked = false
		c.LockedUntil = nil
		c.FailedAuthCount = 0
	}
}

// noteFailure копит неудачи; во время активной блокировки попытки
// счётчик не расходуют.
func (m *Manager) noteFailure(c *models.DeviceCredential) {
	if c.Locked {
		return
	}
	c.FailedAuthCount++
	if c.FailedAuthCount >= MaxFailedAuth {
		until := m.now().UTC().Add(LockDuration)
		c.Locked = true
		c.LockedUntil = &until
	}
}
