package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device — физический блок (датчики почвы/бака + реле помпы).
// Создаётся при регистрации в неподтверждённом виде; ядро его не удаляет.
type Device struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UUID            string         `gorm:"uniqueIndex;size:64;not null" json:"uuid"`
	MAC             string         `gorm:"uniqueIndex;size:64;not null" json:"mac"`
	Name            string         `gorm:"size:255" json:"name"`
	Model           string         `gorm:"size:255" json:"model"`
	FirmwareVersion string         `gorm:"size:64"  json:"firmware_version"`
	SerialNumber    string         `gorm:"size:128" json:"serial_number"`
	Online          bool           `json:"online"`
	LastSeenAt      *time.Time     `json:"last_seen_at"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at"`
	BatteryLevel    *float64       `json:"battery_level"`
	SignalStrength  *int           `json:"signal_strength"`
	IPAddress       string         `gorm:"size:64" json:"ip_address"`
	ReadingInterval int            `gorm:"default:300" json:"reading_interval"` // секунды между замерами
	Metadata        datatypes.JSON `json:"metadata,omitempty"`

	// Пустые до одобрения оператором.
	UserID  *uint `gorm:"index" json:"user_id"`
	PlantID *uint `gorm:"index" json:"plant_id"`
}

// DeviceCredential — чувствительная часть: хэш API-ключа, refresh-токен,
// счётчики блокировки и rate-limit. Ровно одна живая запись на устройство.
type DeviceCredential struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DeviceID uint `gorm:"uniqueIndex;not null" json:"device_id"`

	APIKeySalt []byte `gorm:"size:32;not null" json:"-"`
	APIKeyHash []byte `gorm:"size:64;not null" json:"-"` // открытый ключ не храним

	RefreshToken     string    `gorm:"size:255;not null" json:"-"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	Approved   bool       `json:"approved"`
	ApprovedBy *uint      `json:"approved_by"`
	ApprovedAt *time.Time `json:"approved_at"`

	FailedAuthCount int        `json:"failed_auth_count"`
	Locked          bool       `json:"locked"`
	LockedUntil     *time.Time `json:"locked_until"`

	RequestCount  int        `json:"request_count"`
	WindowResetAt *time.Time `json:"window_reset_at"`
}
