package identity

import (
	"context"
	"time"

	"sprig/internal/models"
)

// HeartbeatInput — поля, которые устройство сообщает о себе.
type HeartbeatInput struct {
	BatteryLevel    *float64
	SignalStrength  *int
	FirmwareVersion string
	IPAddress       string
}

// Store — контракт хранилища устройств и их учётных данных.
// Реализации: gorm (internal/repo) и in-memory (store_memory.go).
type Store interface {
	// CreateDevice атомарно создаёт пару устройство+учётка.
	CreateDevice(ctx context.Context, d *models.Device, c *models.DeviceCredential) error

	DeviceByMAC(ctx context.Context, mac string) (*models.Device, error)
	DeviceByUUID(ctx context.Context, uuid string) (*models.Device, error)
	CredentialByDeviceUUID(ctx context.Context, uuid string) (*models.DeviceCredential, error)

	// MutateCredential выполняет read-modify-write над учёткой устройства
	// под блокировкой строки (или мьютексом в памяти). fn мутирует запись;
	// ненулевая ошибка из fn отменяет сохранение.
	MutateCredential(ctx context.Context, deviceUUID string, fn func(*models.DeviceCredential) error) error

	// Heartbeat массово обновляет поля устройства без загрузки всей записи.
	Heartbeat(ctx context.Context, uuid string, in HeartbeatInput, at time.Time) error

	// Approve переводит учётку в одобренные и привязывает устройство
	// к пользователю (и, опционально, растению).
	Approve(ctx context.Context, deviceUUID string, userID uint, plantID *uint, name string, at time.Time) error

	// PendingDevices — устройства, ждущие одобрения.
	PendingDevices(ctx context.Context) ([]models.Device, error)
}
