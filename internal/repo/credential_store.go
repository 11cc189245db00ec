package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sprig/internal/identity"
	"sprig/internal/models"
)

// CredentialStore — gorm-реализация хранилища устройств и учёток.
// Счётчики (failed auth, lock, rate-limit) меняются только под
// SELECT ... FOR UPDATE: конкурентные запросы одного устройства не
// теряют инкременты даже при нескольких экземплярах сервиса.
type CredentialStore struct{ db *gorm.DB }

func NewCredentialStore(db *gorm.DB) *CredentialStore { return &CredentialStore{db: db} }

func (s *CredentialStore) CreateDevice(ctx context.Context, d *models.Device, c *models.DeviceCredential) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(d).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return identity.ErrAlreadyRegistered
			}
			return err
		}
		c.DeviceID = d.ID
		return tx.Create(c).Error
	})
}

func (s *CredentialStore) DeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("mac = ?", mac).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &d, err
}

func (s *CredentialStore) DeviceByUUID(ctx context.Context, uuid string) (*models.Device, error) {
	var d models.Device
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &d, err
}

func (s *CredentialStore) CredentialByDeviceUUID(ctx context.Context, uuid string) (*models.DeviceCredential, error) {
	var c models.DeviceCredential
	err := s.db.WithContext(ctx).
		Joins("JOIN devices ON devices.id = device_credentials.device_id").
		Where("devices.uuid = ?", uuid).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.ErrNotFound
	}
	return &c, err
}

// MutateCredential — атомарный read-modify-write над учёткой.
// Ненулевая ошибка из fn откатывает транзакцию без сохранения.
func (s *CredentialStore) MutateCredential(ctx context.Context, uuid string, fn func(*models.DeviceCredential) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d models.Device
		if err := tx.Select("id").Where("uuid = ?", uuid).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return identity.ErrNotFound
			}
			return err
		}
		var c models.DeviceCredential
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", d.ID).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return identity.ErrNotFound
			}
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		return tx.Save(&c).Error
	})
}

// Heartbeat — массовое обновление без загрузки всей записи.
func (s *CredentialStore) Heartbeat(ctx context.Context, uuid string, in identity.HeartbeatInput, at time.Time) error {
	updates := map[string]any{
		"online":            true,
		"last_heartbeat_at": at,
		"last_seen_at":      at,
	}
	if in.BatteryLevel != nil {
		updates["battery_level"] = *in.BatteryLevel
	}
	if in.SignalStrength != nil {
		updates["signal_strength"] = *in.SignalStrength
	}
	if in.FirmwareVersion != "" {
		updates["firmware_version"] = in.FirmwareVersion
	}
	if in.IPAddress != "" {
		updates["ip_address"] = in.IPAddress
	}
	res := s.db.WithContext(ctx).Model(&models.Device{}).Where("uuid = ?", uuid).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// MarkSeen отмечает выход устройства на связь.
func (s *CredentialStore) MarkSeen(ctx context.Context, uuid string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Device{}).
		Where("uuid = ?", uuid).
		Updates(map[string]any{
			"online":       true,
			"last_seen_at": at,
		}).Error
}

// Approve — одобрение устройства оператором. Повторное одобрение
// перезаписывает одобрившего и отметку времени.
func (s *CredentialStore) Approve(ctx context.Context, uuid string, userID uint, plantID *uint, name string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d models.Device
		if err := tx.Where("uuid = ?", uuid).First(&d).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return identity.ErrNotFound
			}
			return err
		}

		devUpdates := map[string]any{"user_id": userID}
		if plantID != nil {
			devUpdates["plant_id"] = *plantID
		}
		if name != "" {
			devUpdates["name"] = name
		}
		if err := tx.Model(&d).Updates(devUpdates).Error; err != nil {
			return err
		}

		res := tx.Model(&models.DeviceCredential{}).
			Where("device_id = ?", d.ID).
			Updates(map[string]any{
				"approved":    true,
				"approved_by": userID,
				"approved_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("device %s has no credential row", uuid)
		}
		return nil
	})
}

// PendingDevices — устройства без одобренной учётки.
func (s *CredentialStore) PendingDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).
		Joins("JOIN device_credentials ON device_credentials.device_id = devices.id").
		Where("device_credentials.approved = ?", false).
		Order("devices.created_at asc").
		Find(&out).Error
	return out, err
}
