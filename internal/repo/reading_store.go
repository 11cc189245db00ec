package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sprig/internal/models"
)

// ReadingStore — append-only история показаний и поливов.
// Строки после вставки не меняются, только вытесняются более новыми.
type ReadingStore struct{ db *gorm.DB }

func NewReadingStore(db *gorm.DB) *ReadingStore { return &ReadingStore{db: db} }

func (s *ReadingStore) AppendReading(ctx context.Context, r *models.SensorReading) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *ReadingStore) AppendWatering(ctx context.Context, e *models.WateringEvent) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// TouchLastWatered — точечный update, без загрузки растения целиком.
func (s *ReadingStore) TouchLastWatered(ctx context.Context, plantID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Plant{}).
		Where("id = ?", plantID).
		Update("last_watered_at", at).Error
}

func (s *ReadingStore) LatestReading(ctx context.Context, plantID uint) (*models.SensorReading, error) {
	var r models.SensorReading
	err := s.db.WithContext(ctx).
		Where("plant_id = ?", plantID).
		Order("timestamp desc").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &r, err
}

func (s *ReadingStore) LatestWatering(ctx context.Context, plantID uint) (*models.WateringEvent, error) {
	var e models.WateringEvent
	err := s.db.WithContext(ctx).
		Where("plant_id = ?", plantID).
		Order("timestamp desc").
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &e, err
}
