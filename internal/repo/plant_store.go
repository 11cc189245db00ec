package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"sprig/internal/models"
)

// PlantStore — read-only доступ к растениям, порогам и владельцам.
// Их CRUD живёт во внешнем слое; ядро только читает.
type PlantStore struct{ db *gorm.DB }

func NewPlantStore(db *gorm.DB) *PlantStore { return &PlantStore{db: db} }

func (s *PlantStore) Plant(ctx context.Context, plantID uint) (*models.Plant, error) {
	var p models.Plant
	err := s.db.WithContext(ctx).First(&p, plantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &p, err
}

// ActiveThreshold — единственная активная запись порогов растения.
// Если активных несколько (данные подпорчены), берём свежайшую и
// не читаем остальные.
func (s *PlantStore) ActiveThreshold(ctx context.Context, plantID uint) (*models.Threshold, error) {
	var t models.Threshold
	err := s.db.WithContext(ctx).
		Where("plant_id = ? AND active = ?", plantID, true).
		Order("updated_at desc").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &t, err
}

func (s *PlantStore) UsersWithAutoWatering(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("auto_watering_enabled = ?", true).
		Find(&users).Error
	return users, err
}

func (s *PlantStore) PlantsByUser(ctx context.Context, userID uint) ([]models.Plant, error) {
	var plants []models.Plant
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&plants).Error
	return plants, err
}
