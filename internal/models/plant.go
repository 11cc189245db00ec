package models

import "time"

// Растения, пороги и владельцы заполняются внешним CRUD-слоем.
// Ядро читает их и обновляет только plants.last_watered_at.

type Plant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID        uint       `gorm:"index;not null" json:"user_id"`
	Name          string     `gorm:"size:255" json:"name"`
	Species       string     `gorm:"size:255" json:"species"`
	LastWateredAt *time.Time `json:"last_watered_at"`
}

// Threshold — активные границы для растения. Инвариант: не больше одной
// активной записи на растение в момент решения.
type Threshold struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	PlantID uint `gorm:"index;not null" json:"plant_id"`
	Active  bool `gorm:"index" json:"active"`

	MinSoilMoisture *float64 `json:"min_soil_moisture"`
	MaxSoilMoisture *float64 `json:"max_soil_moisture"`
	MinTemperature  *float64 `json:"min_temperature"`
	MaxTemperature  *float64 `json:"max_temperature"`
	MinHumidity     *float64 `json:"min_humidity"`
	MaxHumidity     *float64 `json:"max_humidity"`
	MinLight        *float64 `json:"min_light"`
	MaxLight        *float64 `json:"max_light"`

	WateringIntervalHours *int `json:"watering_interval_hours"` // идеальный интервал полива
}

type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Email string `gorm:"uniqueIndex;size:255" json:"email"`
	Name  string `gorm:"size:255" json:"name"`

	// Политика авто-полива уровня пользователя.
	AutoWateringEnabled bool    `json:"auto_watering_enabled"`
	MoistureThreshold   float64 `gorm:"default:30" json:"moisture_threshold"`
}
