package models

import "time"

// Режимы полива для WateringEvent.Mode.
const (
	WateringModeAutomatic = "automatic"
	WateringModeManual    = "manual"
)

// SensorReading — долговременная проекция телеметрии. Append-only:
// после вставки не изменяется, только вытесняется более новыми строками.
type SensorReading struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	PlantID  *uint `gorm:"index" json:"plant_id"` // NULL, пока устройство не привязано
	DeviceID uint  `gorm:"index;not null" json:"device_id"`

	SoilMoisture float64  `json:"soil_moisture"`
	TankLevel    float64  `json:"tank_level"`
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	LightLevel   *float64 `json:"light_level"`
	AirQuality   *float64 `json:"air_quality"`

	Timestamp time.Time `gorm:"index;not null" json:"timestamp"` // серверное время приёма
}

// WateringEvent — факт срабатывания помпы. Append-only.
type WateringEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	PlantID         uint      `gorm:"index;not null" json:"plant_id"`
	DurationSeconds int       `json:"duration_seconds"`
	Mode            string    `gorm:"size:32;not null" json:"mode"`
	Timestamp       time.Time `gorm:"index;not null" json:"timestamp"`
}
