package decision

import (
	"context"
	"fmt"
	"time"

	"sprig/internal/broadcast"
	"sprig/internal/logs"
	"sprig/internal/models"
)

const (
	// Порог по умолчанию, когда у активного threshold'а нет минимума.
	DefaultMinSoilMoisture = 30.0
	// Ниже этого уровня бака помпу не включаем.
	MinTankLevel = 5.0
)

// Sample — входная телеметрия. Не персистится как есть; долговременная
// проекция — строка SensorReading.
type Sample struct {
	DeviceUUID   string
	SoilMoisture float64
	TankLevel    float64
	Temperature  *float64
	Humidity     *float64
	LightLevel   *float64
	AirQuality   *float64
}

// Result — ответ устройству.
type Result struct {
	Command            Command `json:"command"`
	DurationSeconds    int     `json:"duration,omitempty"`
	Message            string  `json:"message"`
	NextCheckInSeconds int     `json:"next_check_in_seconds,omitempty"`
}

type DeviceSource interface {
	DeviceByUUID(ctx context.Context, uuid string) (*models.Device, error)
	MarkSeen(ctx context.Context, uuid string, at time.Time) error
}

type PlantSource interface {
	Plant(ctx context.Context, plantID uint) (*models.Plant, error)
	// ActiveThreshold возвращает единственную активную запись или nil.
	ActiveThreshold(ctx context.Context, plantID uint) (*models.Threshold, error)
}

type ReadingStore interface {
	AppendReading(ctx context.Context, r *models.SensorReading) error
	AppendWatering(ctx context.Context, e *models.WateringEvent) error
	// TouchLastWatered обновляет plants.last_watered_at без загрузки записи.
	TouchLastWatered(ctx context.Context, plantID uint, at time.Time) error
}

type Broadcaster interface {
	Publish(ev broadcast.ReadingUpdate)
}

// Engine — чистая функция решения над (телеметрия, устройство, растение,
// активный threshold). Чтения идемпотентны, записи — нет: повторная
// отправка того же сэмпла даёт дубликаты строк (ключа идемпотентности
// у телеметрии нет).
type Engine struct {
	devices  DeviceSource
	plants   PlantSource
	readings ReadingStore
	hub      Broadcaster
	now      func() time.Time
}

func NewEngine(devices DeviceSource, plants PlantSource, readings ReadingStore, hub Broadcaster) *Engine {
	return &Engine{devices: devices, plants: plants, readings: readings, hub: hub, now: time.Now}
}

// Decide принимает сэмпл и возвращает команду. Ошибка возвращается только
// на инфраструктурных сбоях, влияющих на решение; любой нормальный исход
// (включая WATER) — это Result, а не ошибка.
func (e *Engine) Decide(ctx context.Context, s Sample) (Result, error) {
	now := e.now().UTC()

	d, err := e.devices.DeviceByUUID(ctx, s.DeviceUUID)
	if err != nil {
		return Result{}, fmt.Errorf("device lookup: %w", err)
	}
	if d == nil {
		return Result{Command: CommandError, Message: "unknown device"}, nil
	}

	// Устройство вышло на связь — отмечаем всегда, независимо от исхода.
	if err := e.devices.MarkSeen(ctx, d.UUID, now); err != nil {
		logs.Logger.Warnf("mark seen failed: device=%s err=%v", d.UUID, err)
	}

	interval := d.ReadingInterval
	if interval <= 0 {
		interval = 300
	}

	reading := &models.SensorReading{
		PlantID:      d.PlantID,
		DeviceID:     d.ID,
		SoilMoisture: s.SoilMoisture,
		TankLevel:    s.TankLevel,
		Temperature:  s.Temperature,
		Humidity:     s.Humidity,
		LightLevel:   s.LightLevel,
		AirQuality:   s.AirQuality,
		Timestamp:    now,
	}
	if err := e.readings.AppendReading(ctx, reading); err != nil {
		return Result{}, fmt.Errorf("append reading: %w", err)
	}

	if d.PlantID == nil {
		return Result{
			Command:            CommandSleep,
			Message:            "device has no plant assigned",
			NextCheckInSeconds: interval,
		}, nil
	}
	plantID := *d.PlantID

	plantName := ""
	if p, err := e.plants.Plant(ctx, plantID); err == nil && p != nil {
		plantName = p.Name
	}
	e.publish(ctx, d.PlantID, plantName, s, now, false)

	th, err := e.plants.ActiveThreshold(ctx, plantID)
	if err != nil {
		return Result{}, fmt.Errorf("threshold lookup: %w", err)
	}
	if th == nil {
		// Не угадываем границы — отчётливое сообщение, чтобы оператор
		// нашёл недонастроенное растение.
		return Result{
			Command:            CommandSleep,
			Message:            "no active threshold configured for plant",
			NextCheckInSeconds: interval,
		}, nil
	}

	minMoisture := DefaultMinSoilMoisture
	if th.MinSoilMoisture != nil {
		minMoisture = *th.MinSoilMoisture
	}
	needsWatering := s.SoilMoisture < minMoisture
	hasWater := s.TankLevel > MinTankLevel

	if needsWatering && hasWater {
		duration := wateringDuration(th.WateringIntervalHours)
		if err := e.readings.AppendWatering(ctx, &models.WateringEvent{
			PlantID:         plantID,
			DurationSeconds: duration,
			Mode:            models.WateringModeAutomatic,
			Timestamp:       now,
		}); err != nil {
			return Result{}, fmt.Errorf("append watering event: %w", err)
		}
		if err := e.readings.TouchLastWatered(ctx, plantID, now); err != nil {
			logs.Logger.Warnf("touch last watered failed: plant=%d err=%v", plantID, err)
		}
		e.publish(ctx, d.PlantID, plantName, s, now, true)
		return Result{
			Command:            CommandWater,
			DurationSeconds:    duration,
			Message:            fmt.Sprintf("watering for %ds", duration),
			NextCheckInSeconds: interval,
		}, nil
	}

	if needsWatering {
		// Место для алерта «вода кончилась»; пока только предупреждение в лог.
		logs.Logger.Warnf("watering needed but tank level too low: plant=%d tank=%.1f", plantID, s.TankLevel)
		return Result{
			Command:            CommandSleep,
			Message:            "tank level too low to water",
			NextCheckInSeconds: interval,
		}, nil
	}
	return Result{
		Command:            CommandSleep,
		Message:            "soil moisture adequate",
		NextCheckInSeconds: interval,
	}, nil
}

// publish — неблокирующая рассылка; сбой слушателей не влияет на ответ.
func (e *Engine) publish(_ context.Context, plantID *uint, plantName string, s Sample, at time.Time, watering bool) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(broadcast.ReadingUpdate{
		PlantID:      plantID,
		PlantName:    plantName,
		SoilMoisture: s.SoilMoisture,
		WaterLevel:   s.TankLevel,
		AirTemp:      s.Temperature,
		AirHumidity:  s.Humidity,
		LightLevel:   s.LightLevel,
		AirQuality:   s.AirQuality,
		Timestamp:    at,
		IsWatering:   watering,
	})
}

// wateringDuration — длительность по идеальному интервалу полива:
// частый полив — короткие импульсы, редкий — длинные.
func wateringDuration(intervalHours *int) int {
	if intervalHours == nil {
		return 5
	}
	switch h := *intervalHours; {
	case h <= 12:
		return 3
	case h <= 48:
		return 5
	default:
		return 8
	}
}
