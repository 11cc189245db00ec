package scheduler

import (
	"context"
	"time"

	"sprig/internal/logs"
	"sprig/internal/models"
)

// Длительность полива для проактивного пути: порог здесь пользовательский,
// а не растительный, так что полосы по threshold'у не применимы.
const defaultWateringSeconds = 5

// Source — данные, которые обходит планировщик. События полива идут через
// тот же append-путь, что и у движка решений: обе ветки видят одну
// историю «когда это растение поливали».
type Source interface {
	UsersWithAutoWatering(ctx context.Context) ([]models.User, error)
	PlantsByUser(ctx context.Context, userID uint) ([]models.Plant, error)
	// LatestReading/LatestWatering возвращают nil без ошибки, если строк нет.
	LatestReading(ctx context.Context, plantID uint) (*models.SensorReading, error)
	LatestWatering(ctx context.Context, plantID uint) (*models.WateringEvent, error)
	AppendWatering(ctx context.Context, e *models.WateringEvent) error
	TouchLastWatered(ctx context.Context, plantID uint, at time.Time) error
}

// AutoWaterer — медленный проактивный путь: раз в период перепроверяет
// все растения пользователей с включённым авто-поливом по их последним
// показаниям. Ловит случаи, когда устройства замолчали, или когда поливом
// управляет политика пользователя, а не порог растения.
type AutoWaterer struct {
	src      Source
	period   time.Duration
	maxAge   time.Duration // показания старше не учитываются
	cooldown time.Duration // минимальная пауза между поливами растения
	now      func() time.Time
}

func New(src Source, period, maxAge, cooldown time.Duration) *AutoWaterer {
	return &AutoWaterer{
		src:      src,
		period:   period,
		maxAge:   maxAge,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Start крутит цикл до отмены контекста. Тики не перекрываются:
// runOnce выполняется синхронно внутри цикла, пропущенные тики тикер
// просто не доставляет.
func (a *AutoWaterer) Start(ctx context.Context) {
	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	logs.Logger.Infof("auto-watering scheduler started, period=%s", a.period)
	for {
		select {
		case <-ctx.Done():
			logs.Logger.Info("auto-watering scheduler stopped")
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce — один обход. Сбой одного растения логируется и не прерывает
// обход остальных.
func (a *AutoWaterer) RunOnce(ctx context.Context) {
	users, err := a.src.UsersWithAutoWatering(ctx)
	if err != nil {
		logs.Logger.Errorf("auto-watering: load users: %v", err)
		return
	}

	for _, u := range users {
		plants, err := a.src.PlantsByUser(ctx, u.ID)
		if err != nil {
			logs.Logger.Errorf("auto-watering: load plants: user=%d err=%v", u.ID, err)
			continue
		}
		for _, p := range plants {
			if err := a.checkPlant(ctx, u, p); err != nil {
				logs.Logger.Errorf("auto-watering: plant=%d err=%v", p.ID, err)
			}
		}
	}
}

func (a *AutoWaterer) checkPlant(ctx context.Context, u models.User, p models.Plant) error {
	now := a.now().UTC()

	r, err := a.src.LatestReading(ctx, p.ID)
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	// Протухшие данные полив не запускают никогда.
	if now.Sub(r.Timestamp) > a.maxAge {
		logs.Logger.Debugf("auto-watering: stale reading skipped: plant=%d age=%s", p.ID, now.Sub(r.Timestamp))
		return nil
	}
	if r.SoilMoisture >= u.MoistureThreshold {
		return nil
	}

	// Защита от залива: одно упорно низкое показание не должно
	// включать помпу каждый тик.
	last, err := a.src.LatestWatering(ctx, p.ID)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(last.Timestamp) < a.cooldown {
		logs.Logger.Debugf("auto-watering: cooldown active: plant=%d since=%s", p.ID, now.Sub(last.Timestamp))
		return nil
	}

	if err := a.src.AppendWatering(ctx, &models.WateringEvent{
		PlantID:         p.ID,
		DurationSeconds: defaultWateringSeconds,
		Mode:            models.WateringModeAutomatic,
		Timestamp:       now,
	}); err != nil {
		return err
	}
	if err := a.src.TouchLastWatered(ctx, p.ID, now); err != nil {
		logs.Logger.Warnf("auto-watering: touch last watered: plant=%d err=%v", p.ID, err)
	}
	logs.Logger.Infof("auto-watering triggered: plant=%d moisture=%.1f threshold=%.1f", p.ID, r.SoilMoisture, u.MoistureThreshold)
	return nil
}
