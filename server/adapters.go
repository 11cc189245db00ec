package server

import (
	"sprig/internal/decision"
	"sprig/internal/identity"
	"sprig/internal/repo"
	"sprig/internal/scheduler"
)

// Компилятор следит, чтобы gorm-хранилища закрывали контракты потребителей.
var (
	_ identity.Store        = (*repo.CredentialStore)(nil)
	_ decision.DeviceSource = (*repo.CredentialStore)(nil)
	_ decision.PlantSource  = (*repo.PlantStore)(nil)
	_ decision.ReadingStore = (*repo.ReadingStore)(nil)
)

// wateringSource собирает scheduler.Source из двух хранилищ:
// планировщику нужны и растения/пользователи, и история показаний.
type wateringSource struct {
	*repo.PlantStore
	*repo.ReadingStore
}

var _ scheduler.Source = (*wateringSource)(nil)
