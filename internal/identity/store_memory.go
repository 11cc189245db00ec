package identity

import (
	"context"
	"sync"
	"time"

	"sprig/internal/models"
)

// memStore — запасной вариант без БД (и основа для unit-тестов).
type memStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device           // uuid → device
	creds   map[string]*models.DeviceCredential // uuid → credential
	byMAC   map[string]string                   // mac → uuid
	nextID  uint
}

func NewMemStore() Store {
	return &memStore{
		devices: map[string]*models.Device{},
		creds:   map[string]*models.DeviceCredential{},
		byMAC:   map[string]string{},
	}
}

func (m *memStore) CreateDevice(_ context.Context, d *models.Device, c *models.DeviceCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byMAC[d.MAC]; ok {
		return ErrAlreadyRegistered
	}
	m.nextID++
	d.ID = m.nextID
	c.DeviceID = d.ID
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	c.CreatedAt, c.UpdatedAt = now, now
	m.devices[d.UUID] = d
	m.creds[d.UUID] = c
	m.byMAC[d.MAC] = d.UUID
	return nil
}

func (m *memStore) DeviceByMAC(_ context.Context, mac string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMAC[mac]
	if !ok {
		return nil, nil
	}
	cp := *m.devices[id]
	return &cp, nil
}

func (m *memStore) DeviceByUUID(_ context.Context, uuid string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) CredentialByDeviceUUID(_ context.Context, uuid string) (*models.DeviceCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) MutateCredential(_ context.Context, uuid string, fn func(*models.DeviceCredential) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[uuid]
	if !ok {
		return ErrNotFound
	}
	cp := *c
	if err := fn(&cp); err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	m.creds[uuid] = &cp
	return nil
}

func (m *memStore) Heartbeat(_ context.Context, uuid string, in HeartbeatInput, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return ErrNotFound
	}
	d.Online = true
	d.LastHeartbeatAt = &at
	d.LastSeenAt = &at
	if in.BatteryLevel != nil {
		d.BatteryLevel = in.BatteryLevel
	}
	if in.SignalStrength != nil {
		d.SignalStrength = in.SignalStrength
	}
	if in.FirmwareVersion != "" {
		d.FirmwareVersion = in.FirmwareVersion
	}
	if in.IPAddress != "" {
		d.IPAddress = in.IPAddress
	}
	d.UpdatedAt = at
	return nil
}

func (m *memStore) Approve(_ context.Context, uuid string, userID uint, plantID *uint, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return ErrNotFound
	}
	c := m.creds[uuid]
	c.Approved = true
	c.ApprovedBy = &userID
	c.ApprovedAt = &at
	c.UpdatedAt = at
	d.UserID = &userID
	if plantID != nil {
		d.PlantID = plantID
	}
	if name != "" {
		d.Name = name
	}
	d.UpdatedAt = at
	return nil
}

func (m *memStore) PendingDevices(_ context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Device
	for uuid, c := range m.creds {
		if !c.Approved {
			out = append(out, *m.devices[uuid])
		}
	}
	return out, nil
}
