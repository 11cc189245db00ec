package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIssueAndParseDevice(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, expiresIn, err := issuer.IssueDevice("uuid-1", "aa:bb:cc:11:22:33")
	assert.NoError(t, err)
	assert.Equal(t, int64(3600), expiresIn)

	claims, err := issuer.ParseDevice(token)
	assert.NoError(t, err)
	assert.Equal(t, "uuid-1", claims.DeviceUUID)
	assert.Equal(t, "aa:bb:cc:11:22:33", claims.MAC)
}

func TestParseDeviceRejectsForeignSecret(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	other := NewTokenIssuer("other-secret", time.Hour)

	token, _, err := issuer.IssueDevice("uuid-1", "aa:bb:cc:11:22:33")
	assert.NoError(t, err)

	_, err = other.ParseDevice(token)
	assert.Error(t, err)
}

func TestParseDeviceRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", -time.Minute)

	token, _, err := issuer.IssueDevice("uuid-1", "aa:bb:cc:11:22:33")
	assert.NoError(t, err)

	_, err = issuer.ParseDevice(token)
	assert.Error(t, err)
}

func TestParseDeviceRejectsOperatorToken(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, err := issuer.IssueOperator(42, "admin")
	assert.NoError(t, err)

	// пользовательский токен не должен проходить как токен устройства
	_, err = issuer.ParseDevice(token)
	assert.Error(t, err)

	claims, err := issuer.ParseOperator(token)
	assert.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "admin", claims.Role)
}
