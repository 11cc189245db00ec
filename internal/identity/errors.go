package identity

import "errors"

// Ошибки уровня идентичности. Регистрационный конфликт отделён от
// транспортных/валидационных ошибок, чтобы API мог вернуть 409, а не 500.
var (
	ErrBadMAC            = errors.New("malformed mac address")
	ErrAlreadyRegistered = errors.New("device already registered")
	ErrNotFound          = errors.New("device not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRefreshExpired    = errors.New("refresh token expired")
	ErrLocked            = errors.New("device locked")
	ErrNotApproved       = errors.New("device not approved")
	ErrRateLimited       = errors.New("rate limit exceeded")
)
