package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const claimTypeDevice = "device"

// DeviceClaims — клеймы bearer-токена устройства.
type DeviceClaims struct {
	DeviceUUID string `json:"device_id"`
	Type       string `json:"typ"` // маркер "device", чтобы не принять пользовательский токен
	MAC        string `json:"mac"`
	jwt.RegisteredClaims
}

// OperatorClaims — клеймы токена человека-оператора (выдаёт внешний
// пользовательский сервис, мы только проверяем).
type OperatorClaims struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer подписывает и проверяет JWT (HS256).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// TTL возвращает срок жизни выдаваемых токенов.
func (i *TokenIssuer) TTL() time.Duration { return i.ttl }

// IssueDevice выдаёт короткоживущий токен устройства.
func (i *TokenIssuer) IssueDevice(deviceUUID, mac string) (token string, expiresIn int64, err error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceUUID: deviceUUID,
		Type:       claimTypeDevice,
		MAC:        mac,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(i.ttl.Seconds()), nil
}

// ParseDevice валидирует токен устройства.
func (i *TokenIssuer) ParseDevice(tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Type != claimTypeDevice || claims.DeviceUUID == "" {
		return nil, errors.New("not a device token")
	}
	return claims, nil
}

// IssueOperator — токен оператора (используется сервисными утилитами и тестами).
func (i *TokenIssuer) IssueOperator(userID uint, role string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ParseOperator валидирует токен оператора.
func (i *TokenIssuer) ParseOperator(tokenString string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	if err := i.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.UserID == 0 {
		return nil, errors.New("missing user_id")
	}
	return claims, nil
}

func (i *TokenIssuer) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return errors.New("empty token")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}
