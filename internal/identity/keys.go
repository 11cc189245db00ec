package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	apiKeyBytes       = 32 // 256 бит, отдаётся устройству один раз
	apiKeySaltBytes   = 16
	refreshTokenBytes = 64 // 512 бит
)

// NewAPIKey генерирует ключ устройства и его argon2id-хэш.
// Открытый ключ наружу, в хранилище — только salt+hash.
func NewAPIKey() (plaintext string, salt, hash []byte, err error) {
	raw := make([]byte, apiKeyBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", nil, nil, err
	}
	salt = make([]byte, apiKeySaltBytes)
	if _, err = rand.Read(salt); err != nil {
		return "", nil, nil, err
	}
	plaintext = hex.EncodeToString(raw)
	hash = HashAPIKey(plaintext, salt)
	return plaintext, salt, hash, nil
}

// HashAPIKey — одностороннее хэширование ключа (те же параметры при
// регистрации и при проверке).
func HashAPIKey(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, 1, 64*1024, 1, 32)
}

// VerifyAPIKeyHash сравнивает хэш кандидата с сохранённым без утечки по времени.
func VerifyAPIKeyHash(candidate string, salt, storedHash []byte) bool {
	h := HashAPIKey(candidate, salt)
	return hmac.Equal(h, storedHash)
}

// NewRefreshToken — случайный opaque-токен в hex.
func NewRefreshToken() (string, error) {
	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// VerifySignature проверяет HMAC-SHA256 сырого payload ключом устройства.
// Токен аутентифицирует канал, подпись — конкретный payload.
func VerifySignature(payload []byte, signatureHex, apiKey string) bool {
	m := hmac.New(sha256.New, []byte(apiKey))
	m.Write(payload)
	want := hex.EncodeToString(m.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signatureHex)), []byte(want))
}
