package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const sessionKeyLength = 16

func GenerateServerHMACToken(serverID, secret string) string {
	cleanServerID := strings.TrimSpace(serverID)
	cleanSecret := strings.TrimSpace(secret)
	if cleanServerID == "" || cleanSecret == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(cleanSecret))
	_, _ = mac.Write([]byte(cleanServerID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifyServerHMACToken(serverID, token, secret string) bool {
	expected := GenerateServerHMACToken(serverID, secret)
	if expected == "" {
		return false
	}

	provided := strings.ToLower(strings.TrimSpace(token))
	if len(provided) != len(expected) {
		return false
	}

	return hmac.Equal([]byte(provided), []byte(expected))
}

// NewSessionKey returns the per-session symmetric key handed to the
// gateway on admission.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, sessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
