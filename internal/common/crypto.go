package common

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

func newMAC(key string, inputs []any) []byte {
	h := hmac.New(sha256.New, []byte(key))
	for _, val := range inputs {
		switch v := val.(type) {
		case []byte:
			h.Write(v)
		case string:
			h.Write([]byte(v))
		default:
			h.Write([]byte(fmt.Sprintf("%v", v)))
		}
	}
	return h.Sum(nil)
}

// CalculateHash returns the hex HMAC-SHA256 of the inputs written in order.
func CalculateHash(key string, inputs ...any) string {
	if len(inputs) == 0 {
		return ""
	}
	return hex.EncodeToString(newMAC(key, inputs))
}

// VerifyHash compares expected with the HMAC of the inputs in constant time.
func VerifyHash(key, expected string, inputs ...any) bool {
	if len(inputs) == 0 || expected == "" {
		return false
	}
	raw, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(raw, newMAC(key, inputs))
}

// GenerateSecret returns a random URL-safe string of n characters.
func GenerateSecret(n int) (string, error) {
	rawSize := (n*3 + 3) / 4
	raw := make([]byte, rawSize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	return secret[:n], nil
}
