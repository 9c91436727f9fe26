package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rl1809/asset-store/internal/core/domain"
)

// errInvalidSignature is the only error VerifySignature returns. It never
// says which input failed to match.
var errInvalidSignature = fmt.Errorf("%w: invalid signature", domain.ErrAuthentication)

// SignWebhook returns hex(HMAC-SHA256(secret, body || timestamp)).
func SignWebhook(secret, body []byte, timestamp string) string {
	return hex.EncodeToString(webhookMAC(secret, body, timestamp))
}

// VerifySignature checks a processor signature header in constant time.
func VerifySignature(secret, body []byte, timestamp, signature string) error {
	if len(secret) == 0 {
		return errInvalidSignature
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return errInvalidSignature
	}
	if !hmac.Equal(webhookMAC(secret, body, timestamp), provided) {
		return errInvalidSignature
	}
	return nil
}

func webhookMAC(secret, body []byte, timestamp string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return mac.Sum(nil)
}
