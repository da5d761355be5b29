package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const SignatureHeader = "X-Workflow-Signature"

// Sign returns the hex HMAC-SHA256 of the raw callback body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the bare hex digest or a "sha256=" prefixed one.
func VerifySignature(secret string, body []byte, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	return hmac.Equal([]byte(Sign(secret, body)), []byte(provided))
}
