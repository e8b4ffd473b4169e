package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// sha256Prefix is the legacy signature header form still emitted by some
// deployments. Verification accepts it; emission is opt-in via config.
const sha256Prefix = "sha256="

// Sign computes the hex-encoded HMAC-SHA256 of the payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether the signature matches the payload under the
// secret. Both the bare-hex and the sha256=<hex> header forms are accepted.
// The comparison is constant-time.
func VerifySignature(secret string, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, sha256Prefix)
	want := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(want)) == 1
}
