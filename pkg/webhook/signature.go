package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignaturePrefix is the literal prefix of the X-Hub-Signature-256 header.
	SignaturePrefix string = "sha256="

	signatureHexLength = sha256.Size * 2
)

// VerifySignature reports whether header is a valid "sha256=<hex>" HMAC-SHA256
// signature of body keyed with secret.
//
// Malformed headers are not errors, they simply fail verification. The digest
// comparison is done in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}

	provided := header[len(SignaturePrefix):]
	if len(provided) != signatureHexLength {
		return false
	}

	decoded, err := hex.DecodeString(provided)
	if err != nil || len(decoded) != sha256.Size {
		return false
	}

	return hmac.Equal(Sign(secret, body), decoded)
}

// Sign returns the raw HMAC-SHA256 digest of body keyed with secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)

	return mac.Sum(nil)
}

// SignatureHeader returns the X-Hub-Signature-256 header value GitHub would send for body.
func SignatureHeader(secret string, body []byte) string {
	return SignaturePrefix + hex.EncodeToString(Sign(secret, body))
}
