package reporter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is the deduplication key of a logical error. Timestamps and
// line numbers are not part of the key.
func Fingerprint(name, message, service, method, code string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{name, message, service, method, code}, "|")))
	return hex.EncodeToString(sum[:])[:32]
}
