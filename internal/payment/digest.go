package payment

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns the audit digest of a raw webhook body.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}
