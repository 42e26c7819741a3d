package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
