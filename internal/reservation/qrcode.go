package reservation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/smartpick/engine/internal/core"
)

const (
	qrPrefix        = "SP-"
	qrRandomBytes   = 8
	qrMinimumLength = 8
)

// GenerateCode builds a pickup code: prefix, base36 timestamp tag for
// traceability, then 64 bits of crypto randomness as 16 hex characters.
// Example: SP-LZ4XMM-3FA2C1D09B77E4A0.
func GenerateCode(nowUnixUTC int64) (string, error) {
	buf := make([]byte, qrRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("qr code entropy: %w", err)
	}
	timeTag := strings.ToUpper(strconv.FormatInt(nowUnixUTC, 36))
	return qrPrefix + timeTag + "-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}

// NormalizeCode trims and upper-cases a scanned code for lookup.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidateCodeFormat fast-fails malformed input before any lookup. The
// prefix check is case-insensitive.
func ValidateCodeFormat(raw string) error {
	normalized := strings.TrimSpace(raw)
	if len(normalized) < qrMinimumLength {
		return fmt.Errorf("%w: code too short", core.ErrInvalidCodeFormat)
	}
	if !strings.EqualFold(normalized[:len(qrPrefix)], qrPrefix) {
		return fmt.Errorf("%w: unrecognized prefix", core.ErrInvalidCodeFormat)
	}
	return nil
}
