package mfa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mbd888/discard/internal/idgen"
)

// generateBackupCodes returns BackupCodeCount distinct codes.
func generateBackupCodes() []string {
	seen := make(map[string]bool, BackupCodeCount)
	codes := make([]string, 0, BackupCodeCount)
	for len(codes) < BackupCodeCount {
		c := idgen.Alphanumeric(BackupCodeLength)
		if seen[c] {
			continue
		}
		seen[c] = true
		codes = append(codes, c)
	}
	return codes
}

// normalizeBackupCode uppercases and drops separators users tend to type.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// hashBackupCode is HMAC-SHA256 keyed with the pepper and bound to the card.
func hashBackupCode(pepper []byte, cardHash, code string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(cardHash))
	mac.Write([]byte{0})
	mac.Write([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
