package descriptor

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Canonical returns the form of a descriptor used for identity: surrounding
// whitespace trimmed, scheme lower-cased and the "#remark" fragment removed.
// Two lines that differ only in their remark are the same server.
func Canonical(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i > 0 {
		s = strings.ToLower(s[:i]) + s[i:]
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Fingerprint 返回规范化 URI 的稳定哈希 (blake2b-256 前 16 字节的十六进制)。
func Fingerprint(raw string) string {
	sum := blake2b.Sum256([]byte(Canonical(raw)))
	return hex.EncodeToString(sum[:16])
}
