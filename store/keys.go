package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode"

	"mintgate/mg"
)

// NormalizeKey lower-cases raw and strips all whitespace, so equivalent
// spellings of an address or tx id land on the same lock.
func NormalizeKey(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, raw)
}

// HashKey names the lock for a normalized key.
func HashKey(norm string) string {
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:16])
}

// Prefix|Namespace|0|ID
// 0 byte delimited is used to construct composite key from namespace and ID
func compID(prefix int, ns, id string) []byte {
	b := make([]byte, 0, len(id)+len(ns)+2)
	b = append(b, byte(prefix))
	b = append(b, ns...)
	b = append(b, 0)
	b = append(b, id...)
	return b
}

func lockKey(ns, norm string) []byte {
	return compID(mg.LockPrefix, ns, HashKey(norm))
}

func auditKey(ns, norm string) []byte {
	return compID(mg.AuditPrefix, ns, HashKey(norm))
}

// CounterKey is where the named counter lives.
func CounterKey(name string) []byte {
	return compID(mg.CounterPrefix, name, "")
}

func Int64ToByte(val int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(val))
	return buf
}

func ByteToInt64(d []byte) int64 {
	return int64(binary.LittleEndian.Uint64(d))
}
