// Package namespace derives the storage namespace (table name) for a bucket.
package namespace

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/nucleus/imageindex/internal/apperr"
)

// maxBaseLen keeps the namespace plus the longest index suffix under the
// 63-byte Postgres identifier limit.
const maxBaseLen = 30

// Resolve maps a bucket identifier to a sanitized namespace. The result is
// lowercase [a-z0-9_], never starts with a digit, and ends with a short hash
// of the raw identifier so that ids which sanitize identically stay apart.
func Resolve(bucket string) (string, error) {
	if strings.TrimSpace(bucket) == "" {
		return "", apperr.Configuration("namespace.resolve", errors.New("bucket identifier is required"))
	}
	return sanitize(bucket) + "_" + suffix(bucket), nil
}

func sanitize(raw string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	base := strings.Trim(b.String(), "_")
	if len(base) > maxBaseLen {
		base = strings.TrimRight(base[:maxBaseLen], "_")
	}
	if base == "" || (base[0] >= '0' && base[0] <= '9') {
		base = "a_" + base
		base = strings.TrimRight(base, "_")
	}
	return base
}

func suffix(raw string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(raw))
	return fmt.Sprintf("%08x", h.Sum32())
}
