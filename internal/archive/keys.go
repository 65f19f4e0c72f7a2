// Package archive stores approved invoices in S3 and hands back a
// locator plus a time-limited download link.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// BuildKey returns <prefix>/YYYY/MM-Month/<digest>/APPROVED_<filename>.
// The digest of the content keeps two different documents with the same
// name apart while a retried upload of the same file lands on the same key.
func BuildKey(prefix string, at time.Time, filename string, content []byte) string {
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])[:12]
	return path.Join(
		strings.Trim(prefix, "/"),
		fmt.Sprintf("%04d", at.Year()),
		at.Format("01-January"),
		digest,
		"APPROVED_"+SafeName(filename),
	)
}

// SafeName strips directories and characters that are awkward in object
// keys.
func SafeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "document"
	}
	return out
}
