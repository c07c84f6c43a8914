// Package intel persists findings, timeline events, and AI reports, and
// owns finding identity: the per-asset fingerprint that drives upsert
// deduplication.
package intel

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/darkhound/darkhound/pkg/models"
)

// Fingerprint derives the dedup key for a finding: SHA-256 over the
// asset id, the kind, the normalized title, and the primary technique.
// Two reports of the same issue on the same host collapse to one record
// regardless of wording drift in descriptions.
func Fingerprint(assetID string, kind models.FindingKind, title, technique string) string {
	parts := []string{
		assetID,
		string(kind),
		normalizeTitle(title),
		strings.ToUpper(strings.TrimSpace(technique)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// normalizeTitle lowercases, strips punctuation, and collapses
// whitespace so near-identical titles fingerprint the same.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '-', r == '_', r == '/':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
