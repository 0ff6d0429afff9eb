// Package evidence implements the append-only store of captured source
// content that backs every extracted fact.
//
// An Evidence record is immutable after creation: the content hash is
// computed over the exact bytes being persisted, and Verify recomputes it
// from the stored column so a mismatch is always detectable. There is no
// update operation for content — only non-content metadata may be attached.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// ErrDuplicateEvidence is returned by Put when a record with the same
// (url, content hash) pair already exists. The existing record is returned
// alongside, so re-running discovery against unchanged content is a no-op.
var ErrDuplicateEvidence = errors.New("evidence: duplicate (url, content hash)")

// ErrHashMismatch is returned by Verify when the stored content no longer
// hashes to the stored content hash. This is an integrity violation, never
// silently repaired.
var ErrHashMismatch = errors.New("evidence: content hash mismatch")

// ErrNotFound is returned when no record exists for the given ID.
var ErrNotFound = errors.New("evidence: not found")

// Evidence is one captured snapshot of source content.
type Evidence struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	RawContent  []byte `json:"-"`
	ContentHash string `json:"content_hash"`
	ContentType string `json:"content_type"`
	FetchedAt   int64  `json:"fetched_at"` // ms since epoch
	// TextID references the cleaned-text artifact derived for extraction.
	// Attached after creation; the only mutable column.
	TextID string `json:"text_id,omitempty"`
}

// Hash computes the content hash over the exact bytes given.
// This is the only hash function used for evidence — hashing a re-serialized
// variant of the content instead of the persisted bytes is a defect.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Normalize applies the single documented normalization pass used everywhere
// a quote or value is matched against evidence content:
//
//  1. soft hyphens removed
//  2. all Unicode whitespace (incl. NBSP) mapped to ASCII space
//  3. whitespace runs collapsed to one space, ends trimmed
//  4. lowercased
//  5. decimal comma unified to dot between digits ("25,5" → "25.5")
//
// Quote grounding, the composer's no-inference check, and reviewer
// revalidation all call this function rather than re-deriving their own
// variant.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	prevSpace := false
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '­': // soft hyphen
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case r == ',' && i > 0 && i+1 < len(runes) &&
			unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]):
			b.WriteByte('.')
			prevSpace = false
		default:
			b.WriteRune(unicode.ToLower(r))
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// Grounded reports whether quote is a literal substring of content after
// normalization of both sides.
func Grounded(content, quote string) bool {
	q := Normalize(quote)
	if q == "" {
		return false
	}
	return strings.Contains(Normalize(content), q)
}

// ValueInQuote reports whether a value's normalized text appears inside the
// normalized quote — the no-inference invariant for rule values.
func ValueInQuote(value, quote string) bool {
	v := Normalize(value)
	if v == "" {
		return false
	}
	return strings.Contains(Normalize(quote), v)
}
