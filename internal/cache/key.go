// ABOUTME: Deterministic composite cache key construction.
// ABOUTME: Extra params are hashed over their JCS (RFC 8785) serialization so key
// ABOUTME: construction is order-independent across call sites.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	jsoncanonical "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// keySeparator joins key segments. Segments themselves are sanitized so a
// separator inside an entity id cannot collide with a different key.
const keySeparator = ":"

// BuildKey returns the composite cache key for (category, entityType,
// entityID) plus optional extra parameters. Two call sites passing the same
// extras in any order produce the same key.
func BuildKey(category Category, entityType, entityID string, extras map[string]any) string {
	parts := []string{string(category), sanitizeSegment(entityType), sanitizeSegment(entityID)}
	if len(extras) > 0 {
		parts = append(parts, hashExtras(extras))
	}
	return strings.Join(parts, keySeparator)
}

// hashExtras returns a short stable digest of the extra params. JCS sorts
// object keys during canonicalization, which is what makes the digest
// insertion-order independent.
func hashExtras(extras map[string]any) string {
	raw, err := json.Marshal(extras)
	if err != nil {
		// Non-serializable extras still need a deterministic key; fall back
		// to hashing the fmt representation of the sorted map.
		return fallbackHash(extras)
	}
	jcs, err := jsoncanonical.Transform(raw)
	if err != nil {
		return fallbackHash(extras)
	}
	sum := sha256.Sum256(jcs)
	return hex.EncodeToString(sum[:])[:16]
}

func fallbackHash(extras map[string]any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", extras)))
	return hex.EncodeToString(sum[:])[:16]
}

// sanitizeSegment replaces separator characters inside a key segment.
func sanitizeSegment(s string) string {
	return strings.ReplaceAll(s, keySeparator, "_")
}

// prefixForPattern converts an invalidation pattern into a key prefix.
// Supported forms: "category:*", "category:entity_type:*", and exact keys
// (no wildcard). Returns ("", false) for unsupported patterns.
func prefixForPattern(pattern string) (prefix string, wildcard bool) {
	if strings.HasSuffix(pattern, keySeparator+"*") {
		return strings.TrimSuffix(pattern, "*"), true
	}
	if pattern == "*" {
		return "", true
	}
	return pattern, false
}
