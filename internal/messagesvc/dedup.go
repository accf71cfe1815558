package messagesvc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// contentPrefixLen bounds how much content-addressed dedup hashes over
// when no platform-stable source id is available (spec.md §3).
const contentPrefixLen = 200

// DedupHash computes the deduplication fingerprint of spec.md §3:
// sha256("{source}:{source_id}") when a platform id exists, otherwise
// sha256("{session}:{source}:{content[:200]}").
func DedupHash(sessionName, source, sourceID, content string) string {
	var key string
	if sourceID != "" {
		key = fmt.Sprintf("%s:%s", source, sourceID)
	} else {
		key = fmt.Sprintf("%s:%s:%s", sessionName, source, truncateRunes(content, contentPrefixLen))
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
