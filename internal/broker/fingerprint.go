package broker

import (
	"crypto/sha256"
	"encoding/json"
)

// CanonicalJSON serializes v such that logically equal values always
// produce byte-identical output. Go's encoding/json already sorts the keys
// of any map[string]any at every nesting level, so canonicalization reduces
// to a plain Marshal; no custom key-sorting walk is needed. This mirrors the
// crypto/sha256 + stable-serialization style used for name hashing in the
// tool-name sanitizer in features/model/bedrock/tool_name.go.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Fingerprint computes the coalescing key for a tool call: SHA-256 of
// toolName || 0x00 || canonicalJSON(args). An empty return value disables
// coalescing for the call (e.g. when canonicalization fails).
func Fingerprint(toolName string, args map[string]any) [32]byte {
	canon, err := CanonicalJSON(args)
	if err != nil {
		return [32]byte{}
	}
	buf := make([]byte, 0, len(toolName)+1+len(canon))
	buf = append(buf, toolName...)
	buf = append(buf, 0)
	buf = append(buf, canon...)
	return sha256.Sum256(buf)
}

// ZeroFingerprint is the sentinel empty fingerprint meaning "coalescing
// disabled for this call".
var ZeroFingerprint [32]byte
