package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives a stable identity for a unit of work from the worker
// it targets and its input payload. Equivalent tasks, even across
// workflows, produce the same fingerprint and share one dedup lock.
// json.Marshal writes map keys in sorted order, so the encoding is
// canonical for any key insertion order.
func Fingerprint(workerID string, input map[string]any) string {
	h := sha256.New()
	h.Write([]byte(workerID))
	h.Write([]byte{0})

	if encoded, err := json.Marshal(input); err == nil {
		h.Write(encoded)
	}

	return hex.EncodeToString(h.Sum(nil))
}
