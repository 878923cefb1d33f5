package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/gowebpki/jcs"
)

// fingerprint computes a deterministic SHA-256 over the RFC 8785 canonical
// form of the definition. It identifies the exact registered contract in job
// records and webhook payloads.
func fingerprint(def *Definition) string {
	data, err := json.Marshal(def)
	if err == nil {
		data, err = jcs.Transform(data)
	}
	if err != nil {
		slog.Error("registry: canonical JSON failed for fingerprint, using id fallback",
			"tool_id", def.ID,
			"error", err,
		)
		data = []byte(def.ID + ":" + def.Version)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
