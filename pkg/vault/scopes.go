package vault

import (
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/gowebpki/jcs"
)

// scopesHash digests the scope set in a representation-independent way:
// SHA-256 over the RFC 8785 canonical JSON of the sorted scope list. The
// digest participates in the AEAD associated data, so reordering scopes does
// not invalidate a record but changing the set does.
func scopesHash(scopes []string) [sha256.Size]byte {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	if sorted == nil {
		sorted = []string{}
	}
	data, err := json.Marshal(sorted)
	if err == nil {
		if canonical, cerr := jcs.Transform(data); cerr == nil {
			data = canonical
		}
	}
	return sha256.Sum256(data)
}
