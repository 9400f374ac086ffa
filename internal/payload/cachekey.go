package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// CacheKey derives the deterministic memoization key for a job: kind,
// marketplace, and a SHA-256 digest of the normalized payload. The payload
// must already be normalized (Validator.Validate output), since Go's JSON
// marshaling of objects orders keys deterministically.
func CacheKey(kind pipeline.JobKind, marketplace string, normalized json.RawMessage) string {
	sum := sha256.Sum256(normalized)
	return fmt.Sprintf("%s:%s:%s", kind, marketplace, hex.EncodeToString(sum[:]))
}
