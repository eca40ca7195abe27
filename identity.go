package fleetflash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/oklog/ulid/v2"
)

// idNamespace is a stable, process-wide namespace used when deriving
// deterministic identifiers from idempotency keys. The exact value is not
// externally visible, but must remain stable over time so that the same key
// always yields the same identifier.
const idNamespace = "fleetflash-v1"

// NewID returns a fresh ULID-based identifier with the given prefix, e.g.
// NewID("op") -> "op_01J....". Prefixes make record kinds recognizable in
// logs and in the database.
func NewID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

// DeriveImageID deterministically derives a firmware image identifier from
// its build and image type.
//
// This is the single source of truth for image identity: a Build can hold at
// most one image per type, so (build_id, type) is the natural idempotency
// key. Re-publishing the same image converges on the same database row
// instead of creating a duplicate.
func DeriveImageID(buildID, imageType string) string {
	h := sha256.Sum256([]byte(idNamespace + ":" + buildID + ":" + imageType))
	return "img_" + hex.EncodeToString(h[:16])
}
