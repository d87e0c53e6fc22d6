package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/spachava753/buda/internal/models"
)

const idSeparator = "|"

// ComputeID returns the content address of a dataset. Only the canonical
// fields take part, so specs that differ elsewhere (compression, batch size,
// storage host, handler) share an id and an update replaces the record.
func ComputeID(spec *models.DatasetSpec) string {
	fields := []string{
		spec.Version,
		spec.Metadata.Title,
		spec.Metadata.Description,
		spec.Metadata.Organization,
		spec.Data.Format,
		spec.Data.Storage.Collection,
		spec.Data.Hotspot.Type,
	}
	canonical := idSeparator + strings.Join(fields, idSeparator) + idSeparator
	h := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(h[:])
}
