package dataset

import (
	"strings"
	"time"

	"github.com/spachava753/buda/internal/models"
)

// DefaultBatch is the batch size used when a spec leaves it unset.
const DefaultBatch = 5

var reservedPrefixes = []string{"sys.", "system."}

// IsReservedCollection reports whether a collection name is reserved for
// the manager's own bookkeeping.
func IsReservedCollection(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Normalize fills defaults and the computed id into an admitted spec.
func Normalize(spec *models.DatasetSpec, now time.Time, defaultHost string) {
	spec.Metadata.Issued = normalizeTimestamp(spec.Metadata.Issued, now)
	spec.Metadata.Modified = normalizeTimestamp(spec.Metadata.Modified, now)

	if spec.Data.Storage.Host == "" {
		spec.Data.Storage.Host = defaultHost
	}
	if spec.Data.Storage.Batch <= 0 {
		spec.Data.Storage.Batch = DefaultBatch
	}
	if spec.Data.Compression == "" {
		spec.Data.Compression = models.CompressionNone
	}

	id := ComputeID(spec)
	spec.Extras.ID = id
	spec.Data.ID = id
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// normalizeTimestamp renders a client timestamp as RFC3339 in UTC. Values
// that cannot be parsed are kept verbatim.
func normalizeTimestamp(v string, now time.Time) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.UTC().Format(time.RFC3339)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return v
}
