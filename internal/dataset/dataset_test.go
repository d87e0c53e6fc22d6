package dataset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/buda/internal/models"
)

func airQualitySpec() *models.DatasetSpec {
	return &models.DatasetSpec{
		Version: "1",
		Metadata: models.Metadata{
			Title:        "Air Quality MX",
			Description:  "d",
			Organization: "X",
		},
		Data: models.Data{
			Format:  "csv",
			Storage: models.Storage{Collection: "airquality_mx", Batch: 50},
			Hotspot: models.Hotspot{Type: "tcp"},
		},
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	a := ComputeID(airQualitySpec())
	b := ComputeID(airQualitySpec())
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestComputeIDCanonicalFields(t *testing.T) {
	base := ComputeID(airQualitySpec())

	tests := []struct {
		name   string
		mutate func(*models.DatasetSpec)
		same   bool
	}{
		{name: "version", mutate: func(s *models.DatasetSpec) { s.Version = "2" }},
		{name: "title", mutate: func(s *models.DatasetSpec) { s.Metadata.Title = "other" }},
		{name: "description", mutate: func(s *models.DatasetSpec) { s.Metadata.Description = "other" }},
		{name: "organization", mutate: func(s *models.DatasetSpec) { s.Metadata.Organization = "other" }},
		{name: "format", mutate: func(s *models.DatasetSpec) { s.Data.Format = "jsonl" }},
		{name: "collection", mutate: func(s *models.DatasetSpec) { s.Data.Storage.Collection = "other" }},
		{name: "hotspot type", mutate: func(s *models.DatasetSpec) { s.Data.Hotspot.Type = "unix" }},
		{name: "compression is not canonical", mutate: func(s *models.DatasetSpec) { s.Data.Compression = "gzip" }, same: true},
		{name: "batch is not canonical", mutate: func(s *models.DatasetSpec) { s.Data.Storage.Batch = 1 }, same: true},
		{name: "handler is not canonical", mutate: func(s *models.DatasetSpec) { s.Extras.Handler = "x" }, same: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := airQualitySpec()
			tt.mutate(spec)
			got := ComputeID(spec)
			if tt.same && got != base {
				t.Errorf("expected id to stay %s, got %s", base, got)
			}
			if !tt.same && got == base {
				t.Errorf("expected id to change when %s changes", tt.name)
			}
		})
	}
}

func TestComputeIDSeparatorPreventsShifting(t *testing.T) {
	a := airQualitySpec()
	a.Metadata.Title = "ab"
	a.Metadata.Description = "c"
	b := airQualitySpec()
	b.Metadata.Title = "a"
	b.Metadata.Description = "bc"
	if ComputeID(a) == ComputeID(b) {
		t.Error("expected field boundaries to affect the id")
	}
}

func TestJSONAndYAMLShareID(t *testing.T) {
	jsonDoc := `{"version":"1","metadata":{"title":"Air Quality MX","description":"d","organization":"X"},
"data":{"format":"csv","storage":{"collection":"airquality_mx","batch":50},"hotspot":{"type":"tcp"}}}`
	yamlDoc := `version: "1"
metadata:
  title: Air Quality MX
  description: d
  organization: X
data:
  format: csv
  storage:
    collection: airquality_mx
    batch: 50
  hotspot:
    type: tcp
`
	fromJSON, err := ToJSON([]byte(jsonDoc), FormatJSON)
	if err != nil {
		t.Fatalf("ToJSON(json) failed: %v", err)
	}
	fromYAML, err := ToJSON([]byte(yamlDoc), FormatYAML)
	if err != nil {
		t.Fatalf("ToJSON(yaml) failed: %v", err)
	}

	a, err := Parse(fromJSON)
	if err != nil {
		t.Fatalf("Parse(json) failed: %v", err)
	}
	b, err := Parse(fromYAML)
	if err != nil {
		t.Fatalf("Parse(yaml) failed: %v", err)
	}

	if ComputeID(a) != ComputeID(b) {
		t.Errorf("expected JSON and YAML to yield the same id")
	}
	if ComputeID(a) != ComputeID(airQualitySpec()) {
		t.Errorf("expected decoded spec to match the literal spec")
	}
	if b.Data.Storage.Batch != 50 {
		t.Errorf("expected batch 50, got %d", b.Data.Storage.Batch)
	}
}

func TestToJSONErrors(t *testing.T) {
	if _, err := ToJSON([]byte("{not json"), FormatJSON); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ToJSON([]byte("a: [1,"), FormatYAML); err == nil {
		t.Error("expected error for invalid YAML")
	}
	if _, err := ToJSON([]byte("{}"), "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNumericHotspotLocation(t *testing.T) {
	spec, err := Parse([]byte(`{"version":"1","data":{"hotspot":{"type":"tcp","location":8200}}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if spec.Data.Hotspot.Location != "8200" {
		t.Errorf("expected location 8200, got %q", spec.Data.Hotspot.Location)
	}
	if spec.Data.Hotspot.Port() != 8200 {
		t.Errorf("expected port 8200, got %d", spec.Data.Hotspot.Port())
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	spec := airQualitySpec()
	spec.Data.Storage.Batch = 0
	spec.Metadata.Issued = "2020-01-02"

	Normalize(spec, now, "mongodb://localhost:27017/buda")

	if spec.Metadata.Issued != "2020-01-02T00:00:00Z" {
		t.Errorf("expected issued to be normalized, got %s", spec.Metadata.Issued)
	}
	if spec.Metadata.Modified != "2026-03-01T12:00:00Z" {
		t.Errorf("expected modified to default to now, got %s", spec.Metadata.Modified)
	}
	if spec.Data.Storage.Host != "mongodb://localhost:27017/buda" {
		t.Errorf("expected default host, got %s", spec.Data.Storage.Host)
	}
	if spec.Data.Storage.Batch != DefaultBatch {
		t.Errorf("expected batch %d, got %d", DefaultBatch, spec.Data.Storage.Batch)
	}
	if spec.Data.Compression != models.CompressionNone {
		t.Errorf("expected compression none, got %s", spec.Data.Compression)
	}
	if spec.Extras.ID == "" || spec.Extras.ID != spec.Data.ID {
		t.Errorf("expected extras.id and data.id to match, got %q and %q", spec.Extras.ID, spec.Data.ID)
	}

	explicit := airQualitySpec()
	explicit.Data.Storage.Host = "sqlite:///tmp/x.db"
	Normalize(explicit, now, "mongodb://localhost:27017/buda")
	if explicit.Data.Storage.Host != "sqlite:///tmp/x.db" {
		t.Errorf("expected explicit host to be kept, got %s", explicit.Data.Storage.Host)
	}
}

func TestIsReservedCollection(t *testing.T) {
	tests := map[string]bool{
		"sys.datasets":      true,
		"system.indexes":    true,
		"airquality_mx":     false,
		"systems":           false,
		"my.sys.collection": false,
	}
	for name, want := range tests {
		if got := IsReservedCollection(name); got != want {
			t.Errorf("IsReservedCollection(%q): expected %v, got %v", name, want, got)
		}
	}
}

func TestLoaderLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.json":       `{"version":"1"}`,
		"b.yaml":       "version: \"1\"\n",
		"notes.txt":    "ignored",
		".hidden.json": `{}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sources, err := NewLoader().LoadFromPath(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if !strings.HasSuffix(sources[0].Origin, "a.json") || !strings.HasSuffix(sources[1].Origin, "b.yaml") {
		t.Errorf("unexpected origins: %s, %s", sources[0].Origin, sources[1].Origin)
	}
	if string(sources[1].JSON) != `{"version":"1"}` {
		t.Errorf("expected YAML to be converted, got %s", sources[1].JSON)
	}

	single, err := NewLoader().LoadFromPath(context.Background(), filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("LoadFromPath(file) failed: %v", err)
	}
	if len(single) != 1 {
		t.Errorf("expected 1 source, got %d", len(single))
	}

	if _, err := NewLoader().LoadFromPath(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestLoaderLoadFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spec.yaml":
			w.Write([]byte("version: \"1\"\n"))
		case "/spec":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"2"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	l := NewLoader()
	src, err := l.LoadFromURL(context.Background(), srv.URL+"/spec.yaml")
	if err != nil {
		t.Fatalf("LoadFromURL failed: %v", err)
	}
	if string(src.JSON) != `{"version":"1"}` {
		t.Errorf("unexpected document: %s", src.JSON)
	}

	sources, err := l.Load(context.Background(), srv.URL+"/spec")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(sources) != 1 || string(sources[0].JSON) != `{"version":"2"}` {
		t.Errorf("unexpected sources: %+v", sources)
	}

	if _, err := l.LoadFromURL(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}
