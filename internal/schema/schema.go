package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/spachava753/buda/internal/models"
)

//go:embed schemas/*.json
var embedded embed.FS

const filePrefix = "dataset-"

// Registry holds the compiled dataset schemas keyed by version. It is
// populated once by New and only read afterwards.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the built-in schemas plus every dataset-<version>.json found
// in dir. A file in dir replaces a built-in schema of the same version.
// An empty dir loads only the built-in schemas.
func New(dir string) (*Registry, error) {
	sources := map[string][]byte{}

	builtin, err := fs.Sub(embedded, "schemas")
	if err != nil {
		return nil, fmt.Errorf("opening embedded schemas: %w", err)
	}
	if err := collect(builtin, sources); err != nil {
		return nil, fmt.Errorf("loading embedded schemas: %w", err)
	}

	if dir != "" {
		if err := collect(os.DirFS(dir), sources); err != nil {
			return nil, fmt.Errorf("loading schemas from %s: %w", dir, err)
		}
	}

	r := &Registry{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for version, src := range sources {
		url := "mem://schemas/" + filePrefix + version + ".json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(url, bytes.NewReader(src)); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", url, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", url, err)
		}
		r.schemas[version] = sch
		slog.Debug("loaded dataset schema", "version", version)
	}
	return r, nil
}

func collect(fsys fs.FS, into map[string][]byte) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		version := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json")
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		into[version] = data
	}
	return nil
}

// Versions returns the supported schema versions in sorted order.
func (r *Registry) Versions() []string {
	versions := make([]string, 0, len(r.schemas))
	for v := range r.schemas {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// Validate checks a JSON dataset definition against the schema named by
// its version field. The returned error is always an *models.APIError.
func (r *Registry) Validate(doc []byte) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return &models.APIError{
			Code:    models.ErrInvalidDatasetDefinition,
			Details: []models.ErrorDetail{{Field: "", Message: err.Error()}},
		}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return &models.APIError{
			Code:    models.ErrInvalidDatasetDefinition,
			Details: []models.ErrorDetail{{Field: "", Message: "dataset definition must be an object"}},
		}
	}

	version, _ := obj["version"].(string)
	sch, ok := r.schemas[version]
	if !ok {
		return models.NewAPIError(models.ErrUnsupportedSchemaVersion, fmt.Errorf("unsupported schema version %q", version))
	}

	if err := sch.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &models.APIError{
				Code:    models.ErrInvalidDatasetDefinition,
				Details: flatten(ve),
			}
		}
		return models.NewAPIError(models.ErrInternalError, fmt.Errorf("validating dataset: %w", err))
	}
	return nil
}

// flatten collects the leaf causes of a validation error, which are the
// ones pointing at a concrete field.
func flatten(ve *jsonschema.ValidationError) []models.ErrorDetail {
	if len(ve.Causes) == 0 {
		field := ve.InstanceLocation
		if field == "" {
			field = "/"
		}
		return []models.ErrorDetail{{Field: field, Message: ve.Message}}
	}
	var details []models.ErrorDetail
	for _, c := range ve.Causes {
		details = append(details, flatten(c)...)
	}
	return details
}
