package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/spachava753/buda/internal/models"
)

// Wire formats a dataset definition may arrive in.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ToJSON converts a raw definition in the given format to canonical JSON.
// YAML goes through the same JSON tag model, so both formats yield the
// same document and therefore the same id.
func ToJSON(raw []byte, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		raw = bytes.TrimSpace(raw)
		if !json.Valid(raw) {
			return nil, fmt.Errorf("dataset definition is not valid JSON")
		}
		return raw, nil
	case FormatYAML, "yml":
		out, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing YAML dataset definition: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dataset format: %s", format)
	}
}

// Parse decodes a JSON dataset definition.
func Parse(doc []byte) (*models.DatasetSpec, error) {
	var spec models.DatasetSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, fmt.Errorf("decoding dataset definition: %w", err)
	}
	return &spec, nil
}

// FormatFromPath infers the wire format from a file extension.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported dataset file extension: %s", path)
	}
}

// ReadFile reads a definition from disk and returns it as JSON.
func ReadFile(path string) ([]byte, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset file: %w", err)
	}
	return ToJSON(raw, format)
}
