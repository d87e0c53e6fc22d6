package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source is a dataset definition read from a file or URL, already
// converted to JSON.
type Source struct {
	Origin string
	JSON   []byte
}

// Loader loads dataset definitions from local paths or remote URLs.
type Loader struct {
	client *http.Client
}

// NewLoader creates a new dataset loader.
func NewLoader() *Loader {
	return &Loader{client: http.DefaultClient}
}

// Load dispatches on the location: http(s) URLs are fetched, anything else
// is read from disk.
func (l *Loader) Load(ctx context.Context, location string) ([]Source, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		src, err := l.LoadFromURL(ctx, location)
		if err != nil {
			return nil, err
		}
		return []Source{*src}, nil
	}
	return l.LoadFromPath(ctx, location)
}

// LoadFromPath loads a single definition file, or every definition file in
// a directory sorted by name.
func (l *Loader) LoadFromPath(ctx context.Context, path string) ([]Source, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading dataset path: %w", err)
	}

	if !info.IsDir() {
		doc, err := ReadFile(absPath)
		if err != nil {
			return nil, err
		}
		return []Source{{Origin: absPath, JSON: doc}}, nil
	}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sources []Source
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := FormatFromPath(entry.Name()); err != nil {
			continue
		}

		p := filepath.Join(absPath, entry.Name())
		doc, err := ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("loading dataset %s: %w", entry.Name(), err)
		}
		sources = append(sources, Source{Origin: p, JSON: doc})
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no dataset definitions found in %s", absPath)
	}
	return sources, nil
}

// LoadFromURL fetches a single definition. The format is taken from the
// URL extension, falling back to the response content type.
func (l *Loader) LoadFromURL(ctx context.Context, url string) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching dataset: HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	format, err := FormatFromPath(url)
	if err != nil {
		format = FormatJSON
		if strings.Contains(resp.Header.Get("Content-Type"), "yaml") {
			format = FormatYAML
		}
	}

	doc, err := ToJSON(raw, format)
	if err != nil {
		return nil, err
	}
	return &Source{Origin: url, JSON: doc}, nil
}
