package agent

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spachava753/buda/internal/docstore"
	"github.com/spachava753/buda/internal/models"
)

// Record is one parsed item on its way to storage.
type Record = docstore.Document

// Parser turns a byte stream into records. It is fed chunks as they arrive
// and told when the stream ends, either because the connection closed or
// because the stream went quiet. A Parser is used by one goroutine only.
type Parser interface {
	Feed(chunk []byte) ([]Record, error)
	End() ([]Record, error)
}

// ParserFactory creates a parser for a new stream.
type ParserFactory func() Parser

// maxDocumentBytes bounds the formats that need the whole document.
const maxDocumentBytes = 64 << 20

// maxLineBytes bounds a single line of the line based formats.
const maxLineBytes = 8 << 20

var (
	errDocumentTooLarge = errors.New("document exceeds size limit")
	errLineTooLong      = errors.New("line exceeds size limit")
)

// ParserFor returns the parser factory for the configured format.
func ParserFor(data models.Data) (ParserFactory, error) {
	switch data.Format {
	case "line", "text":
		return func() Parser { return &lineParser{} }, nil
	case "jsonl", "ndjson":
		return func() Parser { return &jsonlParser{} }, nil
	case "csv", "airquality":
		sep, err := separator(data.Options)
		if err != nil {
			return nil, err
		}
		return func() Parser { return &csvParser{comma: sep} }, nil
	case "json":
		return func() Parser { return &jsonParser{} }, nil
	case "geojson":
		strip := true
		if v, ok := data.Options["remove_altitude"].(bool); ok {
			strip = v
		}
		return func() Parser { return &geojsonParser{stripAltitude: strip} }, nil
	case "xml":
		return newXMLParser(data.Options)
	default:
		return nil, fmt.Errorf("unsupported data format: %s", data.Format)
	}
}

func separator(opts map[string]any) (rune, error) {
	v, ok := opts["separator"]
	if !ok {
		return ',', nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("separator must be a string, got %T", v)
	}
	if s == `\t` || s == "tab" {
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("separator must be a single character, got %q", s)
	}
	return r[0], nil
}

// lines splits a stream into lines, keeping a trailing partial line until
// more data or the end of the stream arrives. A partial line longer than
// maxLineBytes is discarded with errLineTooLong.
type lines struct {
	partial []byte
}

func (l *lines) feed(chunk []byte) ([]string, error) {
	l.partial = append(l.partial, chunk...)
	var out []string
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		out = append(out, strings.TrimSuffix(string(l.partial[:i]), "\r"))
		l.partial = l.partial[i+1:]
	}
	if len(l.partial) == 0 {
		l.partial = nil
	}
	if len(l.partial) > maxLineBytes {
		l.partial = nil
		return out, errLineTooLong
	}
	return out, nil
}

func (l *lines) end() []string {
	rest := strings.TrimSuffix(string(l.partial), "\r")
	l.partial = nil
	if rest == "" {
		return nil
	}
	return []string{rest}
}

type lineParser struct {
	lines lines
}

func (p *lineParser) Feed(chunk []byte) ([]Record, error) {
	lines, err := p.lines.feed(chunk)
	return p.records(lines), err
}

func (p *lineParser) End() ([]Record, error) {
	return p.records(p.lines.end()), nil
}

func (p *lineParser) records(lines []string) []Record {
	out := make([]Record, 0, len(lines))
	for _, line := range lines {
		out = append(out, Record{"line": line})
	}
	return out
}

// jsonlParser expects one JSON object per line. Lines that are blank are
// skipped; lines that do not hold an object are logged and dropped.
type jsonlParser struct {
	lines lines
}

func (p *jsonlParser) Feed(chunk []byte) ([]Record, error) {
	lines, err := p.lines.feed(chunk)
	return p.records(lines), err
}

func (p *jsonlParser) End() ([]Record, error) {
	return p.records(p.lines.end()), nil
}

func (p *jsonlParser) records(lines []string) []Record {
	var out []Record
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec == nil {
			slog.Warn("dropping invalid json line", "error", err, "line", truncate(line, 200))
			continue
		}
		out = append(out, rec)
	}
	return out
}

// csvParser reads a header line and maps every following line onto it.
// The header is reset at the end of each stream.
type csvParser struct {
	comma  rune
	lines  lines
	header []string
}

func (p *csvParser) Feed(chunk []byte) ([]Record, error) {
	lines, err := p.lines.feed(chunk)
	recs, rerr := p.records(lines)
	if rerr != nil {
		return recs, rerr
	}
	return recs, err
}

func (p *csvParser) End() ([]Record, error) {
	recs, err := p.records(p.lines.end())
	p.header = nil
	return recs, err
}

func (p *csvParser) records(lines []string) ([]Record, error) {
	var out []Record
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err := p.split(line)
		if err != nil {
			slog.Warn("dropping invalid csv line", "error", err, "line", truncate(line, 200))
			continue
		}
		if p.header == nil {
			fields[0] = strings.TrimPrefix(fields[0], "\ufeff")
			for i := range fields {
				fields[i] = strings.TrimSpace(fields[i])
			}
			p.header = fields
			continue
		}
		rec := make(Record, len(fields))
		for i, v := range fields {
			key := fmt.Sprintf("field_%d", i)
			if i < len(p.header) && p.header[i] != "" {
				key = p.header[i]
			}
			rec[key] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *csvParser) split(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = p.comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.Read()
}

// document collects a whole stream for formats that cannot be decoded
// incrementally.
type document struct {
	buf bytes.Buffer
}

func (d *document) feed(chunk []byte) error {
	if d.buf.Len()+len(chunk) > maxDocumentBytes {
		d.buf.Reset()
		return errDocumentTooLarge
	}
	d.buf.Write(chunk)
	return nil
}

func (d *document) take() []byte {
	b := bytes.TrimSpace(d.buf.Bytes())
	out := make([]byte, len(b))
	copy(out, b)
	d.buf.Reset()
	return out
}

// jsonParser decodes a single JSON document. A top-level array yields one
// record per element, anything else a single record.
type jsonParser struct {
	doc document
}

func (p *jsonParser) Feed(chunk []byte) ([]Record, error) {
	return nil, p.doc.feed(chunk)
}

func (p *jsonParser) End() ([]Record, error) {
	b := p.doc.take()
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding json document: %w", err)
	}
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
			continue
		}
		out = append(out, Record{"value": item})
	}
	return out, nil
}

// geojsonParser emits the features of a FeatureCollection, or a single
// Feature. Features without a usable geometry are dropped.
type geojsonParser struct {
	doc           document
	stripAltitude bool
}

func (p *geojsonParser) Feed(chunk []byte) ([]Record, error) {
	return nil, p.doc.feed(chunk)
}

func (p *geojsonParser) End() ([]Record, error) {
	b := p.doc.take()
	if len(b) == 0 {
		return nil, nil
	}
	var root map[string]any
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("decoding geojson document: %w", err)
	}

	var features []any
	switch root["type"] {
	case "FeatureCollection":
		features, _ = root["features"].([]any)
	case "Feature":
		features = []any{root}
	default:
		return nil, fmt.Errorf("unsupported geojson type %v", root["type"])
	}

	out := make([]Record, 0, len(features))
	for i, f := range features {
		feature, ok := f.(map[string]any)
		if !ok || !validFeature(feature) {
			slog.Warn("dropping invalid geojson feature", "index", i)
			continue
		}
		if p.stripAltitude {
			geometry := feature["geometry"].(map[string]any)
			geometry["coordinates"] = stripAltitude(geometry["coordinates"])
		}
		out = append(out, feature)
	}
	return out, nil
}

func validFeature(f map[string]any) bool {
	if f["type"] != "Feature" {
		return false
	}
	geometry, ok := f["geometry"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := geometry["type"].(string); !ok {
		return false
	}
	_, ok = geometry["coordinates"].([]any)
	return ok
}

// stripAltitude drops the third element of every position, at any depth.
func stripAltitude(v any) any {
	coords, ok := v.([]any)
	if !ok {
		return v
	}
	if len(coords) == 3 && isNumber(coords[0]) && isNumber(coords[1]) && isNumber(coords[2]) {
		return coords[:2]
	}
	for i := range coords {
		coords[i] = stripAltitude(coords[i])
	}
	return coords
}

func isNumber(v any) bool {
	_, ok := v.(float64)
	return ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
