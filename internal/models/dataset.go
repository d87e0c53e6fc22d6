package models

import (
	"encoding/json"
	"strconv"
)

// Hotspot transport types.
const (
	HotspotTCP  = "tcp"
	HotspotUnix = "unix"
)

// Compression modes accepted on a hotspot stream.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// AgentFormats are the data formats the stock buda-agent can parse. Other
// formats need extras.handler or a docker image.
var AgentFormats = []string{"line", "text", "jsonl", "ndjson", "csv", "airquality", "json", "geojson", "xml"}

// DatasetSpec is a dataset definition as declared by a client.
type DatasetSpec struct {
	Version  string   `json:"version"`
	Metadata Metadata `json:"metadata"`
	Data     Data     `json:"data"`
	Extras   Extras   `json:"extras"`
}

// DatasetRecord is a DatasetSpec that has been admitted: it carries extras.id
// and normalized timestamps.
type DatasetRecord = DatasetSpec

type Metadata struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Organization string `json:"organization"`
	Issued       string `json:"issued,omitempty"`
	Modified     string `json:"modified,omitempty"`
}

// Data is the section of a spec handed to the worker as its configuration.
type Data struct {
	// ID mirrors extras.id so the worker can derive its socket path and tag its flows.
	ID          string         `json:"id,omitempty"`
	Format      string         `json:"format"`
	Storage     Storage        `json:"storage"`
	Hotspot     Hotspot        `json:"hotspot"`
	Compression string         `json:"compression,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type Storage struct {
	Collection string `json:"collection"`
	Host       string `json:"host,omitempty"`
	Batch      int    `json:"batch,omitempty"`
}

type Hotspot struct {
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`
}

// UnmarshalJSON accepts a numeric location, which older clients send for tcp ports.
func (h *Hotspot) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type     string          `json:"type"`
		Location json.RawMessage `json:"location"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	h.Type = raw.Type
	h.Location = ""
	if len(raw.Location) == 0 || string(raw.Location) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Location, &s); err == nil {
		h.Location = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.Location, &n); err != nil {
		return err
	}
	h.Location = n.String()
	return nil
}

// Port returns the tcp port held in Location, or 0 if it is not numeric.
func (h Hotspot) Port() int {
	p, err := strconv.Atoi(h.Location)
	if err != nil {
		return 0
	}
	return p
}

type Extras struct {
	ID      string  `json:"id,omitempty"`
	Handler string  `json:"handler,omitempty"`
	Docker  *Docker `json:"docker,omitempty"`
}

type Docker struct {
	Image string   `json:"image"`
	Links []string `json:"links,omitempty"`
}
