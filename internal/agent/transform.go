package agent

import (
	"slices"
	"strings"
	"time"
)

// Transform reshapes a parsed record before it is buffered. Returning false
// drops the record without counting it as a failure.
type Transform func(Record) (Record, bool)

// Identity keeps every record unchanged.
func Identity(rec Record) (Record, bool) {
	return rec, true
}

// TransformFor returns the transform registered for a format.
func TransformFor(format string) Transform {
	switch format {
	case "airquality":
		return AirQuality
	default:
		return Identity
	}
}

// Pollutants stored as measurements by the air quality transform.
var pollutants = []string{"O3", "PM10", "PM25", "CO", "SO2", "NO2"}

var airQualityLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04",
	"02/01/2006 15:04",
}

// AirQuality maps a monitoring station CSV row onto an air quality feed
// entry. Rows without a source are dropped.
func AirQuality(rec Record) (Record, bool) {
	source := strings.TrimSpace(str(rec["source"]))
	if source == "" || source == "-" {
		return nil, false
	}

	when := airQualityTime(str(rec["date"]), str(rec["time"]))

	measurements := []any{}
	if param := str(rec["param"]); slices.Contains(pollutants, param) {
		measurements = append(measurements, map[string]any{
			"pollutant":           param,
			"unit":                str(rec["unit"]),
			"value":               str(rec["concentration"]),
			"time":                when,
			"averagedOverInHours": str(rec["average"]),
		})
	}

	station := map[string]any{
		"id":        str(rec["cve"]),
		"name":      str(rec["station"]),
		"source_id": source,
		"location": map[string]any{
			"lat": str(rec["lat"]),
			"lon": str(rec["long"]),
			"alt": "",
		},
		"measurements": measurements,
		"indexes": []any{map[string]any{
			"scale":                "IMECA",
			"value":                str(rec["index"]),
			"responsiblePollutant": "",
			"calculationTime":      when,
		}},
	}
	return Record{"stations": []any{station}}, true
}

// airQualityTime renders the row's date and time as RFC3339, or keeps the
// raw text when it cannot be parsed.
func airQualityTime(date, clock string) string {
	raw := strings.TrimSpace(date + " " + clock)
	for _, layout := range airQualityLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return raw
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
