package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// agentLine is the structured log line agents write to stdout.
type agentLine struct {
	Desc    string         `json:"desc"`
	Level   string         `json:"level"`
	Details map[string]any `json:"details"`
}

// relay copies worker output into the manager log, one record per line.
func relay(datasetID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logLine(datasetID, scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
		slog.Debug("worker output closed", "dataset_id", datasetID, "error", err)
	}
}

func logLine(datasetID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	var line agentLine
	if err := json.Unmarshal([]byte(text), &line); err != nil || line.Desc == "" {
		slog.Info("worker output", "dataset_id", datasetID, "line", text)
		return
	}

	attrs := []any{"dataset_id", datasetID}
	for k, v := range line.Details {
		attrs = append(attrs, k, v)
	}
	slog.Log(context.Background(), parseLevel(line.Level), line.Desc, attrs...)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
