package modal

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseDockerfile(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantBase    string
		wantCmds    []string
		wantErr     bool
		errContains string
	}{
		{
			name: "basic dockerfile",
			content: `
FROM debian:bookworm-slim
RUN apt-get update
ENV BUDA_HOME=/var/run/buda
`,
			wantBase: "debian:bookworm-slim",
			wantCmds: []string{"RUN apt-get update", "ENV BUDA_HOME=/var/run/buda"},
		},
		{
			name: "dockerfile with COPY",
			content: `
FROM golang:1.25
COPY . /src
`,
			wantErr:     true,
			errContains: "COPY and ADD instructions are not supported",
		},
		{
			name: "dockerfile with ADD",
			content: `
FROM alpine:latest
ADD https://example.com/buda-agent.tar.gz /tmp/
`,
			wantErr:     true,
			errContains: "COPY and ADD instructions are not supported",
		},
		{
			name: "line continuations",
			content: `
FROM alpine:3.20
RUN apk add --no-cache \
    ca-certificates \
    tzdata
`,
			wantBase: "alpine:3.20",
			wantCmds: []string{"RUN apk add --no-cache ca-certificates tzdata"},
		},
		{
			name: "missing FROM",
			content: `
RUN echo "hello"
`,
			wantErr:     true,
			errContains: "no FROM instruction found",
		},
		{
			name: "multiple FROM uses last stage",
			content: `
FROM golang:1.25
RUN go version
FROM alpine:latest
EXPOSE 8200
`,
			wantBase: "alpine:latest",
			wantCmds: []string{"EXPOSE 8200"},
		},
		{
			name: "comments and case",
			content: `
# agent image
from alpine:latest
run apk add curl
`,
			wantBase: "alpine:latest",
			wantCmds: []string{"run apk add curl"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, cmds, err := parseDockerfile(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if base != tt.wantBase {
				t.Errorf("expected base %q, got %q", tt.wantBase, base)
			}
			if !reflect.DeepEqual(cmds, tt.wantCmds) {
				t.Errorf("expected commands %q, got %q", tt.wantCmds, cmds)
			}
		})
	}
}

func TestParseProviderConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		check   func(t *testing.T, pc ProviderConfig)
		wantErr bool
	}{
		{
			name:   "defaults",
			config: nil,
			check: func(t *testing.T, pc ProviderConfig) {
				if pc.AppName != "buda" || pc.AgentCommand != "buda-agent" {
					t.Errorf("unexpected defaults: %+v", pc)
				}
				if pc.CPUs != 1 || pc.MemoryMB != 1024 {
					t.Errorf("unexpected resource defaults: %+v", pc)
				}
			},
		},
		{
			name: "regions and resources",
			config: map[string]any{
				"app_name": "ingest",
				"regions":  []any{"us-east", "us-west"},
				"cpus":     float64(2),
				"memory":   "2G",
				"image":    "ghcr.io/acme/buda-agent:1",
				"verbose":  true,
			},
			check: func(t *testing.T, pc ProviderConfig) {
				if pc.AppName != "ingest" {
					t.Errorf("expected app ingest, got %s", pc.AppName)
				}
				if !reflect.DeepEqual(pc.Regions, []string{"us-east", "us-west"}) {
					t.Errorf("unexpected regions %v", pc.Regions)
				}
				if pc.CPUs != 2 || pc.MemoryMB != 2048 {
					t.Errorf("unexpected resources %+v", pc)
				}
				if pc.Image != "ghcr.io/acme/buda-agent:1" || !pc.Verbose {
					t.Errorf("unexpected image or verbose %+v", pc)
				}
			},
		},
		{
			name:    "bad memory",
			config:  map[string]any{"memory": "x"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := ParseProviderConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProviderConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, pc)
			}
		})
	}
}

func TestIsDockerContextPath(t *testing.T) {
	dir := t.TempDir()
	if !isDockerContextPath(dir) {
		t.Errorf("expected %s to be a context path", dir)
	}
	file := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(file, []byte("FROM alpine"), 0644); err != nil {
		t.Fatal(err)
	}
	if isDockerContextPath(file) {
		t.Error("expected a file not to be a context path")
	}
	if isDockerContextPath("alpine:latest") {
		t.Error("expected a registry reference not to be a context path")
	}
}
