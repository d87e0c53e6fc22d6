package util

import (
	"strings"
	"testing"
)

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        PortRange
		wantErr     bool
		errContains string
	}{
		{name: "default range", input: "2810-2890", want: PortRange{Low: 2810, High: 2890}},
		{name: "single port", input: "8200", want: PortRange{Low: 8200, High: 8200}},
		{name: "spaces", input: " 100 - 200 ", want: PortRange{Low: 100, High: 200}},
		{name: "empty", input: "", wantErr: true, errContains: "empty"},
		{name: "inverted", input: "3000-2000", wantErr: true, errContains: "low <= high"},
		{name: "out of bounds", input: "0-70000", wantErr: true, errContains: "65535"},
		{name: "not a number", input: "a-b", wantErr: true, errContains: "invalid port range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortRange(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPortRangeRandom(t *testing.T) {
	r := PortRange{Low: 2810, High: 2812}
	seen := map[int]bool{}
	for range 500 {
		p := r.Random()
		if !r.Contains(p) {
			t.Fatalf("port %d outside range %s", p, r)
		}
		seen[p] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected all 3 ports to be drawn, got %v", seen)
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"512M", 512, false},
		{"2G", 2048, false},
		{"1048576", 1, false},
		{"2Gi", 2048, false},
		{"2048KiB", 2, false},
		{"1T", 1 << 20, false},
		{"4X", 0, true},
		{"G", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMemory(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMemory(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMemory(%q): expected %d, got %d", tt.input, tt.want, got)
		}
	}
}
