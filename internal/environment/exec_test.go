package environment

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
)

func TestParsePublishedPort(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int
		wantErr bool
	}{
		{name: "ipv4 and ipv6", out: "0.0.0.0:49153\n[::]:49153", want: 49153},
		{name: "ipv6 only", out: "[::]:32768", want: 32768},
		{name: "leading blank line", out: "\n0.0.0.0:2811\n", want: 2811},
		{name: "empty", out: "", wantErr: true},
		{name: "garbage", out: "no port here", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePublishedPort(tt.out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePublishedPort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Error: No such container: abc"), true},
		{errors.New("container not found"), true},
		{errors.New("permission denied"), false},
	}
	for _, tt := range tests {
		if got := IsNotFound(tt.err); got != tt.want {
			t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out, err := Run(context.Background(), "sh", "-c", "echo '  hello  '")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected trimmed output, got %q", out)
	}

	_, err = Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestStartPiped(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", "-c", "echo out; echo err >&2")
	r, err := StartPiped(cmd)
	if err != nil {
		t.Fatalf("StartPiped: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Errorf("expected stdout and stderr joined, got %q", got)
	}
}
