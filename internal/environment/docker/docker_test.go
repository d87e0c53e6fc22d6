package docker

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spachava753/buda/internal/environment"
)

func fakeDocker(t *testing.T, portOutput string) (bin, calls string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake CLI")
	}
	dir := t.TempDir()
	calls = filepath.Join(dir, "calls.log")
	bin = filepath.Join(dir, "docker")
	script := `#!/bin/sh
echo "$@" >> ` + calls + `
case "$1" in
run) echo 3f2a9c ;;
port) printf '` + portOutput + `' ;;
logs) echo '{"desc":"agent ready"}' ;;
rm) echo "$3" ;;
esac
`
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return bin, calls
}

func TestStartReadsPublishedPort(t *testing.T) {
	bin, calls := fakeDocker(t, `0.0.0.0:49153\n[::]:49153\n`)
	r := &Runtime{Binary: bin, Host: "127.0.0.1"}
	ctx := context.Background()

	w, err := r.Start(ctx, environment.StartOptions{
		DatasetID: "abc",
		Name:      "airquality_mx",
		Image:     "buda/agent-csv",
		Args:      []string{"--conf", `{"format":"csv"}`},
		Links:     []string{"mongo"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if w.ID() != "3f2a9c" {
		t.Errorf("expected container id 3f2a9c, got %s", w.ID())
	}
	if w.Endpoint() != "127.0.0.1:49153" {
		t.Errorf("expected endpoint 127.0.0.1:49153, got %s", w.Endpoint())
	}
	if w.Output() == nil {
		t.Fatal("expected container log output")
	}
	line, _ := bufio.NewReader(w.Output()).ReadString('\n')
	if !strings.Contains(line, "agent ready") {
		t.Errorf("expected relayed log line, got %q", line)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Second stop is a no-op.
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	data, err := os.ReadFile(calls)
	if err != nil {
		t.Fatal(err)
	}
	log := string(data)
	for _, want := range []string{
		"run -d -P --name airquality_mx --log-opt max-size=20m --log-opt max-file=5 --expose 8200 --link mongo buda/agent-csv --conf",
		"port 3f2a9c 8200/tcp",
		"rm -f 3f2a9c",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("expected invocation %q, got:\n%s", want, log)
		}
	}
	if n := strings.Count(log, "rm -f"); n != 1 {
		t.Errorf("expected one rm invocation, got %d", n)
	}
}

func TestStartRemovesContainerWithoutPort(t *testing.T) {
	bin, calls := fakeDocker(t, ``)
	r := &Runtime{Binary: bin, Host: "localhost"}

	if _, err := r.Start(context.Background(), environment.StartOptions{Name: "x", Image: "img"}); err == nil {
		t.Fatal("expected error when no port is published")
	}
	data, _ := os.ReadFile(calls)
	if !strings.Contains(string(data), "rm -f 3f2a9c") {
		t.Errorf("expected container cleanup, got:\n%s", data)
	}
}

func TestStartRequiresImage(t *testing.T) {
	r := NewRuntime()
	if _, err := r.Start(context.Background(), environment.StartOptions{Name: "x"}); err == nil {
		t.Error("expected error without image")
	}
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	if os.Getenv("BUDA_TEST_DOCKER") == "" {
		t.Skip("set BUDA_TEST_DOCKER to run against a docker daemon")
	}

	ctx := context.Background()
	r := NewRuntime()
	name := "buda-test-" + filepath.Base(t.TempDir())
	w, err := r.Start(ctx, environment.StartOptions{
		Name:  name,
		Image: "alpine:latest",
		Args:  []string{"nc", "-lk", "-p", "8200"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Remove(ctx, name)

	if !strings.HasPrefix(w.Endpoint(), "localhost:") {
		t.Errorf("expected published endpoint, got %s", w.Endpoint())
	}
	if err := w.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
