package main

import (
	"flag"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/goyek/goyek/v2"
)

var short = flag.Bool("short", false, "Skip tests that need docker or a storage server")

var binaries = []string{"buda-manager", "buda-agent"}

func run(a *goyek.A, name string, args ...string) {
	a.Helper()
	a.Log(name, args)
	cmd := exec.CommandContext(a.Context(), name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		a.Error(err)
	}
}

var vet = goyek.Define(goyek.Task{
	Name:  "vet",
	Usage: "Run go vet on all packages",
	Action: func(a *goyek.A) {
		run(a, "go", "vet", "./...")
	},
})

var test = goyek.Define(goyek.Task{
	Name:  "test",
	Usage: "Run the tests (-short skips external services)",
	Action: func(a *goyek.A) {
		args := []string{"test", "-race", "./..."}
		if *short {
			args = append(args, "-short")
		}
		run(a, "go", args...)
	},
})

var build = goyek.Define(goyek.Task{
	Name:  "build",
	Usage: "Build buda-manager and buda-agent into bin/",
	Action: func(a *goyek.A) {
		for _, name := range binaries {
			run(a, "go", "build", "-o", filepath.Join("bin", name), "./cmd/"+name)
		}
	},
})

var _ = goyek.Define(goyek.Task{
	Name:  "all",
	Usage: "vet, test and build",
	Deps:  goyek.Deps{vet, test, build},
})

func main() {
	flag.CommandLine.SetOutput(os.Stdout)
	flag.Parse()
	goyek.SetDefault(build)
	goyek.Main(flag.Args())
}
