package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/exec"

	"github.com/wrightpm/wright/internal/wright"
)

// bootstrapSets lists the minimal toolchain build order: each set must
// finish before the next starts, since later sets build against the
// compilers and shell the earlier ones provide.
var bootstrapSets = [][]string{
	{"musl"},
	{"binutils"},
	{"gmp", "mpfr", "mpc", "gcc"},
	{"make"},
	{"bash"},
}

// cmdBootstrap builds a minimal toolchain in dependency order by re-execing
// the current binary once per package, so each package builds in its own
// process. The first package whose build fails ends the run with an error.
func cmdBootstrap(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("bootstrap", flag.ExitOnError)
	fset.Parse(args)

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	for _, set := range bootstrapSets {
		for _, pkg := range set {
			log.Printf("bootstrap: building %s", pkg)
			cmd := exec.CommandContext(ctx, self, "build", pkg)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return &wright.BuildError{Plan: pkg, Stage: "bootstrap", Msg: err.Error()}
			}
		}
	}
	return nil
}
