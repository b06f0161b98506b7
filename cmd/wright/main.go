// Command wright is a source-based package manager: it builds plans in a
// sandboxed lifecycle pipeline, packs the result into a binary archive, and
// installs, verifies, or removes that archive against a local database of
// owned files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/wrightpm/wright/internal/sandbox"
	"github.com/wrightpm/wright/internal/wright"
)

var (
	debug      = flag.Bool("debug", false, "format error messages with additional detail")
	configPath = flag.String("config", "", "path to wright.toml (default: layered /etc, XDG, ./wright.toml)")
)

func funcmain() error {
	// The sandbox re-exec path takes over before any flag parsing or verb
	// dispatch: the child's argv is entirely owned by runSandboxed.
	if sandbox.IsSandboxChild() {
		if len(os.Args) < 3 || os.Args[1] != "__wright_sandbox_exec" {
			return fmt.Errorf("wright: malformed sandbox child invocation")
		}
		sandbox.RunChildMain(os.Args[2])
		return nil // RunChildMain always exits the process
	}

	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"build":           {cmdBuild},
		"install":         {cmdInstall},
		"remove":          {cmdRemove},
		"verify":          {cmdVerify},
		"lint":            {cmdLint},
		"checksum-update": {cmdChecksumUpdate},
		"plan-tree":       {cmdPlanTree},
		"bootstrap":       {cmdBootstrap},
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	if verb == "help" {
		printUsage()
		return nil
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: wright <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := wright.InterruptibleContext()
	defer canc()
	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return wright.RunAtExit()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "wright [-flags] <command> [-flags] <args>\n\n")
	fmt.Fprintf(os.Stderr, "Build commands:\n")
	fmt.Fprintf(os.Stderr, "\tbuild            build one or more plans and their dependency cascade\n")
	fmt.Fprintf(os.Stderr, "\tlint             parse and validate a plan without building it\n")
	fmt.Fprintf(os.Stderr, "\tchecksum-update  fetch sources and rewrite a plan's sha256 block\n")
	fmt.Fprintf(os.Stderr, "\tplan-tree        print the resolved dependency graph for a target set\n")
	fmt.Fprintf(os.Stderr, "\tbootstrap        build a minimal toolchain in dependency order\n")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Install commands:\n")
	fmt.Fprintf(os.Stderr, "\tinstall          install a built archive into a root\n")
	fmt.Fprintf(os.Stderr, "\tremove           remove an installed package\n")
	fmt.Fprintf(os.Stderr, "\tverify           check an installed package's files against the database\n")
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
