package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/wrightpm/wright/internal/wright"
)

// cmdLint parses and validates each target without building it, printing the
// resolved identity (name/version/release/arch) and any declared splits.
func cmdLint(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("lint", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return &wright.ValidationError{Msg: "syntax: lint <target> [<target>...]"}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	idx, assemblies, err := loadIndex(cfg)
	if err != nil {
		return err
	}
	plans, err := idx.Resolve(fset.Args(), assemblies)
	if err != nil {
		return err
	}

	for _, p := range plans {
		fmt.Printf("%s %s-%d (%s)\n", p.Metadata.Name, p.Metadata.Version, p.Metadata.Release, p.Metadata.Arch)
		if len(p.Split) > 0 {
			names := make([]string, 0, len(p.Split))
			for name := range p.Split {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  split: %s\n", name)
			}
		}
	}
	return nil
}
