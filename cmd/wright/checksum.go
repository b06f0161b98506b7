package main

import (
	"context"
	"flag"
	"log"

	"github.com/wrightpm/wright/internal/builder"
	"github.com/wrightpm/wright/internal/wright"
)

// cmdChecksumUpdate downloads each target's sources unverified, computes
// their SHA-256 sums, and rewrites the plan's sha256 block in place.
// Failures accumulate across targets rather than aborting the whole run,
// the same way the scheduler's AccumulateFailures policy behaves.
func cmdChecksumUpdate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("checksum-update", flag.ExitOnError)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return &wright.ValidationError{Msg: "syntax: checksum-update <target> [<target>...]"}
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

	b := builder.New(cfg)
	var failed []string
	for _, p := range plans {
		if err := b.UpdateHashes(p, p.Path); err != nil {
			log.Printf("checksum-update: %s: %v", p.Metadata.Name, err)
			failed = append(failed, p.Metadata.Name)
			continue
		}
		log.Printf("checksum-update: %s: updated", p.Metadata.Name)
	}
	if len(failed) > 0 {
		return &wright.DependencyError{Msg: "checksum update failed for: " + joinNames(failed)}
	}
	return nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
