package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/wrightpm/wright/internal/cascade"
	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/depgraph"
	"github.com/wrightpm/wright/internal/wright"
)

// cmdPlanTree resolves a target set through the same cascade and
// cycle-breaking steps "build" uses, then prints the resulting dependency
// graph without building anything, for inspecting what a build would do.
func cmdPlanTree(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("plan-tree", flag.ExitOnError)
	var (
		includeDeps       = fset.Bool("deps", false, "pull in missing upstream build/link dependencies")
		includeDependents = fset.Bool("dependents", false, "pull in downstream dependents")
		forceAll          = fset.Bool("force-all", false, "ignore the installed-database shortcut for upstream deps")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return &wright.ValidationError{Msg: "syntax: plan-tree [options] <target> [<target>...]"}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	idx, assemblies, err := loadIndex(cfg)
	if err != nil {
		return err
	}
	explicit, err := idx.Resolve(fset.Args(), assemblies)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	opts := cascade.Options{IncludeDeps: *includeDeps, IncludeDependents: *includeDependents, ForceAll: *forceAll}
	buildSet, err := cascade.Expand(idx, explicit, database, opts)
	if err != nil {
		return err
	}

	names := make(map[string]bool, len(buildSet))
	for n := range buildSet {
		names[n] = true
	}
	index := planIndexByName(idx)
	sp := splitParents(idx)
	graph := depgraph.Build(index, sp, names)
	if cycles := graph.Cycles(); len(cycles) > 0 {
		if err := graph.BreakCycles(index, sp); err != nil {
			return err
		}
	}

	nodeNames := make([]string, 0, len(graph.Deps))
	for n := range graph.Deps {
		nodeNames = append(nodeNames, n)
	}
	sort.Strings(nodeNames)
	for _, n := range nodeNames {
		deps := append([]string{}, graph.Deps[n]...)
		sort.Strings(deps)
		reason := ""
		if r, ok := buildSet[n]; ok {
			reason = reasonLabel(r)
		}
		if len(deps) == 0 {
			fmt.Printf("%s%s\n", n, reason)
			continue
		}
		fmt.Printf("%s%s: %s\n", n, reason, joinNames(deps))
	}
	return nil
}

func reasonLabel(r cascade.Reason) string {
	switch r {
	case cascade.Explicit:
		return " (explicit)"
	case cascade.LinkDependency:
		return " (link dependent)"
	case cascade.Transitive:
		return " (transitive)"
	default:
		return ""
	}
}
