package main

import (
	"context"
	"flag"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wrightpm/wright/internal/archive"
	"github.com/wrightpm/wright/internal/builder"
	"github.com/wrightpm/wright/internal/cascade"
	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/depgraph"
	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/scheduler"
	"github.com/wrightpm/wright/internal/wconfig"
	"github.com/wrightpm/wright/internal/wright"
)

func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	var (
		jobs              = fset.Int("jobs", 0, "parallel worker count (0 = auto)")
		includeSelf       = fset.Bool("self", false, "include the explicit targets themselves")
		includeDeps       = fset.Bool("deps", false, "pull in missing upstream build/link dependencies")
		includeDependents = fset.Bool("dependents", false, "pull in downstream dependents")
		rebuildDependents = fset.Bool("rebuild-dependents", false, "also rebuild build/runtime (not just link) dependents")
		forceAll          = fset.Bool("force-all", false, "ignore the installed-database shortcut for upstream deps")
		depth             = fset.Int("depth", 0, "cascade expansion depth (0 = unbounded)")
		install           = fset.Bool("install", false, "install each produced archive once its build succeeds")
		root              = fset.String("root", "/", "install root, used with -install")
		onlyStage         = fset.String("only", "", "run a single lifecycle stage against an existing build tree")
		stopAfter         = fset.String("stop-after", "", "run the pipeline up to and including this stage, then stop")
	)
	fset.Parse(args)
	if fset.NArg() == 0 {
		return &wright.ValidationError{Msg: "syntax: build [options] <target> [<target>...]"}
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

	opts := cascade.Options{
		IncludeSelf:       *includeSelf,
		IncludeDeps:       *includeDeps,
		IncludeDependents: *includeDependents,
		RebuildDependents: *rebuildDependents,
		ForceAll:          *forceAll,
		Depth:             *depth,
	}
	buildSet, err := cascade.Expand(idx, explicit, database, opts)
	if err != nil {
		return err
	}
	if len(buildSet) == 0 {
		log.Printf("nothing to build")
		return nil
	}

	names := make(map[string]bool, len(buildSet))
	for n := range buildSet {
		names[n] = true
	}
	index := planIndexByName(idx)
	sp := splitParents(idx)
	graph := depgraph.Build(index, sp, names)
	if err := graph.BreakCycles(index, sp); err != nil {
		return err
	}

	b := builder.New(cfg)
	var installMu sync.Mutex

	buildFn := func(name string) error {
		if base, ok := bootstrapTask(name); ok {
			return runBootstrapBuild(ctx, b, index, base, graph.BootstrapExcluded[name])
		}
		p, ok := index[name]
		if !ok {
			return &wright.DependencyError{Msg: "no plan named " + name + " in the build graph"}
		}
		buildOpts := builder.Options{OnlyStage: *onlyStage, StopAfter: *stopAfter}
		for _, dep := range graph.Deps[name] {
			if strings.HasSuffix(dep, ":bootstrap") {
				buildOpts.ForceRebuild = true
			}
		}
		result, err := b.Build(ctx, p, filepath.Dir(p.Path), buildOpts)
		if err != nil {
			return err
		}
		if !*install {
			return nil
		}
		installMu.Lock()
		defer installMu.Unlock()
		return installBuildResult(database, p, result, *root, cfg)
	}

	sched := scheduler.New(graph.Deps, cfg.EffectiveJobs(*jobs), scheduler.StopOnFirstFailure, buildFn)
	sched.Verbose = *jobs <= 1
	return sched.Run()
}

// bootstrapTask recognizes a depgraph synthetic "<name>:bootstrap" node and
// returns the real plan name it builds an MVP pass of.
func bootstrapTask(name string) (base string, ok bool) {
	return strings.CutSuffix(name, ":bootstrap")
}

func runBootstrapBuild(ctx context.Context, b *builder.Builder, index map[string]*plan.Plan, name string, excluded []string) error {
	p, ok := index[name]
	if !ok {
		return &wright.DependencyError{Msg: "no plan named " + name + " for bootstrap task"}
	}
	extra := map[string]string{
		"WRIGHT_BOOTSTRAP_BUILD": "1",
		"WRIGHT_BUILD_PHASE":     "mvp",
	}
	for _, dep := range excluded {
		extra["WRIGHT_BOOTSTRAP_WITHOUT_"+sanitizeEnvName(dep)] = "1"
	}
	_, err := b.Build(ctx, p, filepath.Dir(p.Path), builder.Options{ExtraEnv: extra})
	return err
}

func sanitizeEnvName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// installBuildResult packs and installs the main package plus every split
// produced by a build, continuing past a PackageAlreadyInstalledError (a
// rebuild of an already-installed plan during a cascade is not fatal).
func installBuildResult(database *db.DB, p *plan.Plan, result *builder.Result, root string, cfg wconfig.Config) error {
	if err := packAndInstall(database, p, result.PkgDir, root, cfg); err != nil {
		return err
	}
	splitNames := make([]string, 0, len(result.SplitPkgDirs))
	for name := range result.SplitPkgDirs {
		splitNames = append(splitNames, name)
	}
	sort.Strings(splitNames)
	for _, name := range splitNames {
		splitPlan := p.Split[name].ToPlan(name, p)
		if err := packAndInstall(database, splitPlan, result.SplitPkgDirs[name], root, cfg); err != nil {
			return err
		}
	}
	return nil
}

func packAndInstall(database *db.DB, p *plan.Plan, pkgDir, root string, cfg wconfig.Config) error {
	if err := ensureDir(cfg.General.ArchivesDir); err != nil {
		return err
	}
	archivePath := filepath.Join(cfg.General.ArchivesDir, p.ArchiveFilename())
	if err := archive.Create(p, pkgDir, archivePath); err != nil {
		return err
	}
	if err := installArchive(database, archivePath, root); err != nil {
		if _, ok := err.(*wright.PackageAlreadyInstalledError); ok {
			log.Printf("install: %v, skipping", err)
			return nil
		}
		return err
	}
	return nil
}
