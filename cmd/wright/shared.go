package main

import (
	"log"
	"os"

	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/install"
	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/planindex"
	"github.com/wrightpm/wright/internal/wconfig"
)

// ensureDir creates dir (and any missing parents) if it does not exist yet.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// installArchive is a thin wrapper so build.go's cascade-driven auto-install
// and install.go's standalone verb share the same call shape.
func installArchive(database *db.DB, archivePath, root string) error {
	return install.Install(database, archivePath, root)
}

// loadConfig loads the layered configuration honoring the top-level -config
// flag.
func loadConfig() (wconfig.Config, error) {
	return wconfig.Load(*configPath)
}

// loadIndex discovers every plan.toml under cfg's configured roots and the
// assembly files that alias groups of them.
func loadIndex(cfg wconfig.Config) (*planindex.Index, map[string]planindex.Assembly, error) {
	warnlog := log.New(os.Stderr, "", 0)
	idx, err := planindex.Discover([]string{cfg.General.PlansDir, cfg.General.ComponentsDir}, warnlog)
	if err != nil {
		return nil, nil, err
	}
	assemblies, err := wconfig.LoadAssembliesDir(cfg.General.AssembliesDir)
	if err != nil {
		return nil, nil, err
	}
	return idx, assemblies, nil
}

// splitParents maps every split sub-package name to its parent plan's name,
// used to rewrite dependency edges that name a split onto the plan that
// actually owns its build.
func splitParents(idx *planindex.Index) map[string]string {
	out := map[string]string{}
	for _, p := range idx.All() {
		for name := range p.Split {
			out[name] = p.Metadata.Name
		}
	}
	return out
}

// planIndexByName builds the map[string]*plan.Plan depgraph.Build expects.
func planIndexByName(idx *planindex.Index) map[string]*plan.Plan {
	out := map[string]*plan.Plan{}
	for _, p := range idx.All() {
		out[p.Metadata.Name] = p
	}
	return out
}
