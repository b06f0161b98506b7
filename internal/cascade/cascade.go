// Package cascade implements C2: growing the initial target set upward to
// missing build-time dependencies and downward to link-rebuild dependents.
package cascade

import (
	"sort"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/planindex"
)

// toolchainSet is protected from force-all expansion; those plans are only
// pulled in when genuinely missing from the installed database.
var toolchainSet = map[string]bool{
	"gcc": true, "glibc": true, "binutils": true, "make": true,
	"bison": true, "flex": true, "perl": true, "python": true,
	"texinfo": true, "m4": true, "sed": true, "gawk": true,
}

// Reason tags why a plan ended up in the expanded build set.
type Reason int

const (
	Explicit Reason = iota
	LinkDependency
	Transitive
)

// Options controls cascade scope and depth.
type Options struct {
	IncludeSelf       bool
	IncludeDeps       bool
	IncludeDependents bool
	RebuildDependents bool
	ForceAll          bool
	Depth             int // 0 = unbounded
}

// AnyExplicitScope reports whether the caller named any scope flag at all;
// when none are set the default scope (self + missing upstream deps) applies.
func (o Options) AnyExplicitScope() bool {
	return o.IncludeSelf || o.IncludeDeps || o.IncludeDependents
}

// Installed reports whether a package name is already present in the
// install database, used to decide whether a missing dependency must be
// pulled into the build set.
type Installed interface {
	IsInstalled(name string) bool
}

// Expand computes the final build set starting from the explicit targets.
func Expand(idx *planindex.Index, explicit []*plan.Plan, installed Installed, opts Options) (map[string]Reason, error) {
	doSelf, doDeps, doDependents := true, true, false
	if opts.AnyExplicitScope() {
		doSelf, doDeps, doDependents = opts.IncludeSelf, opts.IncludeDeps, opts.IncludeDependents
	}

	set := map[string]Reason{}
	for _, p := range explicit {
		set[p.Metadata.Name] = Explicit
	}

	if doDeps {
		expandUpward(idx, set, installed, opts)
	}
	if doDependents {
		// Link-rebuild dependents are always pulled once the downward
		// cascade runs; only the broader build/runtime cascade needs the
		// rebuild_dependents flag.
		expandDownward(idx, set, opts)
	}

	if !doSelf {
		for _, p := range explicit {
			if set[p.Metadata.Name] == Explicit {
				delete(set, p.Metadata.Name)
			}
		}
	}
	return set, nil
}

func expandUpward(idx *planindex.Index, set map[string]Reason, installed Installed, opts Options) {
	rounds := opts.Depth
	if rounds <= 0 {
		rounds = len(idx.All()) + 1 // unbounded: graph has at most this many hops
	}
	for round := 0; round < rounds; round++ {
		added := false
		names := sortedKeys(set)
		for _, name := range names {
			p, ok := idx.Lookup(name)
			if !ok {
				continue
			}
			deps := append(append([]string{}, p.Dependencies.Build...), p.Dependencies.Link...)
			if opts.ForceAll {
				deps = append(deps, p.Dependencies.Runtime...)
			}
			for _, depSpec := range deps {
				depName := specName(depSpec)
				if _, already := set[depName]; already {
					continue
				}
				if opts.ForceAll && toolchainSet[depName] && installed.IsInstalled(depName) {
					continue
				}
				if !opts.ForceAll && installed.IsInstalled(depName) {
					continue
				}
				if _, ok := idx.Lookup(depName); !ok {
					continue
				}
				set[depName] = Transitive
				added = true
			}
		}
		if !added {
			break
		}
	}
}

func expandDownward(idx *planindex.Index, set map[string]Reason, opts Options) {
	linkRev, otherRev := reverseDeps(idx)
	rounds := opts.Depth
	if rounds <= 0 {
		rounds = len(idx.All()) + 1
	}
	for round := 0; round < rounds; round++ {
		added := false
		names := sortedKeys(set)
		for _, name := range names {
			for _, dependent := range linkRev[name] {
				if _, ok := set[dependent]; !ok {
					if opts.ForceAll || !toolchainSet[dependent] {
						set[dependent] = LinkDependency
						added = true
					}
				}
			}
			if opts.RebuildDependents {
				for _, dependent := range otherRev[name] {
					if _, ok := set[dependent]; !ok {
						if opts.ForceAll || !toolchainSet[dependent] {
							set[dependent] = Transitive
							added = true
						}
					}
				}
			}
		}
		if !added {
			break
		}
	}
}

func expandDownwardLinkOnly(idx *planindex.Index, set map[string]Reason) {
	linkRev, _ := reverseDeps(idx)
	for {
		added := false
		for _, name := range sortedKeys(set) {
			for _, dependent := range linkRev[name] {
				if _, ok := set[dependent]; !ok {
					set[dependent] = LinkDependency
					added = true
				}
			}
		}
		if !added {
			break
		}
	}
}

func reverseDeps(idx *planindex.Index) (link map[string][]string, other map[string][]string) {
	link = map[string][]string{}
	other = map[string][]string{}
	for _, p := range idx.All() {
		for _, depSpec := range p.Dependencies.Link {
			n := specName(depSpec)
			link[n] = append(link[n], p.Metadata.Name)
		}
		for _, depSpec := range append(append([]string{}, p.Dependencies.Build...), p.Dependencies.Runtime...) {
			n := specName(depSpec)
			other[n] = append(other[n], p.Metadata.Name)
		}
	}
	return link, other
}

func specName(spec string) string {
	ds, err := parseSpecName(spec)
	if err != nil {
		return spec
	}
	return ds
}

func parseSpecName(spec string) (string, error) {
	s, err := plan.ParseDependencySpec(spec)
	if err != nil {
		return "", err
	}
	return s.Name, nil
}

func sortedKeys(m map[string]Reason) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
