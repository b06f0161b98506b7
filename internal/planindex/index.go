// Package planindex implements C1: discovering plan files under configured
// roots and resolving target specifications (assembly names, bare plan
// names, filesystem paths) into a set of plan files.
package planindex

import (
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/wrightpm/wright/internal/plan"
	"github.com/wrightpm/wright/internal/wright"
)

// Index maps a plan's name to the parsed plan and keeps the list of roots
// it was discovered from.
type Index struct {
	Roots   []string
	byName  map[string]*plan.Plan
	Warnlog *log.Logger
}

// Discover walks every root looking for plan.toml files, parsing each one.
// A plan that fails to parse or validate is skipped with a warning rather
// than aborting the whole discovery pass, so one bad plan does not blind
// the index to the rest of the tree.
func Discover(roots []string, warnlog *log.Logger) (*Index, error) {
	idx := &Index{Roots: roots, byName: map[string]*plan.Plan{}, Warnlog: warnlog}
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if d.IsDir() || filepath.Base(path) != "plan.toml" {
				return nil
			}
			p, perr := plan.ParseFile(path)
			if perr != nil {
				if idx.Warnlog != nil {
					idx.Warnlog.Printf("planindex: skipping %s: %v", path, perr)
				}
				return nil
			}
			idx.byName[p.Metadata.Name] = p
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, wright.Wrap(err, "discover plans under "+root)
		}
	}
	return idx, nil
}

// Lookup returns the plan registered under name, if any.
func (idx *Index) Lookup(name string) (*plan.Plan, bool) {
	p, ok := idx.byName[name]
	return p, ok
}

// All returns every indexed plan, sorted by name for deterministic iteration.
func (idx *Index) All() []*plan.Plan {
	names := make([]string, 0, len(idx.byName))
	for n := range idx.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*plan.Plan, 0, len(names))
	for _, n := range names {
		out = append(out, idx.byName[n])
	}
	return out
}

// Resolve expands target specs into a deduplicated set of plans. Each spec
// is one of: "@assembly" (expanded via assemblies, transitively including
// includes), a bare name (index lookup with a strict-reparse fallback that
// walks every root searching for a matching directory so the real parse
// error surfaces instead of "not found"), or a filesystem path to a plan
// file or a directory containing one.
func (idx *Index) Resolve(specs []string, assemblies map[string]Assembly) ([]*plan.Plan, error) {
	seen := map[string]*plan.Plan{}
	var order []string
	add := func(p *plan.Plan) {
		if _, ok := seen[p.Metadata.Name]; !ok {
			order = append(order, p.Metadata.Name)
		}
		seen[p.Metadata.Name] = p
	}

	var resolveOne func(spec string) error
	resolveOne = func(spec string) error {
		switch {
		case len(spec) > 0 && spec[0] == '@':
			asm, ok := assemblies[spec[1:]]
			if !ok {
				if idx.Warnlog != nil {
					idx.Warnlog.Printf("planindex: unknown assembly %q", spec)
				}
				return nil
			}
			for _, p := range asm.Plans {
				if pl, ok := idx.Lookup(p); ok {
					add(pl)
				} else if err := resolveOne(p); err != nil {
					return err
				}
			}
			for _, inc := range asm.Includes {
				if err := resolveOne("@" + inc); err != nil {
					return err
				}
			}
			return nil
		default:
			if st, err := os.Stat(spec); err == nil {
				path := spec
				if st.IsDir() {
					path = filepath.Join(spec, "plan.toml")
				}
				p, err := plan.ParseFile(path)
				if err != nil {
					return err
				}
				add(p)
				return nil
			}
			if p, ok := idx.Lookup(spec); ok {
				add(p)
				return nil
			}
			// Fallback: re-search every root strictly, so a genuine parse
			// error is reported instead of a blanket "not found".
			for _, root := range idx.Roots {
				candidate := filepath.Join(root, spec, "plan.toml")
				if _, err := os.Stat(candidate); err == nil {
					p, err := plan.ParseFile(candidate)
					if err != nil {
						return err
					}
					add(p)
					return nil
				}
			}
			return &wright.DependencyError{Msg: "unresolved target: " + spec}
		}
	}

	for _, spec := range specs {
		if err := resolveOne(spec); err != nil {
			return nil, err
		}
	}
	if len(order) == 0 {
		return nil, &wright.DependencyError{Msg: "No targets specified"}
	}
	out := make([]*plan.Plan, 0, len(order))
	for _, name := range order {
		out = append(out, seen[name])
	}
	return out, nil
}

// Assembly is a named, possibly recursive collection of plan names.
type Assembly struct {
	Description string
	Plans       []string
	Includes    []string
}
