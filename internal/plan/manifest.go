// Package plan parses and validates plan.toml files: the declarative,
// versioned description of one buildable part of the system.
package plan

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wrightpm/wright/internal/wright"
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// DefaultStages is the lifecycle order used when a plan does not declare
// lifecycle_order.stages.
var DefaultStages = []string{
	"fetch", "verify", "extract", "prepare", "configure", "build", "check", "package", "post_package",
}

// builtinStages are handled by the build driver itself, never as scripts.
var builtinStages = map[string]bool{"fetch": true, "verify": true, "extract": true}

// Metadata carries the identity fields shared by a top-level plan and its
// split sub-packages.
type Metadata struct {
	Name        string
	Version     string
	Release     uint32
	Description string
	License     string
	Arch        string
	URL         string `toml:"url"`
	Maintainer  string
}

// Dependencies partitions a plan's dependency specs by kind.
type Dependencies struct {
	Runtime   []string
	Build     []string
	Link      []string
	Optional  []OptionalDependency
	Conflicts []string
	Provides  []string
}

// OptionalDependency names an optional dependency and why a user might want it.
type OptionalDependency struct {
	Name        string
	Description string
}

// Sources holds the parallel URI/hash arrays for a plan's upstream sources.
type Sources struct {
	URIs   []string
	SHA256 []string
}

// Options carries the scalar build knobs a plan may override.
type Options struct {
	Strip         bool `toml:"strip"`
	Static        bool `toml:"static"`
	Debug         bool
	CCache        bool `toml:"ccache"`
	Jobs          int
	MemoryLimit   uint64 `toml:"memory_limit"`
	CPUTimeLimit  uint64 `toml:"cpu_time_limit"`
	TimeoutSecond uint64 `toml:"timeout"`
}

// DefaultOptions mirrors the original tool's BuildOptions::default.
func DefaultOptions() Options {
	return Options{Strip: true, CCache: true}
}

// Stage is one named, script-bearing lifecycle step.
type Stage struct {
	Executor string
	Sandbox  string
	Optional bool
	Env      map[string]string
	Script   string
}

// LifecycleOrder overrides the default stage sequence.
type LifecycleOrder struct {
	Stages []string
}

// InstallScripts are the three hook points a package may run around install.
type InstallScripts struct {
	PostInstall string `toml:"post_install"`
	PostUpgrade string `toml:"post_upgrade"`
	PreRemove   string `toml:"pre_remove"`
}

// Backup lists config files that survive a remove / are preserved on upgrade.
type Backup struct {
	Files []string
}

// Split is a sub-package: it inherits the parent's identity unless
// overridden and produces its own archive via a mandatory package stage.
// It is data describing a projection, not a second instance of Plan.
type Split struct {
	Description  string
	Version      string
	Release      uint32
	Arch         string
	License      string
	Dependencies Dependencies
	Lifecycle    map[string]Stage
	Install      *InstallScripts `toml:"install_scripts"`
	Backup       *Backup
}

// ToPlan projects a split into a standalone Plan for archive creation,
// inheriting identity fields the split did not override.
func (s Split) ToPlan(name string, parent *Plan) *Plan {
	version := s.Version
	if version == "" {
		version = parent.Metadata.Version
	}
	release := s.Release
	if release == 0 {
		release = parent.Metadata.Release
	}
	arch := s.Arch
	if arch == "" {
		arch = parent.Metadata.Arch
	}
	license := s.License
	if license == "" {
		license = parent.Metadata.License
	}
	return &Plan{
		Metadata: Metadata{
			Name:        name,
			Version:     version,
			Release:     release,
			Description: s.Description,
			License:     license,
			Arch:        arch,
			URL:         parent.Metadata.URL,
			Maintainer:  parent.Metadata.Maintainer,
		},
		Dependencies: s.Dependencies,
		Lifecycle:    s.Lifecycle,
		Install:      s.Install,
		Backup:       s.Backup,
	}
}

// Plan is the fully parsed, read-only contents of a plan.toml file.
type Plan struct {
	Metadata       Metadata `toml:"plan"`
	Dependencies   Dependencies
	Sources        Sources
	Options        Options
	Lifecycle      map[string]Stage
	LifecycleOrder *LifecycleOrder `toml:"lifecycle_order"`
	Install        *InstallScripts `toml:"install_scripts"`
	Backup         *Backup
	MVP            *struct {
		Dependencies Dependencies
	} `toml:"mvp"`
	Split map[string]Split

	// Path is the absolute filesystem path this plan was parsed from; not
	// part of the TOML schema.
	Path string `toml:"-"`
}

// StageOrder returns the effective lifecycle stage sequence for this plan.
func (p *Plan) StageOrder() []string {
	if p.LifecycleOrder != nil {
		return p.LifecycleOrder.Stages
	}
	return DefaultStages
}

// ArchiveFilename returns the binary archive name for this plan.
func (p *Plan) ArchiveFilename() string {
	return fmt.Sprintf("%s-%s-%d-%s.wright.tar.zst", p.Metadata.Name, p.Metadata.Version, p.Metadata.Release, p.Metadata.Arch)
}

// Parse parses and validates plan.toml content.
func Parse(content []byte) (*Plan, error) {
	var p Plan
	p.Options = DefaultOptions()
	if _, err := toml.Decode(string(content), &p); err != nil {
		return nil, &wright.ParseError{Err: err}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseFile reads and parses a plan.toml file from disk.
func ParseFile(path string) (*Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, wright.Wrap(err, fmt.Sprintf("read %s", path))
	}
	p, err := Parse(content)
	if err != nil {
		if pe, ok := err.(*wright.ParseError); ok {
			pe.Path = path
			return nil, pe
		}
		return nil, err
	}
	p.Path = path
	return p, nil
}

// Validate checks every invariant named in the data model: name shape,
// version syntax, release positivity, stage-name membership, hash/URI
// parity, and split sub-package constraints.
func (p *Plan) Validate() error {
	if !nameRe.MatchString(p.Metadata.Name) {
		return &wright.ValidationError{Msg: fmt.Sprintf("invalid package name %q: must match [a-z0-9][a-z0-9_-]*", p.Metadata.Name)}
	}
	if len(p.Metadata.Name) > 64 {
		return &wright.ValidationError{Msg: "package name must be at most 64 characters"}
	}
	if _, err := ParseVersion(p.Metadata.Version); err != nil {
		return err
	}
	if p.Metadata.Release == 0 {
		return &wright.ValidationError{Msg: "release must be >= 1"}
	}
	if p.Metadata.Description == "" {
		return &wright.ValidationError{Msg: "description must not be empty"}
	}
	if p.Metadata.License == "" {
		return &wright.ValidationError{Msg: "license must not be empty"}
	}
	if p.Metadata.Arch == "" {
		return &wright.ValidationError{Msg: "arch must not be empty"}
	}
	if !wright.Architectures[p.Metadata.Arch] {
		return &wright.ValidationError{Msg: fmt.Sprintf("unknown arch %q", p.Metadata.Arch)}
	}

	stages := p.StageOrder()
	valid := map[string]bool{}
	for _, s := range stages {
		valid[s] = true
		valid["pre_"+s] = true
		valid["post_"+s] = true
	}
	for key := range p.Lifecycle {
		if !valid[key] {
			return &wright.ValidationError{Msg: fmt.Sprintf("unknown lifecycle stage %q. Valid stages: %s", key, strings.Join(userStages(stages), ", "))}
		}
	}

	if len(p.Sources.SHA256) != len(p.Sources.URIs) {
		return &wright.ValidationError{Msg: fmt.Sprintf("sha256 count (%d) must match uris count (%d)", len(p.Sources.SHA256), len(p.Sources.URIs))}
	}

	splitNames := make([]string, 0, len(p.Split))
	for name := range p.Split {
		splitNames = append(splitNames, name)
	}
	sort.Strings(splitNames)
	for _, name := range splitNames {
		split := p.Split[name]
		if !nameRe.MatchString(name) {
			return &wright.ValidationError{Msg: fmt.Sprintf("invalid split package name %q: must match [a-z0-9][a-z0-9_-]*", name)}
		}
		if name == p.Metadata.Name {
			return &wright.ValidationError{Msg: fmt.Sprintf("split package name %q must not collide with the main package name", name)}
		}
		if split.Description == "" {
			return &wright.ValidationError{Msg: fmt.Sprintf("split package %q: description must not be empty", name)}
		}
		if _, ok := split.Lifecycle["package"]; !ok {
			return &wright.ValidationError{Msg: fmt.Sprintf("split package %q: lifecycle.package stage is required", name)}
		}
		if split.Version != "" {
			if _, err := ParseVersion(split.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

func userStages(stages []string) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		if !builtinStages[s] {
			out = append(out, s)
		}
	}
	return out
}

// IsBuiltinStage reports whether name is handled by the build driver itself
// rather than executed as a script.
func IsBuiltinStage(name string) bool { return builtinStages[name] }
