// Package wconfig loads the layered wright.toml configuration and the
// assembly files that alias groups of plans.
package wconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/wrightpm/wright/internal/planindex"
	"github.com/wrightpm/wright/internal/wright"
)

// General holds directory layout and architecture settings.
type General struct {
	Arch          string `toml:"arch"`
	PlansDir      string `toml:"plans_dir"`
	ComponentsDir string `toml:"components_dir"`
	CacheDir      string `toml:"cache_dir"`
	ArchivesDir   string `toml:"archives_dir"`
	DBPath        string `toml:"db_path"`
	LogDir        string `toml:"log_dir"`
	ExecutorsDir  string `toml:"executors_dir"`
	AssembliesDir string `toml:"assemblies_dir"`
}

// Build holds compiler flags and scheduling/resource defaults.
type Build struct {
	BuildDir        string `toml:"build_dir"`
	DefaultSandbox  string `toml:"default_dockyard"`
	CFLAGS          string `toml:"cflags"`
	CXXFLAGS        string `toml:"cxxflags"`
	Strip           bool   `toml:"strip"`
	CCache          bool   `toml:"ccache"`
	MemoryLimit     uint64 `toml:"memory_limit"`
	CPUTimeLimit    uint64 `toml:"cpu_time_limit"`
	Timeout         uint64 `toml:"timeout"`
	Dockyards       int    `toml:"dockyards"`
	NprocPerDockyard int   `toml:"nproc_per_dockyard"`
	// MaxCPUs, if set, clamps both the scheduler worker cap and the NPROC
	// value injected into each build; see SPEC_FULL.md §9.
	MaxCPUs int `toml:"max_cpus"`
}

// Network holds downloader timeout/retry settings.
type Network struct {
	DownloadTimeout uint64 `toml:"download_timeout"`
	RetryCount      uint32 `toml:"retry_count"`
}

// Config is the top-level, fully merged configuration.
type Config struct {
	General General
	Build   Build
	Network Network
}

func defaultGeneral() General {
	uid := os.Getuid()
	useXDG := uid != 0
	cache := "/var/lib/wright/cache"
	logDir := "/var/log/wright"
	if useXDG {
		if v, ok := xdgCache(); ok {
			cache = v
		}
		if v, ok := xdgState(); ok {
			logDir = v
		}
	}
	return General{
		Arch:          "x86_64",
		PlansDir:      "/var/lib/wright/plans",
		ComponentsDir: "/var/lib/wright/components",
		CacheDir:      cache,
		ArchivesDir:   "/var/lib/wright/archives",
		DBPath:        "/var/lib/wright/db/packages.db",
		LogDir:        logDir,
		ExecutorsDir:  "/etc/wright/executors",
		AssembliesDir: "/etc/wright/assemblies",
	}
}

func xdgCache() (string, bool) {
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return filepath.Join(v, "wright"), true
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".cache", "wright"), true
	}
	return "", false
}

func xdgState() (string, bool) {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "wright"), true
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "state", "wright"), true
	}
	return "", false
}

func xdgConfigPath() (string, bool) {
	if os.Getuid() == 0 {
		return "", false
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "wright", "wright.toml"), true
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "wright", "wright.toml"), true
	}
	return "", false
}

// Default returns built-in defaults with no file applied.
func Default() Config {
	return Config{
		General: defaultGeneral(),
		Build: Build{
			BuildDir:       "/tmp/wright-build",
			DefaultSandbox: "strict",
			CFLAGS:         "-O2 -pipe -march=x86-64",
			CXXFLAGS:       "-O2 -pipe -march=x86-64",
			Strip:          true,
		},
		Network: Network{DownloadTimeout: 300, RetryCount: 3},
	}
}

// Load resolves the layered configuration. When path is non-empty, that
// single file is loaded as-is with no layering. Otherwise layers are merged
// in ascending priority: /etc/wright/wright.toml, then the per-user XDG
// config (skipped when running as root), then ./wright.toml — any layer
// missing on disk is silently skipped, and every layer only needs to name
// the keys it overrides.
func Load(path string) (Config, error) {
	if path != "" {
		cfg := Default()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, &wright.ParseError{Path: path, Err: err}
		}
		return cfg, nil
	}

	layers := []string{"/etc/wright/wright.toml"}
	if xdg, ok := xdgConfigPath(); ok {
		layers = append(layers, xdg)
	}
	layers = append(layers, "./wright.toml")

	var merged map[string]interface{}
	for _, layer := range layers {
		if _, err := os.Stat(layer); err != nil {
			continue
		}
		var m map[string]interface{}
		if _, err := toml.DecodeFile(layer, &m); err != nil {
			return Config{}, &wright.ParseError{Path: layer, Err: err}
		}
		merged = mergeTables(merged, m)
	}
	cfg := Default()
	if merged == nil {
		return cfg, nil
	}
	buf, err := tomlRoundtrip(merged)
	if err != nil {
		return Config{}, wright.Wrap(err, "re-encode merged config")
	}
	if _, err := toml.Decode(buf, &cfg); err != nil {
		return Config{}, wright.Wrap(err, "decode merged config")
	}
	return cfg, nil
}

// mergeTables recursively merges overlay into base: nested tables merge
// key-by-key, everything else (scalars, arrays) is replaced wholesale by
// the overlay's value.
func mergeTables(base, overlay map[string]interface{}) map[string]interface{} {
	if base == nil {
		return overlay
	}
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bv, ok := out[k]; ok {
			if bvMap, ok1 := bv.(map[string]interface{}); ok1 {
				if vMap, ok2 := v.(map[string]interface{}); ok2 {
					out[k] = mergeTables(bvMap, vMap)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

func tomlRoundtrip(m map[string]interface{}) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EffectiveJobs resolves the NPROC value injected into a build: a per-plan
// override (planJobs > 0) wins outright, otherwise the configured
// build.dockyards count is used, falling back to the detected CPU count when
// dockyards is unset. MaxCPUs, if set, clamps the result either way.
func (c Config) EffectiveJobs(planJobs int) int {
	jobs := planJobs
	if jobs <= 0 {
		jobs = c.Build.Dockyards
	}
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if c.Build.MaxCPUs > 0 && jobs > c.Build.MaxCPUs {
		jobs = c.Build.MaxCPUs
	}
	if jobs <= 0 {
		jobs = 1
	}
	return jobs
}

// AssembliesConfig is the parsed contents of one or more assembly files.
type AssembliesConfig struct {
	Assemblies map[string]planindex.Assembly
}

// LoadAssembliesDir loads every *.toml file in dir as an assembly file,
// merging their assemblies tables.
func LoadAssembliesDir(dir string) (map[string]planindex.Assembly, error) {
	out := map[string]planindex.Assembly{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, wright.Wrap(err, "read assemblies dir "+dir)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var part AssembliesConfig
		if _, err := toml.DecodeFile(path, &part); err != nil {
			return nil, &wright.ParseError{Path: path, Err: err}
		}
		for name, asm := range part.Assemblies {
			out[name] = asm
		}
	}
	return out, nil
}
