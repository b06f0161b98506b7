package builder

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wrightpm/wright/internal/sandbox"
	"github.com/wrightpm/wright/internal/wright"
)

// ExecutorConfig describes one named command used to run a lifecycle
// stage's script: which interpreter, what args, and how the script reaches
// it (as a tempfile path appended to args, or some other delivery scheme a
// future executor might add).
type ExecutorConfig struct {
	Name               string   `toml:"name"`
	Description        string   `toml:"description"`
	Command            string   `toml:"command"`
	Args               []string `toml:"args"`
	Delivery           string   `toml:"delivery"`
	TempfileExtension  string   `toml:"tempfile_extension"`
	RequiredPaths      []string `toml:"required_paths"`
	DefaultSandbox     string   `toml:"default_dockyard"`
}

func defaultShellExecutor() ExecutorConfig {
	return ExecutorConfig{
		Name:              "shell",
		Description:       "Bash shell executor",
		Command:           "/bin/bash",
		Args:              []string{"-e", "-o", "pipefail"},
		Delivery:          "tempfile",
		TempfileExtension: ".sh",
		DefaultSandbox:    "strict",
	}
}

type executorWrapper struct {
	Executor ExecutorConfig `toml:"executor"`
}

// ExecutorRegistry holds every executor a build may name in a stage's
// `executor = "..."` field, pre-seeded with the built-in shell executor.
type ExecutorRegistry struct {
	executors map[string]ExecutorConfig
}

// NewExecutorRegistry returns a registry containing only the built-in shell
// executor.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: map[string]ExecutorConfig{"shell": defaultShellExecutor()}}
}

// LoadDir loads every *.toml file in dir as an additional [executor] table,
// overriding any built-in of the same name. A missing directory is not an
// error, since /etc/wright/executors is optional.
func (r *ExecutorRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wright.Wrap(err, "read executors dir "+dir)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var wrapper executorWrapper
		if _, err := toml.DecodeFile(path, &wrapper); err != nil {
			return &wright.ParseError{Path: path, Err: err}
		}
		log.Printf("loaded executor %q from %s", wrapper.Executor.Name, path)
		r.executors[wrapper.Executor.Name] = wrapper.Executor
	}
	return nil
}

// Get looks up an executor by name.
func (r *ExecutorRegistry) Get(name string) (ExecutorConfig, bool) {
	cfg, ok := r.executors[name]
	return cfg, ok
}

// ExecutorOptions carries the per-invocation sandbox parameters layered on
// top of an ExecutorConfig: which directories get bind-mounted where, and
// under what isolation level.
type ExecutorOptions struct {
	Level      sandbox.Level
	SrcDir     string
	PkgDir     string
	FilesDir   string // empty if the plan has no files/ directory
	MainPkgDir string // set only for a split package's package stage
	RLimits    sandbox.ResourceLimits
}

// ExecutionResult is a completed stage script's captured output.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// hostPassthroughVars lists host environment variables forwarded into every
// sandboxed build unless the plan's own stage env already sets them —
// critical for bootstrap/stage1 builds where CC, LIBRARY_PATH, etc. point
// at non-standard toolchain locations the scripts themselves don't know
// about.
var hostPassthroughVars = []string{
	"CC", "CXX", "AR", "AS", "LD", "NM", "RANLIB", "STRIP", "OBJCOPY", "OBJDUMP",
	"CFLAGS", "CXXFLAGS", "CPPFLAGS", "LDFLAGS",
	"C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH", "LIBRARY_PATH",
	"PKG_CONFIG_PATH", "PKG_CONFIG_SYSROOT_DIR",
	"MAKEFLAGS", "JOBS",
}

// ExecuteScript runs script under the named executor, remapping path
// variables to sandbox mount points when sandboxed, auto-injecting
// parallelism env vars, and passing through host toolchain variables the
// stage env hasn't already set.
func ExecuteScript(
	ctx context.Context,
	ex ExecutorConfig,
	script string,
	workingDir string,
	stageEnv map[string]string,
	vars map[string]string,
	opts ExecutorOptions,
) (*ExecutionResult, error) {
	effective := remapForSandbox(vars, opts)
	expanded := Substitute(script, effective)

	scriptName := ".wright_script" + ex.TempfileExtension
	scriptPath := filepath.Join(workingDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(expanded), 0755); err != nil {
		return nil, &wright.BuildError{Msg: fmt.Sprintf("failed to write build script: %v", err)}
	}

	cfg := sandbox.Config{
		Level:    opts.Level,
		SrcDir:   opts.SrcDir,
		PkgDir:   opts.PkgDir,
		FilesDir: opts.FilesDir,
		RLimits:  opts.RLimits,
	}
	if opts.MainPkgDir != "" {
		cfg.MainPkgDir = opts.MainPkgDir
		cfg.ExtraBinds = append(cfg.ExtraBinds, sandbox.Bind{Host: opts.MainPkgDir, Dest: "main-pkg", ReadOnly: false})
	}

	seen := map[string]bool{}
	for key, value := range stageEnv {
		expandedValue := Substitute(value, effective)
		cfg.Env = append(cfg.Env, sandbox.EnvVar{Key: key, Value: expandedValue})
		seen[key] = true
	}

	// Expose build variables themselves as environment too, without
	// clobbering anything the stage env already set.
	varKeys := make([]string, 0, len(effective))
	for k := range effective {
		varKeys = append(varKeys, k)
	}
	sort.Strings(varKeys)
	for _, key := range varKeys {
		if seen[key] {
			continue
		}
		cfg.Env = append(cfg.Env, sandbox.EnvVar{Key: key, Value: effective[key]})
		seen[key] = true
	}

	if nproc, ok := effective["NPROC"]; ok {
		if !seen["CMAKE_BUILD_PARALLEL_LEVEL"] {
			cfg.Env = append(cfg.Env, sandbox.EnvVar{Key: "CMAKE_BUILD_PARALLEL_LEVEL", Value: nproc})
			seen["CMAKE_BUILD_PARALLEL_LEVEL"] = true
		}
		if !seen["MAKEFLAGS"] {
			cfg.Env = append(cfg.Env, sandbox.EnvVar{Key: "MAKEFLAGS", Value: "-j" + nproc})
			seen["MAKEFLAGS"] = true
		}
	}

	for _, key := range hostPassthroughVars {
		if seen[key] {
			continue
		}
		if value, ok := os.LookupEnv(key); ok {
			cfg.Env = append(cfg.Env, sandbox.EnvVar{Key: key, Value: value})
			seen[key] = true
		}
	}

	args := append([]string{}, ex.Args...)
	if ex.Delivery == "tempfile" {
		if opts.Level == sandbox.LevelNone {
			args = append(args, scriptPath)
		} else {
			args = append(args, "/build/"+scriptName)
		}
	}

	result, err := sandbox.Run(ctx, cfg, ex.Command, args)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

// remapForSandbox rewrites SRC_DIR/PKG_DIR/FILES_DIR/BUILD_DIR/MAIN_PKG_DIR
// to their in-sandbox mount points; outside a sandbox the host paths pass
// through unchanged.
func remapForSandbox(vars map[string]string, opts ExecutorOptions) map[string]string {
	if opts.Level == sandbox.LevelNone {
		out := make(map[string]string, len(vars))
		for k, v := range vars {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	if hostBuildDir, ok := vars["BUILD_DIR"]; ok {
		if hostSrcDir, ok2 := vars["SRC_DIR"]; ok2 {
			if suffix, found := strings.CutPrefix(hostBuildDir, hostSrcDir); found {
				out["BUILD_DIR"] = "/build" + suffix
			} else {
				out["BUILD_DIR"] = "/build"
			}
		}
	}
	out["SRC_DIR"] = "/build"
	out["PKG_DIR"] = "/output"
	if opts.FilesDir != "" {
		out["FILES_DIR"] = "/files"
	}
	if opts.MainPkgDir != "" {
		out["MAIN_PKG_DIR"] = "/main-pkg"
	}
	return out
}
