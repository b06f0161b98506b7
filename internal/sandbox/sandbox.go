// Package sandbox runs a lifecycle stage's script either directly or
// inside a Linux namespace sandbox, mirroring the re-exec-with-Cloneflags
// pattern the build driver uses for its own hermetic builds: the sandboxed
// run re-execs the current binary with syscall.SysProcAttr requesting new
// mount/PID/user namespaces, and the re-exec'd process becomes PID 1 inside
// them — no manual double-fork is needed the way it would be in C or Rust,
// since os/exec's Start already performs the clone() that would otherwise
// require a second fork to land inside the new PID namespace.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrightpm/wright/internal/wright"
)

// Level is the isolation strength applied to a lifecycle stage.
type Level int

const (
	// LevelNone runs the command directly on the host with no namespace
	// isolation — used for trusted stages or when the sandbox itself is
	// unavailable (containers without CAP_SYS_ADMIN, kernels with user
	// namespaces disabled).
	LevelNone Level = iota
	// LevelRelaxed isolates mounts, PIDs, and the UTS namespace but keeps
	// host networking and IPC, for stages that need network access
	// (fetch-adjacent build steps that talk to a package registry).
	LevelRelaxed
	// LevelStrict additionally isolates networking and IPC. This is the
	// default for ordinary build/check/package stages.
	LevelStrict
)

// ParseLevel maps a plan.toml "sandbox" field value to a Level, defaulting
// to Strict for anything unrecognized — matching the original tool's
// fail-closed default.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "none":
		return LevelNone
	case "relaxed":
		return LevelRelaxed
	default:
		return LevelStrict
	}
}

// Bind mounts an additional host path into the sandbox.
type Bind struct {
	Host     string
	Dest     string
	ReadOnly bool
}

// ResourceLimits carries a stage's resource limits. Zero means unlimited.
// Only TimeoutSecs is enforced, as a wall-clock deadline after which the
// process is killed; MemoryMB and CPUTimeSecs are not applied.
type ResourceLimits struct {
	MemoryMB    uint64
	CPUTimeSecs uint64
	TimeoutSecs uint64
}

// Config describes one sandboxed (or direct) command execution.
type Config struct {
	Level       Level
	SrcDir      string
	PkgDir      string
	FilesDir    string // empty if the plan has no files/ directory
	MainPkgDir  string // set only for a split package's package stage
	ExtraBinds  []Bind
	Env         []EnvVar
	RLimits     ResourceLimits
}

// EnvVar is an ordered environment variable assignment; order matters
// because later entries in the same key should not be double-pushed by
// callers (see executor.go's "don't override already-set" rule).
type EnvVar struct {
	Key   string
	Value string
}

// Result is a completed command's captured output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// sandboxChildEnv marks a re-exec'd process as the sandbox setup/exec
// child, the same way the build driver's re-exec guards on
// DISTRI_BUILD_PROCESS=1.
const sandboxChildEnv = "WRIGHT_SANDBOX_CHILD"

// childRequest is serialized to a temp file and handed to the re-exec'd
// child via its last argument.
type childRequest struct {
	Config  Config
	Command string
	Args    []string
}

// Run executes command with args inside the sandbox described by cfg. At
// LevelNone it runs directly. At any other level it re-execs the current
// binary into new namespaces; if namespace creation is refused by the
// kernel (unprivileged user namespaces disabled, seccomp profile blocking
// unshare), it logs a warning and falls back to direct execution rather
// than failing the build outright.
func Run(ctx context.Context, cfg Config, command string, args []string) (*Result, error) {
	if cfg.Level == LevelNone {
		return runDirect(ctx, cfg, command, args)
	}

	reqPath, err := writeChildRequest(cfg, command, args)
	if err != nil {
		return nil, err
	}
	defer os.Remove(reqPath)

	result, err := runSandboxed(ctx, cfg, reqPath)
	if err != nil {
		if se, ok := err.(*wright.SandboxError); ok {
			fmt.Fprintf(os.Stderr, "wright: sandbox unavailable (%s), falling back to direct execution\n", se.Msg)
			return runDirect(ctx, cfg, command, args)
		}
		return nil, err
	}
	return result, nil
}

func writeChildRequest(cfg Config, command string, args []string) (string, error) {
	f, err := os.CreateTemp("", "wright-sandbox-req-*.json")
	if err != nil {
		return "", wright.Wrap(err, "create sandbox request file")
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(childRequest{Config: cfg, Command: command, Args: args}); err != nil {
		return "", wright.Wrap(err, "encode sandbox request")
	}
	return f.Name(), nil
}

func runDirect(ctx context.Context, cfg Config, command string, args []string) (*Result, error) {
	if cfg.RLimits.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RLimits.TimeoutSecs)*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cfg.SrcDir
	cmd.Env = os.Environ()
	for _, e := range cfg.Env {
		cmd.Env = append(cmd.Env, e.Key+"="+e.Value)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &stdout)
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, wright.Wrap(err, "run "+command)
		}
	}
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// RunChildMain is invoked by cmd/wright's main when it detects it was
// re-exec'd as a sandbox child (sandboxChildEnv set). reqPath is the last
// CLI argument: the path to the serialized childRequest. It never returns
// on success — the real command replaces this process image via exec;
// on setup failure it exits with childSetupFailExitCode so the parent can
// tell setup failure apart from the sandboxed command's own exit code.
func RunChildMain(reqPath string) {
	code := runChild(reqPath)
	os.Exit(code)
}

// IsSandboxChild reports whether the current process was re-exec'd as a
// sandbox child, for cmd/wright's main to check before normal dispatch.
func IsSandboxChild() bool {
	return os.Getenv(sandboxChildEnv) == "1"
}

const childSetupFailExitCode = 111

func loadChildRequest(reqPath string) (*childRequest, error) {
	b, err := os.ReadFile(reqPath)
	if err != nil {
		return nil, err
	}
	var req childRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func defaultEtcFiles() []string {
	return []string{
		"/etc/ld.so.conf", "/etc/ld.so.cache", "/etc/resolv.conf",
		"/etc/hosts", "/etc/passwd", "/etc/group",
	}
}

func systemBindDirs() []string {
	return []string{"/usr", "/bin", "/sbin", "/lib", "/lib64"}
}

func sandboxRootDir() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf(".wright-sandbox-root-%d", os.Getpid()))
}
