//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wrightpm/wright/internal/wright"
)

func cloneFlagsFor(level Level, needUserNS bool) uintptr {
	var flags uintptr = unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS
	if level == LevelStrict {
		flags |= unix.CLONE_NEWIPC | unix.CLONE_NEWNET
	}
	if needUserNS {
		flags |= unix.CLONE_NEWUSER
	}
	return flags
}

// runSandboxed re-execs the current binary into new namespaces per cfg.Level
// and waits for it, streaming stdout/stderr as they arrive. A clone()
// failure (EPERM from a kernel that blocks unprivileged user namespaces, or
// a seccomp profile denying unshare) is reported as a *wright.SandboxError
// so Run can fall back to direct execution.
func runSandboxed(ctx context.Context, cfg Config, reqPath string) (*Result, error) {
	if cfg.RLimits.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RLimits.TimeoutSecs)*time.Second)
		defer cancel()
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	needUserNS := os.Getuid() != 0

	cmd := exec.CommandContext(ctx, self, "__wright_sandbox_exec", reqPath)
	cmd.Env = append(os.Environ(), sandboxChildEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlagsFor(cfg.Level, needUserNS),
	}
	if needUserNS {
		uid := os.Getuid()
		gid := os.Getgid()
		cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}}
		cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: gid, Size: 1}}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &stdout)
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)

	err = cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() == childSetupFailExitCode {
				return nil, &wright.SandboxError{Msg: "namespace setup refused by kernel", Err: err}
			}
			return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, &wright.SandboxError{Msg: "failed to launch sandboxed process", Err: err}
	}
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

// runChild performs the grandchild-side work from native.rs's double-fork
// design, but as a single process: by the time this runs, the re-exec'd
// process already *is* PID 1 inside the new PID namespace (os/exec's
// clone() with CLONE_NEWPID achieves in one step what Rust's nix-based
// fork() needed a second fork for), so mount setup and pivot_root happen
// directly here before the real command replaces this process image.
func runChild(reqPath string) int {
	req, err := loadChildRequest(reqPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: load request: %v\n", err)
		return childSetupFailExitCode
	}
	cfg := req.Config

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: mount MS_PRIVATE /: %v\n", err)
		return childSetupFailExitCode
	}

	root := sandboxRootDir()
	if err := os.MkdirAll(root, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: mkdir newroot: %v\n", err)
		return childSetupFailExitCode
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", 0, ""); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: mount tmpfs newroot: %v\n", err)
		return childSetupFailExitCode
	}

	bind := func(src, destRel string, readonly bool) error {
		dest := filepath.Join(root, destRel)
		info, err := os.Stat(src)
		if err != nil {
			return nil // optional bind target missing on host, skip
		}
		if info.IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return err
			}
			f.Close()
		}
		if err := unix.Mount(src, dest, "", unix.MS_BIND, ""); err != nil {
			return err
		}
		if readonly {
			if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return err
			}
		}
		return nil
	}

	for _, dir := range systemBindDirs() {
		if target, err := os.Readlink(dir); err == nil {
			dest := filepath.Join(root, dir)
			os.MkdirAll(filepath.Dir(dest), 0755)
			os.Symlink(target, dest)
			continue
		}
		if err := bind(dir, dir, true); err != nil {
			fmt.Fprintf(os.Stderr, "wright sandbox child: bind %s: %v\n", dir, err)
			return childSetupFailExitCode
		}
	}
	for _, f := range defaultEtcFiles() {
		if err := bind(f, f, true); err != nil {
			fmt.Fprintf(os.Stderr, "wright sandbox child: bind %s: %v\n", f, err)
			return childSetupFailExitCode
		}
	}

	if err := bind(cfg.SrcDir, "build", false); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: bind src: %v\n", err)
		return childSetupFailExitCode
	}
	if err := bind(cfg.PkgDir, "output", false); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: bind pkg: %v\n", err)
		return childSetupFailExitCode
	}
	if cfg.FilesDir != "" {
		if err := bind(cfg.FilesDir, "files", true); err != nil {
			fmt.Fprintf(os.Stderr, "wright sandbox child: bind files: %v\n", err)
			return childSetupFailExitCode
		}
	}
	if cfg.MainPkgDir != "" {
		if err := bind(cfg.MainPkgDir, "main-pkg", false); err != nil {
			fmt.Fprintf(os.Stderr, "wright sandbox child: bind main-pkg: %v\n", err)
			return childSetupFailExitCode
		}
	}
	for _, b := range cfg.ExtraBinds {
		if err := bind(b.Host, b.Dest, b.ReadOnly); err != nil {
			fmt.Fprintf(os.Stderr, "wright sandbox child: bind %s: %v\n", b.Host, err)
			return childSetupFailExitCode
		}
	}

	dev := filepath.Join(root, "dev")
	os.MkdirAll(dev, 0755)
	if err := unix.Mount("devtmpfs", dev, "devtmpfs", 0, ""); err != nil {
		unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC, "mode=0755")
		for _, name := range []string{"null", "zero", "urandom", "random", "full"} {
			hostDev := filepath.Join("/dev", name)
			newDev := filepath.Join(dev, name)
			if _, err := os.Stat(hostDev); err == nil {
				f, ferr := os.OpenFile(newDev, os.O_CREATE|os.O_WRONLY, 0644)
				if ferr == nil {
					f.Close()
					unix.Mount(hostDev, newDev, "", unix.MS_BIND, "")
				}
			}
		}
	}

	procDir := filepath.Join(root, "proc")
	os.MkdirAll(procDir, 0755)
	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: mount proc: %v\n", err)
		return childSetupFailExitCode
	}

	tmp := filepath.Join(root, "tmp")
	os.MkdirAll(tmp, 0755)
	unix.Mount("tmpfs", tmp, "tmpfs", 0, "")

	oldRoot := filepath.Join(root, ".old_root")
	os.MkdirAll(oldRoot, 0755)
	if err := unix.PivotRoot(root, oldRoot); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: pivot_root: %v\n", err)
		return childSetupFailExitCode
	}
	if err := unix.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: chdir /: %v\n", err)
		return childSetupFailExitCode
	}
	unix.Unmount("/.old_root", unix.MNT_DETACH)
	os.Remove("/.old_root")
	unix.Sethostname([]byte("wright-sandbox"))

	env := []string{"PATH=/usr/bin:/bin:/usr/sbin:/sbin", "HOME=/build", "TERM=xterm"}
	for _, e := range cfg.Env {
		env = append(env, e.Key+"="+e.Value)
	}

	if err := unix.Chdir("/build"); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: chdir /build: %v\n", err)
		return childSetupFailExitCode
	}

	argv := append([]string{req.Command}, req.Args...)
	path := req.Command
	if !filepath.IsAbs(path) {
		if resolved, err := exec.LookPath(path); err == nil {
			path = resolved
		}
	}
	if err := unix.Exec(path, argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "wright sandbox child: exec %s: %v\n", req.Command, err)
		return 127
	}
	return 0 // unreachable: Exec replaces this process on success
}
