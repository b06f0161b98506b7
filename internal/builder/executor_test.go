package builder

import (
	"testing"

	"github.com/wrightpm/wright/internal/sandbox"
)

func TestRemapForSandboxDirect(t *testing.T) {
	vars := map[string]string{"SRC_DIR": "/home/user/build/src", "PKG_DIR": "/home/user/build/pkg"}
	got := remapForSandbox(vars, ExecutorOptions{Level: sandbox.LevelNone})
	if got["SRC_DIR"] != vars["SRC_DIR"] || got["PKG_DIR"] != vars["PKG_DIR"] {
		t.Errorf("remapForSandbox at LevelNone should pass host paths through unchanged, got %v", got)
	}
}

func TestRemapForSandboxStrict(t *testing.T) {
	vars := map[string]string{
		"SRC_DIR":   "/home/user/build/src",
		"PKG_DIR":   "/home/user/build/pkg",
		"BUILD_DIR": "/home/user/build/src/hello-1.0.0",
	}
	got := remapForSandbox(vars, ExecutorOptions{Level: sandbox.LevelStrict, FilesDir: "/home/user/build/files", MainPkgDir: "/home/user/build/pkg"})

	if got["SRC_DIR"] != "/build" {
		t.Errorf("SRC_DIR = %q, want /build", got["SRC_DIR"])
	}
	if got["PKG_DIR"] != "/output" {
		t.Errorf("PKG_DIR = %q, want /output", got["PKG_DIR"])
	}
	if got["FILES_DIR"] != "/files" {
		t.Errorf("FILES_DIR = %q, want /files", got["FILES_DIR"])
	}
	if got["MAIN_PKG_DIR"] != "/main-pkg" {
		t.Errorf("MAIN_PKG_DIR = %q, want /main-pkg", got["MAIN_PKG_DIR"])
	}
	if got["BUILD_DIR"] != "/build/hello-1.0.0" {
		t.Errorf("BUILD_DIR = %q, want /build/hello-1.0.0 (SRC_DIR prefix remapped)", got["BUILD_DIR"])
	}
}

func TestRemapForSandboxNoFilesDir(t *testing.T) {
	vars := map[string]string{"SRC_DIR": "/x", "PKG_DIR": "/y"}
	got := remapForSandbox(vars, ExecutorOptions{Level: sandbox.LevelStrict})
	if _, ok := got["FILES_DIR"]; ok {
		t.Errorf("FILES_DIR should not be set when no files directory exists, got %q", got["FILES_DIR"])
	}
}
