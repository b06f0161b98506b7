package sandbox

import (
	"context"
	"os"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"none":     LevelNone,
		"None":     LevelNone,
		"relaxed":  LevelRelaxed,
		"RELAXED":  LevelRelaxed,
		"strict":   LevelStrict,
		"":         LevelStrict,
		"bogus":    LevelStrict,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsSandboxChild(t *testing.T) {
	os.Unsetenv(sandboxChildEnv)
	if IsSandboxChild() {
		t.Error("IsSandboxChild() should be false with the marker env var unset")
	}
	os.Setenv(sandboxChildEnv, "1")
	defer os.Unsetenv(sandboxChildEnv)
	if !IsSandboxChild() {
		t.Error("IsSandboxChild() should be true once the marker env var is set")
	}
}

func TestWriteAndLoadChildRequest(t *testing.T) {
	cfg := Config{
		Level:  LevelStrict,
		SrcDir: "/tmp/src", PkgDir: "/tmp/pkg",
		Env: []EnvVar{{Key: "FOO", Value: "bar"}},
	}
	path, err := writeChildRequest(cfg, "/bin/sh", []string{"-c", "true"})
	if err != nil {
		t.Fatalf("writeChildRequest: %v", err)
	}
	defer os.Remove(path)

	req, err := loadChildRequest(path)
	if err != nil {
		t.Fatalf("loadChildRequest: %v", err)
	}
	if req.Command != "/bin/sh" || len(req.Args) != 2 {
		t.Errorf("loadChildRequest() = %+v, want command /bin/sh with 2 args", req)
	}
	if req.Config.Level != LevelStrict || req.Config.SrcDir != "/tmp/src" {
		t.Errorf("loadChildRequest() config = %+v", req.Config)
	}
	if len(req.Config.Env) != 1 || req.Config.Env[0].Key != "FOO" {
		t.Errorf("loadChildRequest() env = %+v", req.Config.Env)
	}
}

func TestRunDirectSuccess(t *testing.T) {
	cfg := Config{Level: LevelNone, SrcDir: t.TempDir()}
	result, err := runDirect(context.Background(), cfg, "/bin/true", nil)
	if err != nil {
		t.Fatalf("runDirect: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("runDirect() exit code = %d, want 0", result.ExitCode)
	}
}

func TestRunDirectNonZeroExit(t *testing.T) {
	cfg := Config{Level: LevelNone, SrcDir: t.TempDir()}
	result, err := runDirect(context.Background(), cfg, "/bin/false", nil)
	if err != nil {
		t.Fatalf("runDirect: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("runDirect() exit code = 0, want nonzero for /bin/false")
	}
}
