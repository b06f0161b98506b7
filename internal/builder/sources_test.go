package builder

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeCacheFilename(t *testing.T) {
	cases := map[string]string{
		"hello-1.0.0.tar.gz": "hello-1.0.0.tar.gz",
		"../../etc/passwd":   ".._.._etc_passwd",
		"a/b/c":              "a_b_c",
	}
	for in, want := range cases {
		if got := sanitizeCacheFilename(in); got != want {
			t.Errorf("sanitizeCacheFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSourceCacheFilename(t *testing.T) {
	got := sourceCacheFilename("hello", "https://example.org/dl/v1.0.0.tar.gz")
	want := "hello-v1.0.0.tar.gz"
	if got != want {
		t.Errorf("sourceCacheFilename() = %q, want %q", got, want)
	}
}

func TestIsArchiveFilename(t *testing.T) {
	for _, name := range []string{"x.tar.gz", "x.tgz", "x.tar.xz", "x.tar.bz2", "x.tar.zst"} {
		if !isArchiveFilename(name) {
			t.Errorf("isArchiveFilename(%q) = false, want true", name)
		}
	}
	if isArchiveFilename("x.patch") {
		t.Error("isArchiveFilename(\"x.patch\") = true, want false")
	}
}

func TestIsRemoteAndGitURI(t *testing.T) {
	if !isRemoteURI("https://example.org/x.tar.gz") {
		t.Error("https URI should be remote")
	}
	if !isRemoteURI("git+https://example.org/repo.git") {
		t.Error("git+ URI should be remote")
	}
	if !isGitURI("git+https://example.org/repo.git#v1.0.0") {
		t.Error("git+ URI should be detected as a git source")
	}
	if isRemoteURI("files/patch.diff") {
		t.Error("relative local path should not be remote")
	}
}

func TestDetectBuildDirSingleSubdir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "hello-1.0.0"), 0755); err != nil {
		t.Fatal(err)
	}
	got, err := detectBuildDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "hello-1.0.0"); got != want {
		t.Errorf("detectBuildDir() = %q, want %q", got, want)
	}
}

func TestDetectBuildDirMultipleEntries(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "a"), 0755)
	os.MkdirAll(filepath.Join(dir, "b"), 0755)
	got, err := detectBuildDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("detectBuildDir() = %q, want %q (tree root, no single subdir)", got, dir)
	}
}

func TestValidateLocalPathRejectsEscape(t *testing.T) {
	holdDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(holdDir, "local.patch"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := validateLocalPath(holdDir, "local.patch"); err != nil {
		t.Fatalf("validateLocalPath() for an in-tree file: %v", err)
	}
	if _, err := validateLocalPath(holdDir, "../../etc/passwd"); err == nil {
		t.Fatal("validateLocalPath() should reject a path escaping the plan directory")
	}
}
