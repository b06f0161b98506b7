package install_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wrightpm/wright/internal/archive"
	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/install"
	"github.com/wrightpm/wright/internal/plan"
)

func testPlan(name string) *plan.Plan {
	return &plan.Plan{
		Metadata: plan.Metadata{
			Name: name, Version: "1.0.0", Release: 1,
			Description: "test package", License: "MIT", Arch: "amd64",
		},
	}
}

func buildArchive(t *testing.T, p *plan.Plan, files map[string]string) string {
	t.Helper()
	stage := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(stage, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	dest := filepath.Join(t.TempDir(), p.Metadata.Name+".pkg")
	if err := archive.Create(p, stage, dest); err != nil {
		t.Fatal(err)
	}
	return dest
}

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "wright.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestInstallThenVerify(t *testing.T) {
	d := openTestDB(t)
	root := t.TempDir()
	archivePath := buildArchive(t, testPlan("hello"), map[string]string{
		"usr/bin/hello": "#!/bin/sh\necho hi\n",
	})

	if err := install.Install(d, archivePath, root); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !d.IsInstalled("hello") {
		t.Fatal("package not recorded as installed")
	}
	if _, err := os.Stat(filepath.Join(root, "usr/bin/hello")); err != nil {
		t.Fatalf("installed file missing: %v", err)
	}

	problems, err := install.Verify(d, "hello", root)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("Verify found unexpected problems: %v", problems)
	}
}

func TestInstallRefusesDuplicate(t *testing.T) {
	d := openTestDB(t)
	root := t.TempDir()
	archivePath := buildArchive(t, testPlan("hello"), map[string]string{"usr/bin/hello": "x"})

	if err := install.Install(d, archivePath, root); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	if err := install.Install(d, archivePath, root); err == nil {
		t.Fatal("expected second Install of the same package to fail")
	}
}

func TestInstallDetectsFileConflict(t *testing.T) {
	d := openTestDB(t)
	root := t.TempDir()

	first := buildArchive(t, testPlan("a"), map[string]string{"usr/bin/tool": "a"})
	if err := install.Install(d, first, root); err != nil {
		t.Fatalf("install a: %v", err)
	}

	second := buildArchive(t, testPlan("b"), map[string]string{"usr/bin/tool": "b"})
	if err := install.Install(d, second, root); err == nil {
		t.Fatal("expected file conflict error")
	}
}

func TestVerifyDetectsModifiedFile(t *testing.T) {
	d := openTestDB(t)
	root := t.TempDir()
	archivePath := buildArchive(t, testPlan("hello"), map[string]string{"usr/bin/hello": "original"})

	if err := install.Install(d, archivePath, root); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "usr/bin/hello"), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}

	problems, err := install.Verify(d, "hello", root)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	found := false
	for _, p := range problems {
		if p == "MODIFIED: /usr/bin/hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Verify did not report modification, got: %v", problems)
	}
}

func TestRemove(t *testing.T) {
	d := openTestDB(t)
	root := t.TempDir()
	archivePath := buildArchive(t, testPlan("hello"), map[string]string{"usr/bin/hello": "x"})

	if err := install.Install(d, archivePath, root); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := install.Remove(d, "hello", root); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if d.IsInstalled("hello") {
		t.Fatal("package still recorded as installed after Remove")
	}
	if _, err := os.Stat(filepath.Join(root, "usr/bin/hello")); !os.IsNotExist(err) {
		t.Fatalf("file still present after Remove: %v", err)
	}
}

func TestRemoveUnknownPackage(t *testing.T) {
	d := openTestDB(t)
	if _, err := install.Remove(d, "nonexistent", t.TempDir()); err == nil {
		t.Fatal("expected error removing unknown package")
	}
}
