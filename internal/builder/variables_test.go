package builder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"PKG_NAME": "hello", "PKG_VERSION": "1.0.0"}
	got := Substitute("${PKG_NAME}-${PKG_VERSION}.tar.gz and ${UNKNOWN}", vars)
	want := "hello-1.0.0.tar.gz and ${UNKNOWN}"
	if got != want {
		t.Errorf("Substitute() = %q, want %q", got, want)
	}
}

func TestStandardVariables(t *testing.T) {
	got := StandardVariables(VariableContext{
		PkgName: "hello", PkgVersion: "1.0.0", PkgRelease: 3, PkgArch: "amd64",
		SrcDir: "/build/src", PkgDir: "/build/pkg", NProc: 4,
		CFLAGS: "-O2", CXXFLAGS: "-O2",
	})
	want := map[string]string{
		"PKG_NAME":    "hello",
		"PKG_VERSION": "1.0.0",
		"PKG_RELEASE": "3",
		"PKG_ARCH":    "amd64",
		"SRC_DIR":     "/build/src",
		"PKG_DIR":     "/build/pkg",
		"FILES_DIR":   "",
		"NPROC":       "4",
		"CFLAGS":      "-O2",
		"CXXFLAGS":    "-O2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("StandardVariables() mismatch (-want +got):\n%s", diff)
	}
}
