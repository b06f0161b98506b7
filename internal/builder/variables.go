package builder

import (
	"strconv"
	"strings"
)

// Substitute replaces every "${KEY}" occurrence in script with vars[KEY],
// leaving unknown references untouched.
func Substitute(script string, vars map[string]string) string {
	result := script
	for key, value := range vars {
		result = strings.ReplaceAll(result, "${"+key+"}", value)
	}
	return result
}

// VariableContext carries the values needed to build a stage's standard
// variable map.
type VariableContext struct {
	PkgName    string
	PkgVersion string
	PkgRelease uint32
	PkgArch    string
	SrcDir     string
	PkgDir     string
	FilesDir   string
	NProc      int
	CFLAGS     string
	CXXFLAGS   string
}

// StandardVariables builds the PKG_*/SRC_DIR/PKG_DIR/NPROC/CFLAGS variable
// map every lifecycle stage script sees before any sandbox remapping.
func StandardVariables(ctx VariableContext) map[string]string {
	return map[string]string{
		"PKG_NAME":    ctx.PkgName,
		"PKG_VERSION": ctx.PkgVersion,
		"PKG_RELEASE": strconv.Itoa(int(ctx.PkgRelease)),
		"PKG_ARCH":    ctx.PkgArch,
		"SRC_DIR":     ctx.SrcDir,
		"PKG_DIR":     ctx.PkgDir,
		"FILES_DIR":   ctx.FilesDir,
		"NPROC":       strconv.Itoa(ctx.NProc),
		"CFLAGS":      ctx.CFLAGS,
		"CXXFLAGS":    ctx.CXXFLAGS,
	}
}
