// Package fhs validates that a package's staged files follow the merged-usr
// Filesystem Hierarchy Standard layout before it is archived.
package fhs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/wrightpm/wright/internal/wright"
)

// Validate walks pkgDir and verifies every file or symlink resides under an
// allowed FHS prefix. Intermediate directories are not checked — they are
// organisational and implicitly allowed when their contents are allowed.
// Absolute symlink targets are checked against the same allow-list.
func Validate(pkgDir, pkgName string) error {
	return filepath.WalkDir(pkgDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return wright.Wrap(err, "walk package directory "+pkgDir)
		}
		rel, err := filepath.Rel(pkgDir, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}

		abs := "/" + filepath.ToSlash(rel)
		if !isAllowed(abs) {
			return &wright.ValidationError{Msg: "package '" + pkgName + "': file '" + abs + "' violates FHS — " + rejectionHint(abs)}
		}

		if d.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err == nil && strings.HasPrefix(target, "/") && !isAllowed(target) {
				return &wright.ValidationError{Msg: "package '" + pkgName + "': symlink '" + abs + "' points to '" + target + "' which violates FHS — " + rejectionHint(target)}
			}
		}
		return nil
	})
}

func components(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func isAllowed(path string) bool {
	c := components(path)
	if len(c) == 0 {
		return false
	}
	switch c[0] {
	case "usr":
		if len(c) < 2 {
			return false
		}
		switch c[1] {
		case "bin", "lib", "lib64", "share", "include", "libexec", "libdata":
			return true
		}
		return false
	case "etc", "var", "opt", "boot":
		return true
	}
	return false
}

func rejectionHint(path string) string {
	c := components(path)
	first := ""
	second := ""
	if len(c) > 0 {
		first = c[0]
	}
	if len(c) > 1 {
		second = c[1]
	}
	switch first {
	case "bin", "sbin":
		return "install to /usr/bin"
	case "lib":
		return "install to /usr/lib"
	case "lib64":
		return "install to /usr/lib or /usr/lib64"
	case "home", "root":
		return "user data, not for package files"
	case "tmp", "run":
		return "runtime-only; create via install scripts"
	case "usr":
		switch second {
		case "sbin":
			return "install to /usr/bin"
		case "local":
			return "packages install to /usr directly, not /usr/local"
		default:
			return "not an FHS-compliant path"
		}
	default:
		return "not an FHS-compliant path"
	}
}
