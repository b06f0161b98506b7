// Package wright defines the error taxonomy shared by every layer of the
// build orchestrator: parsing, dependency resolution, scheduling, the build
// driver, the sandbox, and the install transaction all return errors wrapped
// in one of the types below so that callers can branch on kind with
// errors.As instead of string matching.
package wright

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ValidationError reports a malformed plan, version string, or staged file
// tree (FHS violations, hash/URI count mismatches, unsafe archive paths).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }

// ParseError reports a plan, config, or assembly file that failed to parse,
// always naming the offending path.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DependencyError reports an unresolvable target, an unresolvable dependency
// during cascade expansion, or a cycle with no candidate breaker.
type DependencyError struct {
	Msg string
}

func (e *DependencyError) Error() string { return "dependency error: " + e.Msg }

// BuildError reports a non-optional lifecycle stage that exited non-zero.
type BuildError struct {
	Plan  string
	Stage string
	Msg   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build error: plan %s, stage %s: %s", e.Plan, e.Stage, e.Msg)
}

// SandboxError reports sandbox setup failure (unshare blocked, mount
// failed). Callers decide whether to fall back to direct execution.
type SandboxError struct {
	Msg string
	Err error
}

func (e *SandboxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox error: %s: %v", e.Msg, e.Err)
	}
	return "sandbox error: " + e.Msg
}

func (e *SandboxError) Unwrap() error { return e.Err }

// FileConflictError reports an install that would overwrite a file already
// owned by another installed package.
type FileConflictError struct {
	Path  string
	Owner string
}

func (e *FileConflictError) Error() string {
	return fmt.Sprintf("file conflict: %s is already owned by package %s", e.Path, e.Owner)
}

// PackageAlreadyInstalledError reports a duplicate install attempt.
type PackageAlreadyInstalledError struct {
	Name string
}

func (e *PackageAlreadyInstalledError) Error() string {
	return "package already installed: " + e.Name
}

// PackageNotFoundError reports a remove/verify against an unknown package.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string { return "package not found: " + e.Name }

// DeadlockError reports a scheduler that has nodes left to build, none
// ready, and no in-flight workers; Waiting enumerates each stuck node's
// unmet dependencies for diagnostic output.
type DeadlockError struct {
	Waiting map[string][]string
}

func (e *DeadlockError) Error() string {
	msg := "deadlock: the following plans are stuck waiting on unmet dependencies:"
	for name, deps := range e.Waiting {
		msg += fmt.Sprintf("\n  %s: waiting for %v", name, deps)
	}
	return msg
}

// Wrap annotates err with a message while preserving the chain for
// errors.Is/As and %+v frame printing, the way the rest of this package
// wraps lower-level failures.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return xerrors.Errorf("%s: %w", msg, err)
}
