package plan

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/wrightpm/wright/internal/wright"
)

// ParseVersion validates and normalizes a plan's version string. Plan
// versions are not required to be full three-component semver (a bare
// major like "3" or a doc-suffixed string like "1.0.0-doc" are both valid
// upstream version spellings), so this accepts anything semver.NewVersion
// can coerce and otherwise reports a validation error naming the offender.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, &wright.ValidationError{Msg: fmt.Sprintf("invalid version %q: %v", s, err)}
	}
	return v, nil
}

// DependencySpec is a single "name [op version]" dependency entry as it
// appears in a plan's dependency arrays.
type DependencySpec struct {
	Name       string
	Constraint *semver.Constraints
	Raw        string
}

// ParseDependencySpec splits a dependency string like "openssl >= 3.0" into
// a bare package name and an optional version constraint. A spec with no
// operator is just a package name.
func ParseDependencySpec(spec string) (DependencySpec, error) {
	trimmed := strings.TrimSpace(spec)
	for _, op := range []string{">=", "<=", "==", "=", ">", "<"} {
		if idx := strings.Index(trimmed, op); idx > 0 {
			name := strings.TrimSpace(trimmed[:idx])
			verPart := strings.TrimSpace(trimmed[idx:])
			if verPart == "=" || strings.HasPrefix(verPart, "==") {
				verPart = strings.TrimPrefix(verPart, "==")
				verPart = strings.TrimPrefix(verPart, "=")
				verPart = strings.TrimSpace(verPart)
			}
			normalized := verPart
			if op == "=" {
				normalized = strings.TrimSpace(strings.TrimPrefix(verPart, "="))
			}
			c, err := semver.NewConstraint(normalized)
			if err != nil {
				return DependencySpec{}, &wright.ValidationError{Msg: fmt.Sprintf("invalid version constraint %q: %v", spec, err)}
			}
			return DependencySpec{Name: name, Constraint: c, Raw: spec}, nil
		}
	}
	return DependencySpec{Name: trimmed, Raw: spec}, nil
}

// Satisfies reports whether v satisfies this spec's constraint, if any.
func (d DependencySpec) Satisfies(v *semver.Version) bool {
	if d.Constraint == nil {
		return true
	}
	return d.Constraint.Check(v)
}
