package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/wrightpm/wright/internal/plan"
)

// Fingerprint computes the build context fingerprint (SPEC_FULL.md §3): a
// 256-bit hash over plan identity, ordered source URI+hash pairs, the
// lexically sorted stage names with their scripts and executor names, and
// the global CFLAGS/CXXFLAGS. Two plans with identical inputs — regardless
// of Go map iteration order — produce identical fingerprints, since stage
// names are sorted before hashing.
func Fingerprint(p *plan.Plan, cflags, cxxflags string) string {
	h := sha256.New()
	write := func(s string) { h.Write([]byte(s)); h.Write([]byte{0}) }

	write(p.Metadata.Name)
	write(p.Metadata.Version)
	write(strconv.FormatUint(uint64(p.Metadata.Release), 10))
	write(p.Metadata.Arch)

	for i, uri := range p.Sources.URIs {
		write(uri)
		if i < len(p.Sources.SHA256) {
			write(p.Sources.SHA256[i])
		}
	}

	stageNames := make([]string, 0, len(p.Lifecycle))
	for name := range p.Lifecycle {
		stageNames = append(stageNames, name)
	}
	sort.Strings(stageNames)
	for _, name := range stageNames {
		stage := p.Lifecycle[name]
		write(name)
		write(stage.Executor)
		write(stage.Script)
	}

	write(cflags)
	write(cxxflags)

	return hex.EncodeToString(h.Sum(nil))
}
