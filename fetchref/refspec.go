package fetchref

import (
	"strings"

	"github.com/go-vcs/gitstore/plumbing"
)

// RefSpec is a fetch mapping from a remote reference pattern to a local
// destination, e.g. "+refs/heads/*:refs/remotes/origin/*". An optional
// leading "+" forces non-fast-forward updates; each side may carry at
// most one "*" wildcard.
type RefSpec string

const (
	refSpecForce     = '+'
	refSpecWildcard  = "*"
	refSpecSeparator = ":"
)

// IsForceUpdate reports whether s carries the leading "+".
func (s RefSpec) IsForceUpdate() bool {
	return len(s) > 0 && s[0] == refSpecForce
}

// Src returns the source pattern, with any leading "+" stripped.
func (s RefSpec) Src() string {
	spec := string(s)
	if s.IsForceUpdate() {
		spec = spec[1:]
	}
	if i := strings.Index(spec, refSpecSeparator); i >= 0 {
		return spec[:i]
	}
	return spec
}

func (s RefSpec) dst() string {
	spec := string(s)
	if i := strings.Index(spec, refSpecSeparator); i >= 0 {
		return spec[i+1:]
	}
	return ""
}

func (s RefSpec) isGlob() bool { return strings.Contains(s.Src(), refSpecWildcard) }

// IsWildcard reports whether s's source side carries a "*".
func (s RefSpec) IsWildcard() bool { return s.isGlob() }

// Match reports whether n matches s's source pattern.
func (s RefSpec) Match(n plumbing.ReferenceName) bool {
	if !s.isGlob() {
		return s.Src() == n.String()
	}
	src := s.Src()
	name := n.String()
	w := strings.Index(src, refSpecWildcard)
	prefix, suffix := src[:w], src[w+1:]
	return len(name) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(name, prefix) &&
		strings.HasSuffix(name, suffix)
}

// Dst computes the local destination name for a matched remote name n.
func (s RefSpec) Dst(n plumbing.ReferenceName) plumbing.ReferenceName {
	dst := s.dst()
	if !s.isGlob() {
		return plumbing.ReferenceName(dst)
	}
	src := s.Src()
	name := n.String()
	ws := strings.Index(src, refSpecWildcard)
	prefix, suffix := src[:ws], src[ws+1:]
	match := name[len(prefix) : len(name)-len(suffix)]
	wd := strings.Index(dst, refSpecWildcard)
	return plumbing.ReferenceName(dst[:wd] + match + dst[wd+1:])
}

// TagMode selects how a fetch treats tag references alongside the
// explicit refspecs.
type TagMode int8

const (
	// AutoTags fetches (and later reconciles) only tags whose target is
	// reachable from a ref updated by this fetch.
	AutoTags TagMode = iota
	// AllTags fetches and reconciles every tag the remote advertises.
	AllTags
	// NoTags skips tag reconciliation entirely.
	NoTags
)
