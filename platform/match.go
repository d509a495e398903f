// Package platform selects the entry of a manifest list that fits a target
// platform and resolves it to a platform-specific manifest.
package platform

import (
	"errors"
	"fmt"

	"github.com/bibin-skaria/ocirootfs/manifest"
)

var (
	// ErrNoMatchingPlatform is returned when no list entry fits the target.
	ErrNoMatchingPlatform = errors.New("no matching platform found")

	// ErrNestedList is returned when a list entry resolves to another list.
	ErrNestedList = errors.New("manifest list entry resolved to another manifest list")
)

// Matcher decides whether list entries fit a target platform. Every
// predicate must hold for an entry to match.
type Matcher struct {
	Target manifest.Platform
}

// NewMatcher returns a Matcher for the running host.
func NewMatcher() Matcher {
	return Matcher{Target: Host()}
}

// Match reports whether an entry built for p can run on the target.
func (m Matcher) Match(p manifest.Platform) bool {
	return m.matchArch(p) &&
		m.matchOS(p) &&
		m.matchOSFeatures(p) &&
		m.matchFeatures(p) &&
		m.matchVariant(p)
}

// Unknown architectures or operating systems never match, on either side.
func (m Matcher) matchArch(p manifest.Platform) bool {
	return m.Target.Architecture.Known() && p.Architecture == m.Target.Architecture
}

func (m Matcher) matchOS(p manifest.Platform) bool {
	return m.Target.OS.Known() && p.OS == m.Target.OS
}

// OS features are only defined for Windows images and are not checked.
func (m Matcher) matchOSFeatures(manifest.Platform) bool {
	return true
}

// features is reserved by the image index format.
func (m Matcher) matchFeatures(manifest.Platform) bool {
	return true
}

// An entry without a variant runs on every variant of its architecture.
// 32-bit ARM entries also run on any later variant.
func (m Matcher) matchVariant(p manifest.Platform) bool {
	if p.Variant == "" {
		return true
	}
	want := normalizeVariant(m.Target.Architecture, m.Target.Variant)
	got := normalizeVariant(p.Architecture, p.Variant)
	if got == want {
		return true
	}
	if p.Architecture != "arm" {
		return false
	}
	gl, wl := armLevel(got), armLevel(want)
	return gl > 0 && wl > 0 && gl <= wl
}

// exactVariant reports whether p names the target's variant or none at all.
func (m Matcher) exactVariant(p manifest.Platform) bool {
	return p.Variant == "" ||
		normalizeVariant(p.Architecture, p.Variant) == normalizeVariant(m.Target.Architecture, m.Target.Variant)
}

func normalizeVariant(arch manifest.Arch, variant string) string {
	switch arch {
	case "arm64":
		if variant == "" || variant == "8" {
			return "v8"
		}
	case "arm":
		if variant == "" || variant == "7" {
			return "v7"
		}
		if variant == "5" || variant == "6" || variant == "8" {
			return "v" + variant
		}
	}
	return variant
}

// armLevel is the numeric ARM variant, or 0 when variant is not one.
func armLevel(variant string) int {
	switch variant {
	case "v5":
		return 5
	case "v6":
		return 6
	case "v7":
		return 7
	case "v8":
		return 8
	}
	return 0
}

// Selector is a policy for choosing one entry of a manifest list.
type Selector interface {
	Select(list *manifest.List) (*manifest.ListEntry, error)
}

// FirstMatch selects the first entry accepted by its Matcher. An entry for
// the target's own variant wins over an earlier one for an older ARM
// variant; among older variants the newest wins.
type FirstMatch struct {
	Matcher Matcher
}

// DefaultSelector selects the first entry that fits the host.
func DefaultSelector() Selector {
	return FirstMatch{Matcher: NewMatcher()}
}

// Select implements Selector.
func (s FirstMatch) Select(list *manifest.List) (*manifest.ListEntry, error) {
	var fallback *manifest.ListEntry
	for i := range list.Manifests {
		e := &list.Manifests[i]
		if !s.Matcher.Match(e.Platform) {
			continue
		}
		if s.Matcher.exactVariant(e.Platform) {
			return e, nil
		}
		if fallback == nil || armLevel(normalizeVariant(e.Platform.Architecture, e.Platform.Variant)) >
			armLevel(normalizeVariant(fallback.Platform.Architecture, fallback.Platform.Variant)) {
			fallback = e
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("%w for %s among %d entries", ErrNoMatchingPlatform, s.Matcher.Target, len(list.Manifests))
}
