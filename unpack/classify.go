package unpack

import (
	"path"
	"strings"
)

// Whiteout markers as they appear in changeset entry names.
const (
	WhiteoutPrefix = ".wh."
	OpaqueWhiteout = WhiteoutPrefix + WhiteoutPrefix + ".opq"
)

// Kind is the effect a changeset entry has on the root filesystem.
type Kind int

const (
	KindAddition Kind = iota
	KindFileWhiteout
	KindDirectoryWhiteout
)

func (k Kind) String() string {
	switch k {
	case KindFileWhiteout:
		return "file-whiteout"
	case KindDirectoryWhiteout:
		return "directory-whiteout"
	default:
		return "addition"
	}
}

// Change is the classification of one entry.
type Change struct {
	Kind Kind

	// Path is the entry path for additions, the path to delete for file
	// whiteouts and the directory to clear for directory whiteouts.
	Path string
}

// Classify decides what the entry at logical path p does. The opaque
// marker is checked first, then the whiteout prefix; a name that is exactly
// the prefix is an ordinary addition.
func Classify(p string) Change {
	dir, name := path.Split(p)
	dir = path.Clean(dir)

	switch {
	case name == OpaqueWhiteout:
		return Change{Kind: KindDirectoryWhiteout, Path: dir}
	case strings.HasPrefix(name, WhiteoutPrefix) && len(name) > len(WhiteoutPrefix):
		return Change{Kind: KindFileWhiteout, Path: path.Join(dir, strings.TrimPrefix(name, WhiteoutPrefix))}
	default:
		return Change{Kind: KindAddition, Path: p}
	}
}
