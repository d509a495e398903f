// Package rootfs materializes layer changes in a directory on the local
// filesystem.
package rootfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bibin-skaria/ocirootfs/unpack"
)

// Resolve maps a logical entry path to a host path inside root.
//
// The logical path must stay inside root lexically, and the nearest
// existing ancestor of the result must stay inside root once symlinks are
// evaluated. The final component is not followed, so it may be a symlink
// that is about to be replaced. Violations return *unpack.TraversalError.
func Resolve(root, logical string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(logical))
	if rel == "." {
		return root, nil
	}
	if filepath.IsAbs(rel) || escapes(rel) {
		return "", &unpack.TraversalError{Path: logical}
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}

	target := filepath.Join(root, rel)
	if err := checkAncestor(realRoot, filepath.Dir(target), logical); err != nil {
		return "", err
	}

	return target, nil
}

// checkAncestor evaluates the deepest existing directory on the way to dir
// and verifies it is realRoot or below it.
func checkAncestor(realRoot, dir, logical string) error {
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !within(realRoot, real) {
				return &unpack.TraversalError{Path: logical}
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return &unpack.TraversalError{Path: logical}
		}
		dir = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return !escapes(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
