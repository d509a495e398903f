package rootfs

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/ocirootfs/archive"
	"github.com/bibin-skaria/ocirootfs/digest"
	"github.com/bibin-skaria/ocirootfs/logging"
	"github.com/bibin-skaria/ocirootfs/unpack"
)

// Folder unpacks layers into a plain directory.
type Folder struct {
	root  string
	log   *logrus.Entry
	chown bool

	// added holds the logical paths created by the layer being applied.
	added map[string]struct{}
}

// FolderOption configures a Folder.
type FolderOption func(*Folder)

// WithFolderLogger sets the log entry for security events.
func WithFolderLogger(log *logrus.Entry) FolderOption {
	return func(f *Folder) {
		f.log = log
	}
}

// WithChown forces ownership restoration on or off. By default ownership is
// restored only when running as root.
func WithChown(chown bool) FolderOption {
	return func(f *Folder) {
		f.chown = chown
	}
}

// NewFolder creates root if needed and returns a Folder writing into it.
func NewFolder(root string, opts ...FolderOption) (*Folder, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %v", abs, err)
	}

	f := &Folder{
		root:  abs,
		log:   logging.Discard().Component("rootfs"),
		chown: os.Geteuid() == 0,
		added: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Root returns the absolute root directory.
func (f *Folder) Root() string {
	return f.root
}

// PreApply starts tracking the additions of a new layer.
func (f *Folder) PreApply(ctx context.Context, layer digest.Digest) error {
	f.added = make(map[string]struct{})
	return nil
}

func (f *Folder) resolve(logical string) (string, error) {
	target, err := Resolve(f.root, logical)
	if err != nil {
		if traversal, ok := err.(*unpack.TraversalError); ok {
			f.log.WithFields(logrus.Fields{
				"event": "security",
				"path":  traversal.Path,
			}).Warn("Refusing to write outside the root filesystem")
		}
		return "", err
	}
	return target, nil
}

// Add implements unpack.Unpacker.
func (f *Folder) Add(ctx context.Context, entry *archive.Entry) error {
	logical, err := entry.Path()
	if err != nil {
		return err
	}

	target, err := f.resolve(logical)
	if err != nil {
		return err
	}

	hdr := entry.Header
	if target == f.root {
		if hdr.Typeflag != tar.TypeDir {
			return &unpack.TraversalError{Path: logical}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := f.mkdir(target, hdr); err != nil {
			return err
		}

	case tar.TypeReg, tar.TypeRegA:
		if err := f.writeFile(target, hdr, entry); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}

	case tar.TypeLink:
		if err := f.link(target, hdr); err != nil {
			return err
		}

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := mknod(target, hdr); err != nil {
			return err
		}

	case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
		return nil

	default:
		return fmt.Errorf("unsupported tar entry type %q for %s", hdr.Typeflag, logical)
	}

	if hdr.Typeflag != tar.TypeLink {
		if err := f.restoreMetadata(target, hdr); err != nil {
			return err
		}
	}

	f.markAdded(logical)
	return nil
}

func (f *Folder) mkdir(target string, hdr *tar.Header) error {
	fi, err := os.Lstat(target)
	if err == nil && !fi.IsDir() {
		if err := os.Remove(target); err != nil {
			return err
		}
		err = os.ErrNotExist
	}
	if os.IsNotExist(err) {
		return os.Mkdir(target, os.FileMode(hdr.Mode).Perm())
	}
	return err
}

func (f *Folder) writeFile(target string, hdr *tar.Header, r io.Reader) error {
	if err := removeExisting(target); err != nil {
		return err
	}

	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (f *Folder) link(target string, hdr *tar.Header) error {
	linkLogical, err := archive.CleanPath(hdr.Linkname)
	if err != nil {
		return err
	}
	source, err := f.resolve(linkLogical)
	if err != nil {
		return err
	}

	if err := removeExisting(target); err != nil {
		return err
	}
	return os.Link(source, target)
}

func (f *Folder) restoreMetadata(target string, hdr *tar.Header) error {
	if f.chown {
		if err := lchown(target, hdr.Uid, hdr.Gid); err != nil {
			return err
		}
	}

	if hdr.Typeflag != tar.TypeSymlink {
		// Creation modes are masked by the umask.
		if err := os.Chmod(target, tarMode(hdr)); err != nil {
			return err
		}
	}

	if !hdr.ModTime.IsZero() {
		atime := hdr.AccessTime
		if atime.IsZero() {
			atime = hdr.ModTime
		}
		if err := lutimes(target, atime, hdr.ModTime); err != nil {
			return err
		}
	}
	return nil
}

func tarMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if hdr.Mode&04000 != 0 {
		mode |= os.ModeSetuid
	}
	if hdr.Mode&02000 != 0 {
		mode |= os.ModeSetgid
	}
	if hdr.Mode&01000 != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// markAdded records logical and its ancestors as belonging to this layer.
func (f *Folder) markAdded(logical string) {
	for p := logical; p != "." && p != "/"; p = path.Dir(p) {
		f.added[p] = struct{}{}
	}
}

// removeExisting deletes whatever is at target without following symlinks.
// Missing targets are fine.
func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

// WhiteoutFile implements unpack.Unpacker. A missing file is not an error.
func (f *Folder) WhiteoutFile(ctx context.Context, logical string) error {
	target, err := f.resolve(logical)
	if err != nil {
		return err
	}
	if target == f.root {
		return &unpack.TraversalError{Path: logical}
	}

	return os.RemoveAll(target)
}

// WhiteoutFolder implements unpack.Unpacker. It removes everything below
// the directory except the paths added by the current layer, so the marker
// works wherever it appears in the layer.
func (f *Folder) WhiteoutFolder(ctx context.Context, logical string) error {
	target, err := f.resolve(logical)
	if err != nil {
		return err
	}

	// The directory may be a symlink; its target must be inside the root too.
	dir, err := filepath.EvalSymlinks(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	realRoot, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return err
	}
	if !within(realRoot, dir) {
		return &unpack.TraversalError{Path: logical}
	}

	return f.prune(logical, dir)
}

// prune removes everything below dir that the current layer did not add.
// Directories the layer added, explicitly or as a parent, are kept and
// pruned in turn.
func (f *Folder) prune(logical, dir string) error {
	children, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, child := range children {
		name := path.Join(logical, child.Name())
		if _, ok := f.added[name]; !ok {
			if err := os.RemoveAll(filepath.Join(dir, child.Name())); err != nil {
				return err
			}
			continue
		}
		if child.IsDir() {
			if err := f.prune(name, filepath.Join(dir, child.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
