package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/ocirootfs/digest"
)

// ErrNoSnapshot is returned by Rollback when no layer is in flight.
var ErrNoSnapshot = errors.New("no pre-layer snapshot to roll back to")

const (
	stateFile   = "state.yaml"
	snapshotDir = "snapshot"
)

// State is the checkpoint persisted between layers.
type State struct {
	Root      string    `yaml:"root"`
	Committed []string  `yaml:"committed"`
	Pending   string    `yaml:"pending,omitempty"`
	Updated   time.Time `yaml:"updated"`
}

// Snapshotter is a Folder that copies the root before every layer so a
// failed layer can be undone with Rollback. Applied layers are recorded in
// stateDir/state.yaml.
type Snapshotter struct {
	*Folder

	stateDir string
	state    State
}

// NewSnapshotter wraps folder. stateDir must lie outside the root; an
// existing state file there is loaded.
func NewSnapshotter(folder *Folder, stateDir string) (*Snapshotter, error) {
	abs, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, err
	}
	if within(folder.Root(), abs) {
		return nil, fmt.Errorf("state directory %s must not be inside root %s", abs, folder.Root())
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}

	s := &Snapshotter{
		Folder:   folder,
		stateDir: abs,
		state:    State{Root: folder.Root()},
	}

	data, err := os.ReadFile(filepath.Join(abs, stateFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %v", stateFile, err)
		}
		if s.state.Root != folder.Root() {
			return nil, fmt.Errorf("state in %s belongs to root %s", abs, s.state.Root)
		}
	}

	return s, nil
}

// PreApply snapshots the root before layer is applied.
func (s *Snapshotter) PreApply(ctx context.Context, layer digest.Digest) error {
	if err := s.Folder.PreApply(ctx, layer); err != nil {
		return err
	}

	snap := filepath.Join(s.stateDir, snapshotDir)
	if err := removeAll(snap); err != nil {
		return err
	}
	if err := copyTree(s.Root(), snap); err != nil {
		return fmt.Errorf("failed to snapshot root: %v", err)
	}

	s.state.Pending = layer.String()
	return s.save()
}

// PostApply records layer as committed and drops the snapshot.
func (s *Snapshotter) PostApply(ctx context.Context, layer digest.Digest) error {
	s.state.Committed = append(s.state.Committed, layer.String())
	s.state.Pending = ""
	if err := s.save(); err != nil {
		return err
	}
	return removeAll(filepath.Join(s.stateDir, snapshotDir))
}

// Rollback restores the root to the snapshot taken before the pending layer.
func (s *Snapshotter) Rollback() error {
	if s.state.Pending == "" {
		return ErrNoSnapshot
	}

	snap := filepath.Join(s.stateDir, snapshotDir)
	if _, err := os.Stat(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	if err := clearDir(s.Root()); err != nil {
		return err
	}
	if err := copyTree(snap, s.Root()); err != nil {
		return fmt.Errorf("failed to restore snapshot: %v", err)
	}

	s.state.Pending = ""
	if err := s.save(); err != nil {
		return err
	}
	return removeAll(snap)
}

// Committed returns the layers applied so far, oldest first.
func (s *Snapshotter) Committed() []digest.Digest {
	layers := make([]digest.Digest, 0, len(s.state.Committed))
	for _, c := range s.state.Committed {
		if d, err := digest.Parse(c); err == nil {
			layers = append(layers, d)
		}
	}
	return layers
}

// Pending returns the layer being applied, if any.
func (s *Snapshotter) Pending() (digest.Digest, bool) {
	if s.state.Pending == "" {
		return digest.Digest{}, false
	}
	d, err := digest.Parse(s.state.Pending)
	return d, err == nil
}

func (s *Snapshotter) save() error {
	s.state.Updated = time.Now().UTC()

	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return err
	}

	tmp := filepath.Join(s.stateDir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.stateDir, stateFile))
}

func clearDir(dir string) error {
	children, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := removeAll(filepath.Join(dir, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// removeAll is os.RemoveAll for trees that may hold read-only directories.
func removeAll(p string) error {
	_ = filepath.WalkDir(p, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().Perm()&0700 != 0700 {
			_ = os.Chmod(p, info.Mode().Perm()|0700)
		}
		return nil
	})
	return os.RemoveAll(p)
}

// copyTree copies src into dst without following symlinks. Hard links are
// copied as independent files. Directory modes are applied once the walk is
// done, deepest first, so read-only directories can still be filled.
func copyTree(src, dst string) error {
	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			dirs = append(dirs, dirMode{path: target, mode: mode.Perm()})
			return os.MkdirAll(target, 0755)

		case mode&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case mode.IsRegular():
			return copyFile(p, target, mode)

		default:
			return cloneSpecial(p, target, info)
		}
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
