//go:build !linux && !darwin

package rootfs

import (
	"archive/tar"
	"errors"
	"io/fs"
	"os"
	"time"
)

var errSpecialFiles = errors.New("special files are not supported on this platform")

func mknod(target string, hdr *tar.Header) error {
	return errSpecialFiles
}

func lchown(target string, uid, gid int) error {
	return os.Lchown(target, uid, gid)
}

func lutimes(target string, atime, mtime time.Time) error {
	fi, err := os.Lstat(target)
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	return os.Chtimes(target, atime, mtime)
}

func cloneSpecial(src, dst string, info fs.FileInfo) error {
	return errSpecialFiles
}
