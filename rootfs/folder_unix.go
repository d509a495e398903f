//go:build linux || darwin

package rootfs

import (
	"archive/tar"
	"fmt"
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

func mknod(target string, hdr *tar.Header) error {
	perm := uint32(hdr.Mode & 07777)

	switch hdr.Typeflag {
	case tar.TypeFifo:
		return unix.Mkfifo(target, perm)
	case tar.TypeChar:
		perm |= unix.S_IFCHR
	case tar.TypeBlock:
		perm |= unix.S_IFBLK
	default:
		return fmt.Errorf("not a special file: %q", hdr.Typeflag)
	}

	dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
	return unix.Mknod(target, perm, int(dev))
}

func lchown(target string, uid, gid int) error {
	return unix.Lchown(target, uid, gid)
}

func lutimes(target string, atime, mtime time.Time) error {
	tv := []unix.Timeval{
		unix.NsecToTimeval(atime.UnixNano()),
		unix.NsecToTimeval(mtime.UnixNano()),
	}
	return unix.Lutimes(target, tv)
}

// cloneSpecial recreates a FIFO or device node found at src.
func cloneSpecial(src, dst string, info fs.FileInfo) error {
	var st unix.Stat_t
	if err := unix.Lstat(src, &st); err != nil {
		return err
	}

	dev := uint64(st.Rdev)
	hdr := &tar.Header{
		Mode:     int64(info.Mode().Perm()),
		Devmajor: int64(unix.Major(dev)),
		Devminor: int64(unix.Minor(dev)),
	}
	switch {
	case info.Mode()&fs.ModeNamedPipe != 0:
		hdr.Typeflag = tar.TypeFifo
	case info.Mode()&fs.ModeCharDevice != 0:
		hdr.Typeflag = tar.TypeChar
	default:
		hdr.Typeflag = tar.TypeBlock
	}
	return mknod(dst, hdr)
}
