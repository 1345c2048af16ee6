//go:build !windows

package sftp

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// LocalFS is the reference FileSystem delegate backing sftp.Server against
// the local OS filesystem: every capability in the delegate interface maps
// directly onto an os package call, with golang.org/x/sys/unix filling in
// the uid/gid/atime fields os.FileInfo doesn't expose on its own.
type LocalFS struct{}

var _ FileSystem = LocalFS{}

func (LocalFS) FileAttributes(path string, followSymlinks bool) (Attributes, error) {
	var fi os.FileInfo
	var err error
	if followSymlinks {
		fi, err = os.Stat(path)
	} else {
		fi, err = os.Lstat(path)
	}
	if err != nil {
		return Attributes{}, err
	}
	return fileInfoToAttrs(fi), nil
}

func (LocalFS) OpenFile(path string, pflags uint32, attrs Attributes) (FileHandle, error) {
	flags := pflagsToOSFlags(pflags)
	perm := os.FileMode(0o666)
	if attrs.HasPermissions {
		perm = os.FileMode(attrs.Permissions & 0o7777)
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{f: f}, nil
}

func (LocalFS) RemoveFile(path string) error {
	return os.Remove(path)
}

func (LocalFS) CreateDirectory(path string, attrs Attributes) error {
	perm := os.FileMode(0o777)
	if attrs.HasPermissions {
		perm = os.FileMode(attrs.Permissions & 0o7777)
	}
	return os.Mkdir(path, perm)
}

func (LocalFS) RemoveDirectory(path string) error {
	return os.Remove(path)
}

// RealPath resolves path to an absolute, cleaned form; symlinks are not
// resolved. filepath.Abs+Clean is idempotent on an already-resolved path,
// so a client's fixpoint loop ends after at most two round trips: one to
// resolve the path and one to see it unchanged.
func (LocalFS) RealPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func (LocalFS) OpenDirectory(path string) (DirHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.IsDir() {
		f.Close()
		return nil, &os.PathError{Op: "opendir", Path: path, Err: os.ErrInvalid}
	}
	return &localDir{f: f}, nil
}

func (LocalFS) SetFileAttributes(path string, attrs Attributes) error {
	return applyAttrs(path, attrs)
}

func (LocalFS) AddSymlink(target, link string) error {
	return os.Symlink(target, link)
}

func (LocalFS) ReadSymlink(path string) (string, error) {
	return os.Readlink(path)
}

func (LocalFS) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func applyAttrs(path string, attrs Attributes) error {
	if attrs.HasPermissions {
		if err := os.Chmod(path, os.FileMode(attrs.Permissions&0o7777)); err != nil {
			return err
		}
	}
	if attrs.HasUIDGID {
		if err := os.Chown(path, int(attrs.UID), int(attrs.GID)); err != nil {
			return err
		}
	}
	if attrs.HasSize {
		if err := os.Truncate(path, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if attrs.HasACModTime {
		if err := os.Chtimes(path, attrs.ATime, attrs.MTime); err != nil {
			return err
		}
	}
	return nil
}

func pflagsToOSFlags(pflags uint32) int {
	var flags int
	switch {
	case pflags&FlagRead != 0 && pflags&FlagWrite != 0:
		flags |= os.O_RDWR
	case pflags&FlagWrite != 0:
		flags |= os.O_WRONLY
	default:
		flags |= os.O_RDONLY
	}
	if pflags&FlagAppend != 0 {
		flags |= os.O_APPEND
	}
	if pflags&FlagCreat != 0 {
		flags |= os.O_CREATE
	}
	if pflags&FlagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if pflags&FlagExcl != 0 {
		flags |= os.O_EXCL
	}
	return flags
}

func fileInfoToAttrs(fi os.FileInfo) Attributes {
	a := Attributes{
		HasSize:        true,
		Size:           uint64(fi.Size()),
		HasPermissions: true,
		Permissions:    uint32(fi.Mode().Perm()),
	}
	if fi.IsDir() {
		a.Permissions |= 0o040000
	}
	if statt, ok := fi.Sys().(*unix.Stat_t); ok {
		a.HasUIDGID = true
		a.UID = statt.Uid
		a.GID = statt.Gid
		a.HasACModTime = true
		a.ATime = time.Unix(statt.Atim.Sec, statt.Atim.Nsec)
		a.MTime = time.Unix(statt.Mtim.Sec, statt.Mtim.Nsec)
	}
	return a
}

type localFile struct {
	f *os.File
}

func (l *localFile) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *localFile) WriteAt(p []byte, off int64) (int, error) { return l.f.WriteAt(p, off) }

func (l *localFile) Stat() (Attributes, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return Attributes{}, err
	}
	return fileInfoToAttrs(fi), nil
}

func (l *localFile) SetStat(attrs Attributes) error {
	return applyAttrs(l.f.Name(), attrs)
}

func (l *localFile) Close() error { return l.f.Close() }

type localDir struct {
	f *os.File
}

func (d *localDir) Read() ([]NameEntry, error) {
	infos, err := d.f.Readdir(128)
	entries := make([]NameEntry, 0, len(infos))
	for _, fi := range infos {
		attrs := fileInfoToAttrs(fi)
		entries = append(entries, NameEntry{
			Filename: fi.Name(),
			Longname: longNameFor(fi, attrs),
			Attrs:    attrs,
		})
	}
	if len(entries) == 0 && err == nil {
		err = io.EOF
	}
	if err == io.EOF && len(entries) > 0 {
		err = nil
	}
	return entries, err
}

func (d *localDir) Close() error { return d.f.Close() }

// longNameFor renders an `ls -l`-style line, the way OpenSSH clients
// display NAME responses that carry no structured rendering of their own.
func longNameFor(fi os.FileInfo, attrs Attributes) string {
	return fi.Mode().String() + " " + fi.ModTime().Format("Jan _2 15:04") + " " + fi.Name()
}
