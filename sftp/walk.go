package sftp

import (
	"os"
	"path"
	"time"

	krfs "github.com/kr/fs"
)

// remoteFileInfo adapts an Attributes record (plus the name it was looked
// up under) to os.FileInfo, the currency kr/fs.Walker deals in.
type remoteFileInfo struct {
	name  string
	attrs Attributes
}

func (fi remoteFileInfo) Name() string { return fi.name }
func (fi remoteFileInfo) Size() int64  { return int64(fi.attrs.Size) }
func (fi remoteFileInfo) Mode() os.FileMode {
	if !fi.attrs.HasPermissions {
		return 0
	}
	mode := os.FileMode(fi.attrs.Permissions & 0777)
	if fi.attrs.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}
func (fi remoteFileInfo) ModTime() time.Time {
	if !fi.attrs.HasACModTime {
		return time.Time{}
	}
	return fi.attrs.MTime
}
func (fi remoteFileInfo) IsDir() bool      { return fi.attrs.IsDir() }
func (fi remoteFileInfo) Sys() interface{} { return fi.attrs }

// clientFS adapts Client to kr/fs.FileSystem so Walk can drive a recursive
// directory traversal using the same stack-of-pending-entries walker
// gsftp's "ls" subcommand uses against a live server.
type clientFS struct{ c *Client }

func (f clientFS) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := f.c.ListDirectory(dirname)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = remoteFileInfo{name: e.Filename, attrs: e.Attrs}
	}
	return infos, nil
}

func (f clientFS) Lstat(name string) (os.FileInfo, error) {
	attrs, err := f.c.Lstat(name)
	if err != nil {
		return nil, err
	}
	return remoteFileInfo{name: path.Base(name), attrs: attrs}, nil
}

func (f clientFS) Join(elem ...string) string { return path.Join(elem...) }

// Walk returns a Walker rooted at root, visiting every file and directory
// beneath it one Step() at a time. Each directory's full listing is read
// when the walk steps into it; the subtree is not read up front.
func (c *Client) Walk(root string) *krfs.Walker {
	return krfs.Walk(clientFS{c: c}, root)
}
