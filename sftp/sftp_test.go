package sftp_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshkit/channel"
	"github.com/pkg/sshkit/sftp"
	"github.com/pkg/sshkit/transport"
	"github.com/pkg/sshkit/transport/transporttest"
)

// memFS is a tiny in-memory FileSystem delegate used to exercise
// sftp.Server without touching the real filesystem. It implements just
// enough POSIX-ish semantics for round-trip read/write/stat/rename tests.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memEntry
}

type memEntry struct {
	data  []byte
	isDir bool
	mode  uint32

	writeCalls  int
	maxWriteLen int
}

func newMemFS() *memFS {
	return &memFS{files: map[string]*memEntry{"/": {isDir: true, mode: 0o040755}}}
}

func clean(p string) string {
	if p == "" {
		p = "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

var _ sftp.FileSystem = (*memFS)(nil)

func (m *memFS) FileAttributes(p string, followSymlinks bool) (sftp.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[clean(p)]
	if !ok {
		return sftp.Attributes{}, os.ErrNotExist
	}
	return entryAttrs(e), nil
}

func (m *memFS) OpenFile(p string, pflags uint32, attrs sftp.Attributes) (sftp.FileHandle, error) {
	key := clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.files[key]
	if !ok {
		if pflags&sftp.FlagCreat == 0 {
			return nil, os.ErrNotExist
		}
		e = &memEntry{mode: 0o100644}
		m.files[key] = e
	} else if pflags&sftp.FlagExcl != 0 {
		return nil, os.ErrExist
	}
	if pflags&sftp.FlagTrunc != 0 {
		e.data = nil
	}
	return &memFile{fs: m, key: key}, nil
}

func (m *memFS) RemoveFile(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	if _, ok := m.files[key]; !ok {
		return os.ErrNotExist
	}
	delete(m.files, key)
	return nil
}

func (m *memFS) CreateDirectory(p string, attrs sftp.Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	if _, ok := m.files[key]; ok {
		return os.ErrExist
	}
	m.files[key] = &memEntry{isDir: true, mode: 0o040755}
	return nil
}

func (m *memFS) RemoveDirectory(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	e, ok := m.files[key]
	if !ok || !e.isDir {
		return os.ErrNotExist
	}
	delete(m.files, key)
	return nil
}

func (m *memFS) RealPath(p string) (string, error) {
	return clean(p), nil
}

func (m *memFS) OpenDirectory(p string) (sftp.DirHandle, error) {
	key := clean(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[key]
	if !ok || !e.isDir {
		return nil, os.ErrNotExist
	}

	prefix := key
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	var entries []sftp.NameEntry
	for candidate, ce := range m.files {
		if candidate == key || candidate == "/" {
			continue
		}
		rest := candidate
		if prefix != "/" {
			if len(candidate) <= len(prefix) || candidate[:len(prefix)] != prefix {
				continue
			}
			rest = candidate[len(prefix):]
		} else {
			rest = candidate[1:]
		}
		if path.Dir("/"+rest) != "/" {
			continue
		}
		entries = append(entries, sftp.NameEntry{Filename: path.Base(candidate), Attrs: entryAttrs(ce)})
	}
	return &memDir{entries: entries}, nil
}

func (m *memFS) SetFileAttributes(p string, attrs sftp.Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[clean(p)]
	if !ok {
		return os.ErrNotExist
	}
	if attrs.HasSize {
		if int(attrs.Size) < len(e.data) {
			e.data = e.data[:attrs.Size]
		} else {
			grown := make([]byte, attrs.Size)
			copy(grown, e.data)
			e.data = grown
		}
	}
	if attrs.HasPermissions {
		e.mode = attrs.Permissions
	}
	return nil
}

func (m *memFS) AddSymlink(target, link string) error {
	return sftp.ErrUnsupported
}

func (m *memFS) ReadSymlink(p string) (string, error) {
	return "", sftp.ErrUnsupported
}

func (m *memFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	okey, nkey := clean(oldpath), clean(newpath)
	e, ok := m.files[okey]
	if !ok {
		return os.ErrNotExist
	}
	delete(m.files, okey)
	m.files[nkey] = e
	return nil
}

func entryAttrs(e *memEntry) sftp.Attributes {
	return sftp.Attributes{
		HasSize:        true,
		Size:           uint64(len(e.data)),
		HasPermissions: true,
		Permissions:    e.mode,
	}
}

type memFile struct {
	fs  *memFS
	key string
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	e := f.fs.files[f.key]
	if off >= int64(len(e.data)) {
		return 0, io.EOF
	}
	n := copy(p, e.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	e := f.fs.files[f.key]
	need := int(off) + len(p)
	if need > len(e.data) {
		grown := make([]byte, need)
		copy(grown, e.data)
		e.data = grown
	}
	copy(e.data[off:], p)
	e.writeCalls++
	if len(p) > e.maxWriteLen {
		e.maxWriteLen = len(p)
	}
	return len(p), nil
}

func (f *memFile) Stat() (sftp.Attributes, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return entryAttrs(f.fs.files[f.key]), nil
}

func (f *memFile) SetStat(attrs sftp.Attributes) error {
	return f.fs.SetFileAttributes(f.key, attrs)
}

func (f *memFile) Close() error { return nil }

type memDir struct {
	entries []sftp.NameEntry
	done    bool
}

func (d *memDir) Read() ([]sftp.NameEntry, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true
	return d.entries, nil
}

func (d *memDir) Close() error { return nil }

// --- harness ---

func newPair(t *testing.T, fs sftp.FileSystem) *sftp.Client {
	t.Helper()
	client, _ := newPairWithConn(t, fs)
	return client
}

// newPairWithConn is newPair plus the client-side transport, for tests that
// need to simulate an ungraceful disconnect (closing the transport out from
// under the client) rather than a cooperative Client.Close.
func newPairWithConn(t *testing.T, fs sftp.FileSystem) (*sftp.Client, *transporttest.Conn) {
	t.Helper()
	localConn, remoteConn := transporttest.Pair()
	clientRegistry := channel.NewRegistry(localConn)
	serverRegistry := channel.NewRegistry(remoteConn)

	inbound := serverRegistry.HandleInbound(context.Background(), "session",
		func(b []byte) (channel.Variant, error) { return channel.Variant{Kind: channel.KindSession}, nil },
		func(channel.Variant) (bool, transport.RejectionReason, string) { return true, 0, "" },
	)
	go func() {
		ch := <-inbound
		for req := range ch.Requests() {
			if req.Type == "subsystem" {
				if req.Reply != nil {
					_ = req.Reply(true, nil)
				}
				go sftp.NewServer(ch, fs).Serve()
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := sftp.NewClient(ctx, clientRegistry)
	require.NoError(t, err)
	return client, localConn
}

func TestWriteThenReadAllRoundTrip(t *testing.T) {
	client := newPair(t, newMemFS())
	defer client.Close()

	f, err := client.Open("/greeting.txt", sftp.FlagRead|sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)

	n, err := f.Write([]byte("hello, sftp"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	f2, err := client.Open("/greeting.txt", sftp.FlagRead, sftp.Attributes{})
	require.NoError(t, err)
	data, err := f2.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello, sftp", string(data))

	require.NoError(t, f.Close())
	require.NoError(t, f2.Close())
}

func TestReadAllOnEmptyFile(t *testing.T) {
	client := newPair(t, newMemFS())
	defer client.Close()

	f, err := client.Open("/empty.txt", sftp.FlagRead|sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)

	data, err := f.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, f.Close())
}

func TestWriteChunksAtMaxPayload(t *testing.T) {
	fs := newMemFS()
	client := newPair(t, fs)
	defer client.Close()

	f, err := client.Open("/big.bin", sftp.FlagRead|sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)

	payload := make([]byte, 100000)
	n, err := f.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	entry := fs.files["/big.bin"]
	assert.GreaterOrEqual(t, entry.writeCalls, 4)
	assert.LessOrEqual(t, entry.maxWriteLen, 32000)
	assert.Equal(t, len(payload), len(entry.data))
}

func TestOpenCloseBalance(t *testing.T) {
	client := newPair(t, newMemFS())
	defer client.Close()

	f, err := client.Open("/balanced.txt", sftp.FlagRead|sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var invalid *sftp.FileHandleInvalid
	err = f.Close()
	require.Error(t, err)
	assert.ErrorAs(t, err, &invalid)
}

func TestRealpathCleansPath(t *testing.T) {
	client := newPair(t, newMemFS())
	defer client.Close()

	resolved, err := client.Realpath("/a/../b/./c")
	require.NoError(t, err)
	assert.Equal(t, "/b/c", resolved)
}

func TestListDirectory(t *testing.T) {
	fs := newMemFS()
	require.NoError(t, fs.CreateDirectory("/dir", sftp.Attributes{}))
	fh, err := fs.OpenFile("/dir/one.txt", sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)
	_, err = fh.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	client := newPair(t, fs)
	defer client.Close()

	entries, err := client.ListDirectory("/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "one.txt", entries[0].Filename)
}

func TestOpenHandleInvalidAfterDisconnect(t *testing.T) {
	client, conn := newPairWithConn(t, newMemFS())

	f, err := client.Open("/after-disconnect.txt", sftp.FlagRead|sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
	require.NoError(t, err)

	// Simulate the transport dropping out from under the client, rather
	// than a cooperative Close.
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, err := f.Write([]byte("x"))
		var invalid *sftp.FileHandleInvalid
		return errors.As(err, &invalid)
	}, time.Second, 10*time.Millisecond)

	_, err = f.Read(make([]byte, 1))
	var invalid *sftp.FileHandleInvalid
	assert.ErrorAs(t, err, &invalid)
}

func TestWalkVisitsNestedTree(t *testing.T) {
	fs := newMemFS()
	require.NoError(t, fs.CreateDirectory("/root", sftp.Attributes{}))
	require.NoError(t, fs.CreateDirectory("/root/sub", sftp.Attributes{}))
	for _, p := range []string{"/root/a.txt", "/root/sub/b.txt"} {
		fh, err := fs.OpenFile(p, sftp.FlagWrite|sftp.FlagCreat, sftp.Attributes{})
		require.NoError(t, err)
		require.NoError(t, fh.Close())
	}

	client := newPair(t, fs)
	defer client.Close()

	var paths []string
	w := client.Walk("/root")
	for w.Step() {
		require.NoError(t, w.Err())
		paths = append(paths, w.Path())
	}
	assert.ElementsMatch(t, []string{"/root", "/root/a.txt", "/root/sub", "/root/sub/b.txt"}, paths)
}
