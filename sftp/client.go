package sftp

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
)

const handshakeTimeout = 15 * time.Second

// maxReadChunk bounds a single READ request's requested length; readAll
// loops across as many of these as the file's advertised size requires.
const maxReadChunk = 32 * 1024

// Client is the SFTP client core: it opens the sftp subsystem channel,
// frames messages, correlates request/response by id, and manages file
// handle lifetimes.
type Client struct {
	ch *channel.Channel

	nextID uint32

	mu      sync.Mutex
	pending map[uint32]chan *frame
	handles map[string]handleOwner // open handle -> its File/Dir, for failAll to invalidate
	closed  bool
	closeErr error

	versionCh chan *frame
	handshook bool

	extensions map[string]string
}

// NewClient opens the sftp subsystem on a new session channel and performs
// the INIT/VERSION handshake.
func NewClient(ctx context.Context, registry *channel.Registry) (*Client, error) {
	ch, err := registry.Open(ctx, "session", nil, channel.Variant{Kind: channel.KindSession})
	if err != nil {
		return nil, errors.Wrap(err, "sftp: open session channel")
	}

	subsystemDone := make(chan struct{})
	var ok bool
	var sendErr error
	go func() {
		ok, sendErr = ch.SendRequest("subsystem", true, packString("sftp"))
		close(subsystemDone)
	}()
	select {
	case <-subsystemDone:
	case <-time.After(handshakeTimeout):
		ch.Close()
		return nil, channel.ErrTimeout
	}
	if sendErr != nil {
		ch.Close()
		return nil, errors.Wrap(sendErr, "sftp: subsystem request")
	}
	if !ok {
		ch.Close()
		return nil, errors.New("sftp: server refused the sftp subsystem")
	}

	c := &Client{
		ch:        ch,
		pending:   make(map[uint32]chan *frame),
		handles:   make(map[string]handleOwner),
		versionCh: make(chan *frame, 1),
	}
	go c.recvLoop()

	if err := writeFrame(channelStream{c.ch}, msgInit, 0, false, encodeInit()); err != nil {
		c.ch.Close()
		return nil, errors.Wrap(err, "sftp: send init")
	}

	select {
	case f := <-c.versionCh:
		version, err := decodeVersion(f.payload)
		if err != nil {
			c.ch.Close()
			return nil, errors.Wrap(err, "sftp: decode version")
		}
		if version < protocolVersion {
			c.ch.Close()
			return nil, &UnsupportedVersion{Got: version}
		}
		c.extensions = decodeVersionExtensions(f.payload)
	case <-time.After(handshakeTimeout):
		c.ch.Close()
		return nil, channel.ErrTimeout
	}

	return c, nil
}

func packString(s string) []byte {
	b := appendUint32(nil, uint32(len(s)))
	return append(b, s...)
}

// recvLoop is the single source of truth for request/response correlation:
// it owns the id->pending map and either resolves the matching promise or,
// finding none, tears the channel down as a protocol violation.
func (c *Client) recvLoop() {
	for {
		f, err := readFrame(channelStream{c.ch})
		if err != nil {
			c.failAll(err)
			return
		}

		c.mu.Lock()
		handshook := c.handshook
		c.mu.Unlock()

		if !handshook {
			if f.typ != msgVersion {
				c.failAll(&ErrProtocol{Detail: "expected VERSION during handshake"})
				return
			}
			c.mu.Lock()
			c.handshook = true
			c.mu.Unlock()
			c.versionCh <- f
			continue
		}

		if !f.hasID {
			c.failAll(&ErrProtocol{Detail: "response missing request id"})
			return
		}

		c.mu.Lock()
		respCh, ok := c.pending[f.id]
		if ok {
			delete(c.pending, f.id)
		}
		c.mu.Unlock()

		if !ok {
			c.failAll(&ErrProtocol{Detail: "response id has no pending request"})
			return
		}
		respCh <- f
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[uint32]chan *frame)
	handles := c.handles
	c.handles = make(map[string]handleOwner)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, h := range handles {
		h.invalidate()
	}
	c.ch.Close()
}

// request sends typ/payload with a fresh id and blocks for the correlated
// reply; exactly one pending promise is ever resolved per id.
func (c *Client) request(typ uint8, payload []byte) (*frame, error) {
	id := atomic.AddUint32(&c.nextID, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = channel.ErrConnectionClosed
		}
		return nil, err
	}
	respCh := make(chan *frame, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	if err := writeFrame(channelStream{c.ch}, typ, id, true, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Wrap(err, "sftp: send request")
	}

	f, ok := <-respCh
	if !ok {
		return nil, channel.ErrConnectionClosed
	}
	return f, nil
}

// statusOrErr interprets a STATUS reply: OK resolves successfully, EOF is
// reported to the caller via io.EOF (not an error at this layer for reads,
// handled by callers that expect it), anything else is a StatusError.
func statusOrErr(f *frame) error {
	code, msg, err := decodeStatus(f.payload)
	if err != nil {
		return err
	}
	switch code {
	case StatusOK:
		return nil
	case StatusEOF:
		return io.EOF
	default:
		return &StatusError{Code: code, Message: msg}
	}
}

func (c *Client) statRequest(typ uint8, payload []byte) (Attributes, error) {
	f, err := c.request(typ, payload)
	if err != nil {
		return Attributes{}, err
	}
	switch f.typ {
	case msgAttrs:
		return decodeAttrsResponse(f.payload)
	case msgStatus:
		return Attributes{}, statusOrErr(f)
	default:
		return Attributes{}, &InvalidResponse{Want: msgAttrs, Got: f.typ}
	}
}

// Lstat stats path without following a trailing symlink.
func (c *Client) Lstat(path string) (Attributes, error) {
	return c.statRequest(msgLStat, encodePathRequest(path))
}

// Stat stats path, following symlinks.
func (c *Client) Stat(path string) (Attributes, error) {
	return c.statRequest(msgStat, encodePathRequest(path))
}

// Fstat stats an open handle.
func (c *Client) Fstat(handle string) (Attributes, error) {
	return c.statRequest(msgFStat, encodeHandleRequest(handle))
}

// SetStat applies attrs to path.
func (c *Client) SetStat(path string, attrs Attributes) error {
	f, err := c.request(msgSetStat, encodeSetstatRequest(path, attrs))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

func (c *Client) expectStatus(f *frame) error {
	if f.typ != msgStatus {
		return &InvalidResponse{Want: msgStatus, Got: f.typ}
	}
	return statusOrErr(f)
}

// Remove deletes a remote file.
func (c *Client) Remove(path string) error {
	f, err := c.request(msgRemove, encodePathRequest(path))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// Mkdir creates a remote directory.
func (c *Client) Mkdir(path string, attrs Attributes) error {
	f, err := c.request(msgMkdir, encodeSetstatRequest(path, attrs))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// Rmdir removes a remote directory.
func (c *Client) Rmdir(path string) error {
	f, err := c.request(msgRmdir, encodePathRequest(path))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// Rename renames oldpath to newpath.
func (c *Client) Rename(oldpath, newpath string) error {
	f, err := c.request(msgRename, encodeRenameRequest(oldpath, newpath))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// PosixRename renames oldpath to newpath, overwriting newpath if it exists,
// using the posix-rename@openssh.com extension when the server advertised
// it during VERSION exchange. It falls back to plain Rename (which may
// reject an existing newpath) against a server without the extension.
func (c *Client) PosixRename(oldpath, newpath string) error {
	if _, ok := c.extensions["posix-rename@openssh.com"]; !ok {
		return c.Rename(oldpath, newpath)
	}
	payload := encodeExtendedRequest("posix-rename@openssh.com", encodeRenameRequest(oldpath, newpath))
	f, err := c.request(msgExtended, payload)
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// Symlink creates linkpath as a symlink pointing at targetpath.
func (c *Client) Symlink(targetpath, linkpath string) error {
	f, err := c.request(msgSymlink, encodeSymlinkRequest(linkpath, targetpath))
	if err != nil {
		return err
	}
	return c.expectStatus(f)
}

// Readlink returns the target of a remote symlink.
func (c *Client) Readlink(path string) (string, error) {
	f, err := c.request(msgReadLink, encodePathRequest(path))
	if err != nil {
		return "", err
	}
	if f.typ == msgStatus {
		return "", c.expectStatus(f)
	}
	entries, err := decodeNameResponse(f.payload)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", &ErrProtocol{Detail: "readlink returned no names"}
	}
	return entries[0].Filename, nil
}

// Realpath asks the server to canonicalize path.
func (c *Client) Realpath(path string) (string, error) {
	f, err := c.request(msgRealPath, encodePathRequest(path))
	if err != nil {
		return "", err
	}
	if f.typ == msgStatus {
		return "", c.expectStatus(f)
	}
	entries, err := decodeNameResponse(f.payload)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", &ErrProtocol{Detail: "realpath returned no names"}
	}
	return entries[0].Filename, nil
}

// resolveRealpath repeatedly calls REALPATH until it fixpoints (result
// equals input), preserving OpenSSH behavior when the server resolves
// symlinks lazily. The loop is capped to guarantee termination even against
// a pathologically non-idempotent server.
func (c *Client) resolveRealpath(path string) (string, error) {
	cur := path
	for i := 0; i < 8; i++ {
		next, err := c.Realpath(cur)
		if err != nil {
			return "", err
		}
		if next == cur {
			return cur, nil
		}
		cur = next
	}
	return cur, nil
}

// ListDirectory resolves path to its realpath fixpoint, opens it as a
// directory, and reads every entry.
func (c *Client) ListDirectory(path string) ([]NameEntry, error) {
	resolved, err := c.resolveRealpath(path)
	if err != nil {
		return nil, err
	}

	dir, err := c.OpenDir(resolved)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	var all []NameEntry
	for {
		entries, err := dir.ReadDir()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// handleOwner is implemented by File and Dir so failAll can mark every
// still-open handle invalid locally, without a network roundtrip, the
// moment the transport disconnects.
type handleOwner interface {
	invalidate()
}

// File is an open remote file, borrowing its Client and holding exactly
// one handle.
type File struct {
	c       *Client
	handle  string
	path    string
	offset  uint64
	mu      sync.Mutex
	invalid bool
}

func (f *File) invalidate() {
	f.mu.Lock()
	f.invalid = true
	f.mu.Unlock()
}

// Open opens path with the given pflags/attrs.
func (c *Client) Open(path string, pflags uint32, attrs Attributes) (*File, error) {
	f, err := c.request(msgOpen, encodeOpenRequest(path, pflags, attrs))
	if err != nil {
		return nil, err
	}
	switch f.typ {
	case msgHandle:
		handle, err := decodeHandleResponse(f.payload)
		if err != nil {
			return nil, err
		}
		file := &File{c: c, handle: handle, path: path}
		c.mu.Lock()
		c.handles[handle] = file
		c.mu.Unlock()
		runtime.SetFinalizer(file, (*File).leaked)
		return file, nil
	case msgStatus:
		return nil, c.expectStatus(f)
	default:
		return nil, &InvalidResponse{Want: msgHandle, Got: f.typ}
	}
}

func (f *File) leaked() {
	f.mu.Lock()
	closed := f.invalid
	f.mu.Unlock()
	if !closed {
		// A dropped handle without Close logs a warning but does not
		// panic or fail any in-flight operation.
		debugLogf("sftp: file handle for %q was never closed (leak)", f.path)
	}
}

var debugLogf = func(format string, args ...interface{}) {}

// SetDebugLog installs the hook File leak warnings and other low-level
// diagnostics are written through; the zero value is a silent no-op.
func SetDebugLog(fn func(format string, args ...interface{})) {
	if fn == nil {
		fn = func(string, ...interface{}) {}
	}
	debugLogf = fn
}

func (f *File) checkValid() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid {
		return &FileHandleInvalid{}
	}
	return nil
}

// Read reads up to len(p) bytes at the file's current offset, advancing it,
// per the File's io.Reader contract; status EOF from the server surfaces
// as io.EOF with zero bytes, matching the stdlib convention readAll relies
// on.
func (f *File) Read(p []byte) (int, error) {
	if err := f.checkValid(); err != nil {
		return 0, err
	}
	n := uint32(len(p))
	if n > maxReadChunk {
		n = maxReadChunk
	}
	reply, err := f.c.request(msgRead, encodeReadRequest(f.handle, f.offset, n))
	if err != nil {
		return 0, err
	}
	switch reply.typ {
	case msgData:
		data, err := decodeDataResponse(reply.payload)
		if err != nil {
			return 0, err
		}
		copy(p, data)
		f.offset += uint64(len(data))
		return len(data), nil
	case msgStatus:
		return 0, statusOrErr(reply)
	default:
		return 0, &InvalidResponse{Want: msgData, Got: reply.typ}
	}
}

// ReadAll reads the whole file from the current offset to EOF. It uses the
// file's advertised size (via Fstat) to bound the loop when available,
// otherwise it reads until a zero-byte/EOF reply.
func (f *File) ReadAll() ([]byte, error) {
	if err := f.checkValid(); err != nil {
		return nil, err
	}

	var want int64 = -1
	if attrs, err := f.c.Fstat(f.handle); err == nil && attrs.HasSize {
		want = int64(attrs.Size)
	}

	var buf []byte
	chunk := make([]byte, maxReadChunk)
	for want < 0 || int64(len(buf)) < want {
		n, err := f.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	return buf, nil
}

// Write writes p at the file's current offset, slicing outbound payloads to
// maxWritePayload bytes per WRITE and advancing the offset by bytes written.
func (f *File) Write(p []byte) (int, error) {
	if err := f.checkValid(); err != nil {
		return 0, err
	}
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxWritePayload {
			n = maxWritePayload
		}
		reply, err := f.c.request(msgWrite, encodeWriteRequest(f.handle, f.offset, p[:n]))
		if err != nil {
			return written, err
		}
		if err := f.c.expectStatus(reply); err != nil {
			return written, err
		}
		f.offset += uint64(n)
		written += n
		p = p[n:]
	}
	return written, nil
}

// Stat stats the open file via FSTAT.
func (f *File) Stat() (Attributes, error) {
	if err := f.checkValid(); err != nil {
		return Attributes{}, err
	}
	return f.c.Fstat(f.handle)
}

// SetStat applies attrs to the open file via FSETSTAT.
func (f *File) SetStat(attrs Attributes) error {
	if err := f.checkValid(); err != nil {
		return err
	}
	reply, err := f.c.request(msgFSetStat, encodeFsetstatRequest(f.handle, attrs))
	if err != nil {
		return err
	}
	return f.c.expectStatus(reply)
}

// Close issues exactly one CLOSE for the handle. Operations on an
// already-closed handle fail locally without a network roundtrip.
func (f *File) Close() error {
	f.mu.Lock()
	if f.invalid {
		f.mu.Unlock()
		return &FileHandleInvalid{}
	}
	f.invalid = true
	f.mu.Unlock()

	runtime.SetFinalizer(f, nil)

	f.c.mu.Lock()
	delete(f.c.handles, f.handle)
	f.c.mu.Unlock()

	reply, err := f.c.request(msgClose, encodeHandleRequest(f.handle))
	if err != nil {
		return err
	}
	return f.c.expectStatus(reply)
}

// Dir is an open remote directory handle.
type Dir struct {
	c       *Client
	handle  string
	mu      sync.Mutex
	invalid bool
}

func (d *Dir) invalidate() {
	d.mu.Lock()
	d.invalid = true
	d.mu.Unlock()
}

// OpenDir opens path as a directory for READDIR.
func (c *Client) OpenDir(path string) (*Dir, error) {
	f, err := c.request(msgOpenDir, encodePathRequest(path))
	if err != nil {
		return nil, err
	}
	switch f.typ {
	case msgHandle:
		handle, err := decodeHandleResponse(f.payload)
		if err != nil {
			return nil, err
		}
		dir := &Dir{c: c, handle: handle}
		c.mu.Lock()
		c.handles[handle] = dir
		c.mu.Unlock()
		return dir, nil
	case msgStatus:
		return nil, c.expectStatus(f)
	default:
		return nil, &InvalidResponse{Want: msgHandle, Got: f.typ}
	}
}

// ReadDir reads the next batch of directory entries. Callers loop until
// they observe io.EOF.
func (d *Dir) ReadDir() ([]NameEntry, error) {
	d.mu.Lock()
	invalid := d.invalid
	d.mu.Unlock()
	if invalid {
		return nil, &FileHandleInvalid{}
	}

	reply, err := d.c.request(msgReadDir, encodeHandleRequest(d.handle))
	if err != nil {
		return nil, err
	}
	switch reply.typ {
	case msgName:
		return decodeNameResponse(reply.payload)
	case msgStatus:
		return nil, statusOrErr(reply)
	default:
		return nil, &InvalidResponse{Want: msgName, Got: reply.typ}
	}
}

// Close issues exactly one CLOSE for the directory handle.
func (d *Dir) Close() error {
	d.mu.Lock()
	if d.invalid {
		d.mu.Unlock()
		return &FileHandleInvalid{}
	}
	d.invalid = true
	d.mu.Unlock()

	d.c.mu.Lock()
	delete(d.c.handles, d.handle)
	d.c.mu.Unlock()

	reply, err := d.c.request(msgClose, encodeHandleRequest(d.handle))
	if err != nil {
		return err
	}
	return d.c.expectStatus(reply)
}

// Close tears down the sftp session channel. Every handle still open when
// Close is called is implicitly invalidated, and the pending id table is
// drained once the channel reports closed.
func (c *Client) Close() error {
	c.failAll(channel.ErrConnectionClosed)
	return nil
}
