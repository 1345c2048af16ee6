package sftp

import (
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
)

// serverWorkerCount mirrors pkg/sftp's SftpServerWorkerCount: enough
// concurrency to overlap filesystem I/O across requests without each
// session spinning up unbounded goroutines.
const serverWorkerCount = 8

// ErrUnsupported is returned by a FileSystem delegate method the delegate
// does not implement; the server core maps it to SSH_FX_OP_UNSUPPORTED
// without ever panicking on a missing capability
var ErrUnsupported = errors.New("sftp: operation not supported by this filesystem delegate")

// FileHandle is a delegate-opened regular file, server-side.
type FileHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Stat() (Attributes, error)
	SetStat(Attributes) error
	Close() error
}

// DirHandle is a delegate-opened directory, server-side. Read returns the
// next batch of entries and io.EOF once exhausted, mirroring os.File's
// Readdir convention.
type DirHandle interface {
	Read() ([]NameEntry, error)
	Close() error
}

// FileSystem is the pluggable filesystem delegate capability set: file
// attributes, open/remove file, create/remove directory, real path,
// open directory, set attributes, add/read symlink, rename. A delegate
// that cannot support a capability returns ErrUnsupported.
type FileSystem interface {
	FileAttributes(path string, followSymlinks bool) (Attributes, error)
	OpenFile(path string, pflags uint32, attrs Attributes) (FileHandle, error)
	RemoveFile(path string) error
	CreateDirectory(path string, attrs Attributes) error
	RemoveDirectory(path string) error
	RealPath(path string) (string, error)
	OpenDirectory(path string) (DirHandle, error)
	SetFileAttributes(path string, attrs Attributes) error
	AddSymlink(target, link string) error
	ReadSymlink(path string) (string, error)
	Rename(oldpath, newpath string) error
}

// Server is the SFTP server core: it parses requests off one
// subsystem channel and dispatches them to a FileSystem delegate, mapping
// delegate errors to SFTP status codes and maintaining the server-generated
// handle table.
type Server struct {
	ch *channel.Channel
	fs FileSystem

	writeMu sync.Mutex

	mu        sync.Mutex
	files     map[string]FileHandle
	dirs      map[string]DirHandle
	handleSeq uint64
}

// NewServer wraps an already-accepted session channel (on which the client
// has sent a "subsystem sftp" request) and a filesystem delegate.
func NewServer(ch *channel.Channel, fs FileSystem) *Server {
	return &Server{
		ch:    ch,
		fs:    fs,
		files: make(map[string]FileHandle),
		dirs:  make(map[string]DirHandle),
	}
}

// Serve reads INIT, replies VERSION, then dispatches every subsequent
// request to serverWorkerCount workers until the channel's stream ends.
func (s *Server) Serve() error {
	stream := channelStream{s.ch}

	initFrame, err := readFrame(stream)
	if err != nil {
		return errors.Wrap(err, "sftp server: read init")
	}
	if initFrame.typ != msgInit {
		return &ErrProtocol{Detail: "first message was not INIT"}
	}
	if err := s.writeFrame(msgVersion, 0, false, encodeVersion()); err != nil {
		return errors.Wrap(err, "sftp server: send version")
	}

	frames := make(chan *frame, serverWorkerCount)
	var wg sync.WaitGroup
	wg.Add(serverWorkerCount)
	for i := 0; i < serverWorkerCount; i++ {
		go func() {
			defer wg.Done()
			for f := range frames {
				s.dispatch(f)
			}
		}()
	}

	var serveErr error
	for {
		f, err := readFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				serveErr = err
			}
			break
		}
		frames <- f
	}
	close(frames)
	wg.Wait()
	return serveErr
}

func (s *Server) writeFrame(typ uint8, id uint32, hasID bool, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(channelStream{s.ch}, typ, id, hasID, payload)
}

func (s *Server) sendStatus(id uint32, err error) error {
	code, msg := statusForError(err)
	return s.writeFrame(msgStatus, id, true, encodeStatus(code, msg))
}

func (s *Server) newHandle() string {
	n := atomic.AddUint64(&s.handleSeq, 1)
	return strconv.FormatUint(n, 36)
}

// dispatch decodes one request frame and replies on the wire. Any error
// from the FileSystem delegate or from decoding becomes a STATUS reply;
// dispatch itself never returns an error to the caller, matching the
// worker-pool shape where one bad request must not take down the session.
func (s *Server) dispatch(f *frame) {
	if !f.hasID {
		return
	}
	id := f.id

	switch f.typ {
	case msgLStat:
		s.handleStat(id, f.payload, false)
	case msgStat:
		s.handleStat(id, f.payload, true)
	case msgFStat:
		s.handleFstat(id, f.payload)
	case msgSetStat:
		s.handleSetstat(id, f.payload)
	case msgFSetStat:
		s.handleFsetstat(id, f.payload)
	case msgOpen:
		s.handleOpen(id, f.payload)
	case msgClose:
		s.handleClose(id, f.payload)
	case msgRead:
		s.handleRead(id, f.payload)
	case msgWrite:
		s.handleWrite(id, f.payload)
	case msgRemove:
		s.handleSimplePath(id, f.payload, s.fs.RemoveFile)
	case msgMkdir:
		s.handleMkdir(id, f.payload)
	case msgRmdir:
		s.handleSimplePath(id, f.payload, s.fs.RemoveDirectory)
	case msgRealPath:
		s.handleRealpath(id, f.payload)
	case msgOpenDir:
		s.handleOpenDir(id, f.payload)
	case msgReadDir:
		s.handleReadDir(id, f.payload)
	case msgRename:
		s.handleRename(id, f.payload)
	case msgReadLink:
		s.handleReadlink(id, f.payload)
	case msgSymlink:
		s.handleSymlink(id, f.payload)
	case msgExtended:
		s.handleExtended(id, f.payload)
	default:
		_ = s.writeFrame(msgStatus, id, true, encodeStatus(StatusOpUnsupported, "unsupported request"))
	}
}

func (s *Server) handleStat(id uint32, payload []byte, followSymlinks bool) {
	path, err := decodePathRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	attrs, err := s.fs.FileAttributes(path, followSymlinks)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.writeFrame(msgAttrs, id, true, encodeAttrsResponse(attrs))
}

func (s *Server) handleFstat(id uint32, payload []byte) {
	handle, err := decodeHandleRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	fh, ok := s.files[handle]
	s.mu.Unlock()
	if !ok {
		s.sendStatus(id, &FileHandleInvalid{})
		return
	}
	attrs, err := fh.Stat()
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.writeFrame(msgAttrs, id, true, encodeAttrsResponse(attrs))
}

func (s *Server) handleSetstat(id uint32, payload []byte) {
	path, attrs, err := decodeSetstatRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.sendStatus(id, s.fs.SetFileAttributes(path, attrs))
}

func (s *Server) handleFsetstat(id uint32, payload []byte) {
	handle, attrs, err := decodeFsetstatRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	fh, ok := s.files[handle]
	s.mu.Unlock()
	if !ok {
		s.sendStatus(id, &FileHandleInvalid{})
		return
	}
	s.sendStatus(id, fh.SetStat(attrs))
}

func (s *Server) handleOpen(id uint32, payload []byte) {
	path, pflags, attrs, err := decodeOpenRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	fh, err := s.fs.OpenFile(path, pflags, attrs)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	handle := s.newHandle()
	s.mu.Lock()
	s.files[handle] = fh
	s.mu.Unlock()
	s.writeFrame(msgHandle, id, true, encodeHandleResponse(handle))
}

func (s *Server) handleClose(id uint32, payload []byte) {
	handle, err := decodeHandleRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	fh, fok := s.files[handle]
	dh, dok := s.dirs[handle]
	delete(s.files, handle)
	delete(s.dirs, handle)
	s.mu.Unlock()

	switch {
	case fok:
		s.sendStatus(id, fh.Close())
	case dok:
		s.sendStatus(id, dh.Close())
	default:
		s.sendStatus(id, &FileHandleInvalid{})
	}
}

func (s *Server) handleRead(id uint32, payload []byte) {
	handle, offset, length, err := decodeReadRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	fh, ok := s.files[handle]
	s.mu.Unlock()
	if !ok {
		s.sendStatus(id, &FileHandleInvalid{})
		return
	}
	if length > maxWritePayload {
		length = maxWritePayload
	}
	buf := make([]byte, length)
	n, err := fh.ReadAt(buf, int64(offset))
	if n > 0 {
		s.writeFrame(msgData, id, true, encodeDataResponse(buf[:n]))
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.sendStatus(id, err)
}

func (s *Server) handleWrite(id uint32, payload []byte) {
	handle, offset, data, err := decodeWriteRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	fh, ok := s.files[handle]
	s.mu.Unlock()
	if !ok {
		s.sendStatus(id, &FileHandleInvalid{})
		return
	}
	_, err = fh.WriteAt(data, int64(offset))
	s.sendStatus(id, err)
}

func (s *Server) handleSimplePath(id uint32, payload []byte, op func(string) error) {
	path, err := decodePathRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.sendStatus(id, op(path))
}

func (s *Server) handleMkdir(id uint32, payload []byte) {
	path, attrs, err := decodeSetstatRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.sendStatus(id, s.fs.CreateDirectory(path, attrs))
}

func (s *Server) handleRealpath(id uint32, payload []byte) {
	path, err := decodePathRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	resolved, err := s.fs.RealPath(path)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.writeFrame(msgName, id, true, encodeNameResponse([]NameEntry{{Filename: resolved, Longname: resolved}}))
}

func (s *Server) handleOpenDir(id uint32, payload []byte) {
	path, err := decodePathRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	dh, err := s.fs.OpenDirectory(path)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	handle := s.newHandle()
	s.mu.Lock()
	s.dirs[handle] = dh
	s.mu.Unlock()
	s.writeFrame(msgHandle, id, true, encodeHandleResponse(handle))
}

func (s *Server) handleReadDir(id uint32, payload []byte) {
	handle, err := decodeHandleRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.mu.Lock()
	dh, ok := s.dirs[handle]
	s.mu.Unlock()
	if !ok {
		s.sendStatus(id, &FileHandleInvalid{})
		return
	}
	entries, err := dh.Read()
	if len(entries) > 0 {
		s.writeFrame(msgName, id, true, encodeNameResponse(entries))
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.sendStatus(id, err)
}

func (s *Server) handleRename(id uint32, payload []byte) {
	oldpath, newpath, err := decodeRenameRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.sendStatus(id, s.fs.Rename(oldpath, newpath))
}

// handleExtended dispatches an EXTENDED request by its advertised name.
// Only the extensions listed in serverExtensions are recognized; anything
// else gets the same STATUS_OP_UNSUPPORTED reply an unrecognized message
// type would.
func (s *Server) handleExtended(id uint32, payload []byte) {
	name, rest, err := takeString(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	switch name {
	case "posix-rename@openssh.com":
		oldpath, newpath, err := decodeRenameRequest(rest)
		if err != nil {
			s.sendStatus(id, err)
			return
		}
		s.sendStatus(id, s.fs.Rename(oldpath, newpath))
	default:
		s.sendStatus(id, ErrUnsupported)
	}
}

func (s *Server) handleReadlink(id uint32, payload []byte) {
	path, err := decodePathRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	target, err := s.fs.ReadSymlink(path)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.writeFrame(msgName, id, true, encodeNameResponse([]NameEntry{{Filename: target, Longname: target}}))
}

func (s *Server) handleSymlink(id uint32, payload []byte) {
	linkpath, targetpath, err := decodeSymlinkRequest(payload)
	if err != nil {
		s.sendStatus(id, err)
		return
	}
	s.sendStatus(id, s.fs.AddSymlink(targetpath, linkpath))
}

// statusForError maps a Go error from the delegate (or from a decode
// failure) to an SFTP status code and message ("Errors from
// the delegate map to SFTP status codes").
func statusForError(err error) (uint32, string) {
	if err == nil {
		return StatusOK, ""
	}
	if errors.Is(err, io.EOF) {
		return StatusEOF, "EOF"
	}
	if errors.Is(err, ErrUnsupported) {
		return StatusOpUnsupported, err.Error()
	}
	if errors.Is(err, os.ErrNotExist) {
		return StatusNoSuchFile, err.Error()
	}
	if errors.Is(err, os.ErrPermission) {
		return StatusPermissionDenied, err.Error()
	}
	var fhi *FileHandleInvalid
	if errors.As(err, &fhi) {
		return StatusFailure, err.Error()
	}
	return StatusFailure, err.Error()
}
