// Package sftp implements the SFTP v3 client and server cores, multiplexed
// by request-id atop one session channel.
package sftp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/pkg/sshkit/channel"
)

// channelStream adapts a multiplexed Channel to the io.Reader/io.Writer
// pair writeFrame/readFrame expect, since Channel exposes SendData (which
// blocks for window credit and reports only an error) rather than a plain
// Write method.
type channelStream struct {
	ch *channel.Channel
}

func (s channelStream) Read(p []byte) (int, error) { return s.ch.Read(p) }

func (s channelStream) Write(p []byte) (int, error) {
	if err := s.ch.SendData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Message types
const (
	msgInit     = 1
	msgVersion  = 2
	msgOpen     = 3
	msgClose    = 4
	msgRead     = 5
	msgWrite    = 6
	msgLStat    = 7
	msgFStat    = 8
	msgSetStat  = 9
	msgFSetStat = 10
	msgOpenDir  = 11
	msgReadDir  = 12
	msgRemove   = 13
	msgMkdir    = 14
	msgRmdir    = 15
	msgRealPath = 16
	msgStat     = 17
	msgRename   = 18
	msgReadLink = 19
	msgSymlink  = 20
	msgExtended = 200

	msgStatus = 101
	msgHandle = 102
	msgData   = 103
	msgName   = 104
	msgAttrs  = 105
)

// OPEN pflags
const (
	FlagRead   uint32 = 0x1
	FlagWrite  uint32 = 0x2
	FlagAppend uint32 = 0x4
	FlagCreat  uint32 = 0x8
	FlagTrunc  uint32 = 0x10
	FlagExcl   uint32 = 0x20
)

// SFTP status codes (SSH_FX_*).
const (
	StatusOK               uint32 = 0
	StatusEOF              uint32 = 1
	StatusNoSuchFile       uint32 = 2
	StatusPermissionDenied uint32 = 3
	StatusFailure          uint32 = 4
	StatusBadMessage       uint32 = 5
	StatusNoConnection     uint32 = 6
	StatusConnectionLost   uint32 = 7
	StatusOpUnsupported    uint32 = 8
)

// protocolVersion is the only SFTP version this core speaks; a peer
// advertising an older version is rejected outright.
const protocolVersion = 3

// maxWritePayload bounds a single WRITE's data: writes longer than this are
// sliced into consecutive WRITE requests at increasing offsets.
const maxWritePayload = 32000

// frame is one length-prefixed SFTP message: length covers everything
// after the length field itself (type + id + payload, or just type +
// payload for INIT/VERSION).
type frame struct {
	typ uint8
	id  uint32 // meaningful only when hasID
	hasID bool
	payload []byte
}

func writeFrame(w io.Writer, typ uint8, id uint32, hasID bool, payload []byte) error {
	bodyLen := 1 + len(payload)
	if hasID {
		bodyLen += 4
	}
	header := make([]byte, 4, 4+1+4)
	binary.BigEndian.PutUint32(header, uint32(bodyLen))
	header = append(header, typ)
	if hasID {
		header = appendUint32(header, id)
	}
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "sftp: write frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "sftp: write frame payload")
		}
	}
	return nil
}

// readFrame reads one length-prefixed SFTP message, buffering partial
// reads as needed. hasID reflects whether typ carries a request id (false
// only for INIT/VERSION).
func readFrame(r io.Reader) (*frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "sftp: read frame length")
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen == 0 || bodyLen > 1<<20 {
		return nil, errors.Errorf("sftp: implausible frame length %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "sftp: read frame body")
	}
	typ := body[0]
	f := &frame{typ: typ}
	rest := body[1:]
	if typ != msgInit && typ != msgVersion {
		if len(rest) < 4 {
			return nil, errors.New("sftp: truncated request id")
		}
		f.id = binary.BigEndian.Uint32(rest)
		f.hasID = true
		rest = rest[4:]
	}
	f.payload = rest
	return f, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(b []byte, v uint64) []byte {
	return appendUint32(appendUint32(b, uint32(v>>32)), uint32(v))
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func takeUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("sftp: truncated uint32")
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func takeUint64(b []byte) (uint64, []byte, error) {
	hi, b, err := takeUint32(b)
	if err != nil {
		return 0, nil, err
	}
	lo, b, err := takeUint32(b)
	if err != nil {
		return 0, nil, err
	}
	return uint64(hi)<<32 | uint64(lo), b, nil
}

func takeString(b []byte) (string, []byte, error) {
	n, b, err := takeUint32(b)
	if err != nil {
		return "", nil, err
	}
	if uint32(len(b)) < n {
		return "", nil, errors.New("sftp: truncated string")
	}
	return string(b[:n]), b[n:], nil
}
