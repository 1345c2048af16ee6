package sftp

import "github.com/pkg/errors"

// This file encodes/decodes the request and response bodies for every SFTP
// v3 message sshkit speaks. Each function operates on the payload that
// follows the common length/type/id header, which wire.go's frame
// reader/writer already strips.

// --- requests (client -> server) ---

func encodeInit() []byte {
	return appendUint32(nil, protocolVersion)
}

func encodePathRequest(path string) []byte {
	return appendString(nil, path)
}

func decodePathRequest(b []byte) (path string, err error) {
	path, _, err = takeString(b)
	return path, err
}

func encodeHandleRequest(handle string) []byte {
	return appendString(nil, handle)
}

func decodeHandleRequest(b []byte) (handle string, err error) {
	handle, _, err = takeString(b)
	return handle, err
}

func encodeOpenRequest(path string, pflags uint32, attrs Attributes) []byte {
	b := appendString(nil, path)
	b = appendUint32(b, pflags)
	return attrs.marshal(b)
}

func decodeOpenRequest(b []byte) (path string, pflags uint32, attrs Attributes, err error) {
	path, b, err = takeString(b)
	if err != nil {
		return
	}
	pflags, b, err = takeUint32(b)
	if err != nil {
		return
	}
	attrs, _, err = unmarshalAttributes(b)
	return
}

func encodeReadRequest(handle string, offset uint64, length uint32) []byte {
	b := appendString(nil, handle)
	b = appendUint64(b, offset)
	return appendUint32(b, length)
}

func decodeReadRequest(b []byte) (handle string, offset uint64, length uint32, err error) {
	handle, b, err = takeString(b)
	if err != nil {
		return
	}
	offset, b, err = takeUint64(b)
	if err != nil {
		return
	}
	length, _, err = takeUint32(b)
	return
}

func encodeWriteRequest(handle string, offset uint64, data []byte) []byte {
	b := appendString(nil, handle)
	b = appendUint64(b, offset)
	b = appendUint32(b, uint32(len(data)))
	return append(b, data...)
}

func decodeWriteRequest(b []byte) (handle string, offset uint64, data []byte, err error) {
	handle, b, err = takeString(b)
	if err != nil {
		return
	}
	offset, b, err = takeUint64(b)
	if err != nil {
		return
	}
	n, b, err := takeUint32(b)
	if err != nil {
		return
	}
	if uint32(len(b)) < n {
		err = errors.New("sftp: truncated write payload")
		return
	}
	data = b[:n]
	return
}

func encodeSetstatRequest(path string, attrs Attributes) []byte {
	return attrs.marshal(appendString(nil, path))
}

func decodeSetstatRequest(b []byte) (path string, attrs Attributes, err error) {
	path, b, err = takeString(b)
	if err != nil {
		return
	}
	attrs, _, err = unmarshalAttributes(b)
	return
}

func encodeFsetstatRequest(handle string, attrs Attributes) []byte {
	return attrs.marshal(appendString(nil, handle))
}

func decodeFsetstatRequest(b []byte) (handle string, attrs Attributes, err error) {
	handle, b, err = takeString(b)
	if err != nil {
		return
	}
	attrs, _, err = unmarshalAttributes(b)
	return
}

func encodeRenameRequest(oldpath, newpath string) []byte {
	return appendString(appendString(nil, oldpath), newpath)
}

func decodeRenameRequest(b []byte) (oldpath, newpath string, err error) {
	oldpath, b, err = takeString(b)
	if err != nil {
		return
	}
	newpath, _, err = takeString(b)
	return
}

func encodeSymlinkRequest(linkpath, targetpath string) []byte {
	// SFTPv3's SYMLINK famously swaps the field order from every other
	// two-path request; OpenSSH servers expect it this way on the wire.
	return appendString(appendString(nil, targetpath), linkpath)
}

func decodeSymlinkRequest(b []byte) (linkpath, targetpath string, err error) {
	targetpath, b, err = takeString(b)
	if err != nil {
		return
	}
	linkpath, _, err = takeString(b)
	return
}

// --- responses (server -> client) ---

func encodeVersion() []byte {
	b := appendUint32(nil, protocolVersion)
	for name, data := range serverExtensions {
		b = appendString(b, name)
		b = appendString(b, data)
	}
	return b
}

func decodeVersion(b []byte) (version uint32, err error) {
	version, _, err = takeUint32(b)
	return
}

// decodeVersionExtensions parses the (name, data) extension pairs that
// follow the version field in a VERSION reply, per the SFTPv3 extension
// negotiation mechanism. A malformed trailing pair is ignored rather than
// failing the handshake, since extensions are advisory.
func decodeVersionExtensions(b []byte) map[string]string {
	_, rest, err := takeUint32(b)
	if err != nil {
		return nil
	}
	exts := make(map[string]string)
	for len(rest) > 0 {
		name, next, err := takeString(rest)
		if err != nil {
			break
		}
		data, next2, err := takeString(next)
		if err != nil {
			break
		}
		exts[name] = data
		rest = next2
	}
	return exts
}

// serverExtensions lists the SFTPv3 extensions Server advertises in its
// VERSION reply.
var serverExtensions = map[string]string{
	"posix-rename@openssh.com": "1",
}

func encodeExtendedRequest(name string, data []byte) []byte {
	return append(appendString(nil, name), data...)
}

func encodeStatus(code uint32, message string) []byte {
	b := appendUint32(nil, code)
	b = appendString(b, message)
	return appendString(b, "")
}

func decodeStatus(b []byte) (code uint32, message string, err error) {
	code, b, err = takeUint32(b)
	if err != nil {
		return
	}
	message, _, err = takeString(b)
	return
}

func encodeHandleResponse(handle string) []byte {
	return appendString(nil, handle)
}

func decodeHandleResponse(b []byte) (handle string, err error) {
	handle, _, err = takeString(b)
	return
}

func encodeDataResponse(data []byte) []byte {
	return appendUint32WithData(data)
}

func appendUint32WithData(data []byte) []byte {
	b := appendUint32(nil, uint32(len(data)))
	return append(b, data...)
}

func decodeDataResponse(b []byte) (data []byte, err error) {
	n, b, err := takeUint32(b)
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) < n {
		return nil, errors.New("sftp: truncated data response")
	}
	return b[:n], nil
}

func encodeAttrsResponse(attrs Attributes) []byte {
	return attrs.marshal(nil)
}

func decodeAttrsResponse(b []byte) (Attributes, error) {
	attrs, _, err := unmarshalAttributes(b)
	return attrs, err
}

// NameEntry is one (filename, longname, attrs) triple in a NAME response.
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attributes
}

func encodeNameResponse(entries []NameEntry) []byte {
	b := appendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		b = appendString(b, e.Filename)
		b = appendString(b, e.Longname)
		b = e.Attrs.marshal(b)
	}
	return b
}

func decodeNameResponse(b []byte) ([]NameEntry, error) {
	count, b, err := takeUint32(b)
	if err != nil {
		return nil, err
	}
	entries := make([]NameEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e NameEntry
		if e.Filename, b, err = takeString(b); err != nil {
			return nil, err
		}
		if e.Longname, b, err = takeString(b); err != nil {
			return nil, err
		}
		if e.Attrs, b, err = unmarshalAttributes(b); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
