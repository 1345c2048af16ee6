package sftp

import "fmt"

// StatusError is returned for any STATUS reply other than OK/EOF.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sftp status %d: %s", e.Code, e.Message)
}

// UnsupportedVersion is returned when the server's VERSION reply is below
// protocolVersion.
type UnsupportedVersion struct {
	Got uint32
}

func (e *UnsupportedVersion) Error() string {
	return fmt.Sprintf("sftp: unsupported server version %d", e.Got)
}

// InvalidResponse marks a reply whose message type didn't match what the
// pending request expected.
type InvalidResponse struct {
	Want, Got uint8
}

func (e *InvalidResponse) Error() string {
	return fmt.Sprintf("sftp: invalid response type: want %d, got %d", e.Want, e.Got)
}

// FileHandleInvalid is returned locally, without a network roundtrip, for
// any operation against a handle that has already been closed.
type FileHandleInvalid struct{}

func (e *FileHandleInvalid) Error() string { return "sftp: file handle invalid" }

// ErrProtocol marks a message that breaks the protocol. A reply whose id
// has no pending request, a reply without an id, or a non-VERSION message
// during the handshake tears the client session down; a READLINK/REALPATH
// reply carrying no names is returned to that caller only. Server.Serve
// returns it when the first message is not INIT.
type ErrProtocol struct {
	Detail string
}

func (e *ErrProtocol) Error() string { return "sftp: protocol error: " + e.Detail }
