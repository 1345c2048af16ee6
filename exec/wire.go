package exec

// packString and packUint32 build SSH channel-request payloads: a plain
// concatenation of length-prefixed strings and big-endian uint32s, as used
// by the exec/pty-req/window-change/env requests.

func packString(s string) []byte {
	b := make([]byte, 4+len(s))
	putUint32(b, uint32(len(s)))
	copy(b[4:], s)
	return b
}

func packUint32(v uint32) []byte {
	b := make([]byte, 4)
	putUint32(b, v)
	return b
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// ptyRequestPayload encodes a pty-req body: TERM, width/height in
// characters and pixels, and an empty encoded terminal-modes string.
func ptyRequestPayload(term string, cols, rows uint32) []byte {
	b := packString(term)
	b = append(b, packUint32(cols)...)
	b = append(b, packUint32(rows)...)
	b = append(b, packUint32(0)...) // width in pixels
	b = append(b, packUint32(0)...) // height in pixels
	b = append(b, packString("")...)
	return b
}

// windowChangePayload encodes a window-change body.
func windowChangePayload(cols, rows uint32) []byte {
	b := packUint32(cols)
	b = append(b, packUint32(rows)...)
	b = append(b, packUint32(0)...)
	b = append(b, packUint32(0)...)
	return b
}
