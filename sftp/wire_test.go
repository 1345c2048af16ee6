package sftp

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, msgOpen, 42, true, []byte("payload")))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(msgOpen), f.typ)
	assert.True(t, f.hasID)
	assert.Equal(t, uint32(42), f.id)
	assert.Equal(t, "payload", string(f.payload))
}

func TestFrameRoundTripNoID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, msgInit, 0, false, encodeInit()))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(msgInit), f.typ)
	assert.False(t, f.hasID)
	version, err := decodeVersion(f.payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(protocolVersion), version)
}

func TestAttributesMarshalRoundTrip(t *testing.T) {
	want := Attributes{
		HasSize:        true,
		Size:           1234,
		HasUIDGID:      true,
		UID:            1000,
		GID:            1000,
		HasPermissions: true,
		Permissions:    0o100644,
		HasACModTime:   true,
		ATime:          time.Unix(1700000000, 0),
		MTime:          time.Unix(1700000100, 0),
		Extended:       []ExtendedAttr{{Name: "ext", Value: "v"}},
	}

	got, rest, err := unmarshalAttributes(want.marshal(nil))
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, want.Size, got.Size)
	assert.Equal(t, want.UID, got.UID)
	assert.Equal(t, want.GID, got.GID)
	assert.Equal(t, want.Permissions, got.Permissions)
	assert.Equal(t, want.ATime.Unix(), got.ATime.Unix())
	assert.Equal(t, want.MTime.Unix(), got.MTime.Unix())
	require.Len(t, got.Extended, 1)
	assert.Equal(t, "ext", got.Extended[0].Name)
}

func TestNameResponseRoundTrip(t *testing.T) {
	entries := []NameEntry{
		{Filename: "a.txt", Longname: "-rw-r--r-- a.txt", Attrs: Attributes{HasSize: true, Size: 5}},
		{Filename: "b.txt", Longname: "-rw-r--r-- b.txt", Attrs: Attributes{HasSize: true, Size: 7}},
	}
	got, err := decodeNameResponse(encodeNameResponse(entries))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.txt", got[0].Filename)
	assert.Equal(t, uint64(7), got[1].Attrs.Size)
}

func TestSymlinkRequestFieldOrder(t *testing.T) {
	encoded := encodeSymlinkRequest("/link", "/target")
	linkpath, targetpath, err := decodeSymlinkRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, "/link", linkpath)
	assert.Equal(t, "/target", targetpath)
}
