package sftp

import "time"

// Attribute flag bits, governing which Attributes fields are present on the
// wire: the flag bitset is derived from which fields are set.
const (
	attrSize        uint32 = 0x00000001
	attrUIDGID      uint32 = 0x00000002
	attrPermissions uint32 = 0x00000004
	attrACModTime   uint32 = 0x00000008
	attrExtended    uint32 = 0x80000000
)

// ExtendedAttr is one opaque (name, value) pair carried in the extended
// portion of an ATTRS record.
type ExtendedAttr struct {
	Name  string
	Value string
}

// Attributes is a flag-governed record whose flag bitset is derived from
// which optional fields are set.
type Attributes struct {
	HasSize        bool
	Size           uint64
	HasUIDGID      bool
	UID, GID       uint32
	HasPermissions bool
	Permissions    uint32
	HasACModTime   bool
	ATime, MTime   time.Time
	Extended       []ExtendedAttr
}

// IsDir reports whether the permissions bits (if present) mark a directory,
// using the S_IFDIR bit from POSIX mode encoding.
func (a Attributes) IsDir() bool {
	const sIFDIR = 0040000
	return a.HasPermissions && a.Permissions&0170000 == sIFDIR
}

func (a Attributes) marshal(b []byte) []byte {
	var flags uint32
	if a.HasSize {
		flags |= attrSize
	}
	if a.HasUIDGID {
		flags |= attrUIDGID
	}
	if a.HasPermissions {
		flags |= attrPermissions
	}
	if a.HasACModTime {
		flags |= attrACModTime
	}
	if len(a.Extended) > 0 {
		flags |= attrExtended
	}

	b = appendUint32(b, flags)
	if a.HasSize {
		b = appendUint64(b, a.Size)
	}
	if a.HasUIDGID {
		b = appendUint32(b, a.UID)
		b = appendUint32(b, a.GID)
	}
	if a.HasPermissions {
		b = appendUint32(b, a.Permissions)
	}
	if a.HasACModTime {
		b = appendUint32(b, uint32(a.ATime.Unix()))
		b = appendUint32(b, uint32(a.MTime.Unix()))
	}
	if len(a.Extended) > 0 {
		b = appendUint32(b, uint32(len(a.Extended)))
		for _, e := range a.Extended {
			b = appendString(b, e.Name)
			b = appendString(b, e.Value)
		}
	}
	return b
}

func unmarshalAttributes(b []byte) (Attributes, []byte, error) {
	var a Attributes
	flags, b, err := takeUint32(b)
	if err != nil {
		return a, nil, err
	}
	if flags&attrSize != 0 {
		a.HasSize = true
		if a.Size, b, err = takeUint64(b); err != nil {
			return a, nil, err
		}
	}
	if flags&attrUIDGID != 0 {
		a.HasUIDGID = true
		if a.UID, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
		if a.GID, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
	}
	if flags&attrPermissions != 0 {
		a.HasPermissions = true
		if a.Permissions, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
	}
	if flags&attrACModTime != 0 {
		a.HasACModTime = true
		var atime, mtime uint32
		if atime, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
		if mtime, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
		a.ATime = time.Unix(int64(atime), 0)
		a.MTime = time.Unix(int64(mtime), 0)
	}
	if flags&attrExtended != 0 {
		var count uint32
		if count, b, err = takeUint32(b); err != nil {
			return a, nil, err
		}
		for i := uint32(0); i < count; i++ {
			var name, value string
			if name, b, err = takeString(b); err != nil {
				return a, nil, err
			}
			if value, b, err = takeString(b); err != nil {
				return a, nil, err
			}
			a.Extended = append(a.Extended, ExtendedAttr{Name: name, Value: value})
		}
	}
	return a, b, nil
}
