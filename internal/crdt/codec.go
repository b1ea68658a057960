package crdt

import (
	"encoding/binary"
	"errors"
)

// ErrCorruptUpdate marks bytes that do not decode as a well-formed update.
// Stored updates that fail this way must never be truncated away; the
// replica is quarantined instead.
var ErrCorruptUpdate = errors.New("corrupt update")

const flagDeleted byte = 1 << 0

// entry is the wire form of a single element write:
// uvarint site, uvarint clock, uvarint key length, key bytes,
// one flags byte, uvarint value length, value bytes.
type entry struct {
	site    uint64
	clock   uint64
	key     string
	deleted bool
	value   []byte
}

func appendEntry(buf []byte, e entry) []byte {
	buf = binary.AppendUvarint(buf, e.site)
	buf = binary.AppendUvarint(buf, e.clock)
	buf = binary.AppendUvarint(buf, uint64(len(e.key)))
	buf = append(buf, e.key...)
	var flags byte
	if e.deleted {
		flags |= flagDeleted
	}
	buf = append(buf, flags)
	if e.deleted {
		buf = binary.AppendUvarint(buf, 0)
		return buf
	}
	buf = binary.AppendUvarint(buf, uint64(len(e.value)))
	buf = append(buf, e.value...)
	return buf
}

func decodeEntries(update []byte) ([]entry, error) {
	entries := make([]entry, 0, 4)
	rest := update
	for len(rest) > 0 {
		e, n, err := decodeEntry(rest)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		rest = rest[n:]
	}
	return entries, nil
}

func decodeEntry(b []byte) (entry, int, error) {
	var e entry
	off := 0

	site, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return entry{}, 0, ErrCorruptUpdate
	}
	off += n
	e.site = site

	clock, n := binary.Uvarint(b[off:])
	if n <= 0 {
		return entry{}, 0, ErrCorruptUpdate
	}
	off += n
	e.clock = clock

	keyLen, n := binary.Uvarint(b[off:])
	if n <= 0 || keyLen > uint64(len(b)-off-n) {
		return entry{}, 0, ErrCorruptUpdate
	}
	off += n
	e.key = string(b[off : off+int(keyLen)])
	off += int(keyLen)

	if off >= len(b) {
		return entry{}, 0, ErrCorruptUpdate
	}
	flags := b[off]
	off++
	if flags&^flagDeleted != 0 {
		return entry{}, 0, ErrCorruptUpdate
	}
	e.deleted = flags&flagDeleted != 0

	valueLen, n := binary.Uvarint(b[off:])
	if n <= 0 || valueLen > uint64(len(b)-off-n) {
		return entry{}, 0, ErrCorruptUpdate
	}
	off += n
	if valueLen > 0 && !e.deleted {
		e.value = append([]byte(nil), b[off:off+int(valueLen)]...)
	}
	off += int(valueLen)

	return e, off, nil
}
