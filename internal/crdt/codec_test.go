package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecodeRejectsMalformedBytes(t *testing.T) {
	valid := rawUpdate(1, 1, "k", false, "v")

	truncatedValue := rawUpdate(1, 1, "k", false, "some value")
	truncatedValue = truncatedValue[:len(truncatedValue)-3]

	oversizedKey := binary.AppendUvarint(nil, 1)
	oversizedKey = binary.AppendUvarint(oversizedKey, 1)
	oversizedKey = binary.AppendUvarint(oversizedKey, 1<<30)
	oversizedKey = append(oversizedKey, 'k')

	unknownFlags := append([]byte(nil), valid...)
	unknownFlags[len(unknownFlags)-3] = 0x80 // flags byte for a 1-byte key, 1-byte value

	cases := []struct {
		name  string
		input []byte
	}{
		{name: "truncated varint", input: []byte{0xff}},
		{name: "missing clock", input: []byte{0x01}},
		{name: "missing key bytes", input: truncatedValue},
		{name: "key length exceeds buffer", input: oversizedKey},
		{name: "unknown flag bits", input: unknownFlags},
		{name: "garbage after valid entry", input: append(append([]byte(nil), valid...), 0xff)},
		{name: "random garbage", input: []byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeEntries(tc.input); !errors.Is(err, ErrCorruptUpdate) {
				t.Fatalf("decodeEntries() error = %v, want ErrCorruptUpdate", err)
			}
		})
	}
}

func TestDecodeMultipleEntries(t *testing.T) {
	update := append(rawUpdate(1, 1, "a", false, "x"), rawUpdate(2, 2, "b", true, "")...)
	entries, err := decodeEntries(update)
	if err != nil {
		t.Fatalf("decodeEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("decoded %d entries, want 2", len(entries))
	}
	if entries[0].key != "a" || entries[0].site != 1 || entries[0].deleted {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].key != "b" || !entries[1].deleted {
		t.Fatalf("entry 1 = %+v", entries[1])
	}
}

func TestTombstoneEncodesWithoutValue(t *testing.T) {
	withValue := appendEntry(nil, entry{site: 1, clock: 1, key: "k", deleted: true, value: []byte("ignored")})
	bare := rawUpdate(1, 1, "k", true, "")
	if !bytes.Equal(withValue, bare) {
		t.Fatal("tombstone encoding must not carry a value")
	}

	entries, err := decodeEntries(withValue)
	if err != nil {
		t.Fatalf("decodeEntries() error = %v", err)
	}
	if !entries[0].deleted || len(entries[0].value) != 0 {
		t.Fatalf("decoded tombstone = %+v", entries[0])
	}
}

func TestDecodeEmptyKeyAndValue(t *testing.T) {
	update := rawUpdate(3, 7, "", false, "")
	entries, err := decodeEntries(update)
	if err != nil {
		t.Fatalf("decodeEntries() error = %v", err)
	}
	if entries[0].key != "" || entries[0].site != 3 || entries[0].clock != 7 {
		t.Fatalf("decoded entry = %+v", entries[0])
	}
}
