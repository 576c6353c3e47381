package proto

import (
	"encoding/binary"
	"errors"
)

// Log entries inside a segment are laid out back to back:
// type (1B) | key (8B) | length (4B) | payload. A footer entry or the end of
// the written region terminates a scan.
type EntryType uint8

const (
	EntryObject EntryType = iota + 1
	EntryTombstone
	EntryDigest
	EntryFooter
)

const EntryHeaderSize = 1 + 8 + 4

var ErrEntryCorrupt = errors.New("segment entry corrupt")

type Entry struct {
	Type EntryType `json:"type"`
	Key  uint64    `json:"key"`
	Data []byte    `json:"data"`
}

func AppendEntry(dst []byte, e Entry) []byte {
	var hdr [EntryHeaderSize]byte
	hdr[0] = byte(e.Type)
	binary.BigEndian.PutUint64(hdr[1:], e.Key)
	binary.BigEndian.PutUint32(hdr[9:], uint32(len(e.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, e.Data...)
}

// ParseEntry decodes the entry at the head of b and returns it together with
// the number of bytes consumed. A zero type byte means the scan ran off the
// written region.
func ParseEntry(b []byte) (Entry, int, error) {
	if len(b) < EntryHeaderSize {
		return Entry{}, 0, ErrEntryCorrupt
	}
	e := Entry{
		Type: EntryType(b[0]),
		Key:  binary.BigEndian.Uint64(b[1:]),
	}
	if e.Type == 0 || e.Type > EntryFooter {
		return Entry{}, 0, ErrEntryCorrupt
	}
	length := binary.BigEndian.Uint32(b[9:])
	if uint32(len(b)-EntryHeaderSize) < length {
		return Entry{}, 0, ErrEntryCorrupt
	}
	e.Data = b[EntryHeaderSize : EntryHeaderSize+int(length)]
	return e, EntryHeaderSize + int(length), nil
}

// SegmentMetadata is what a recovering owner needs to rebuild its log digest
// before pulling the actual entries.
type SegmentMetadata struct {
	SegmentID     SegmentID `json:"segment_id"`
	WrittenLength uint32    `json:"written_length"`
	Checksum      uint32    `json:"checksum"`
}

// TabletFilter restricts a recovery read to the key ranges a recovering
// tablet actually owns. Supplied by the recovery coordinator; opaque here
// beyond membership checks.
type TabletFilter interface {
	Contains(key uint64) bool
}

type KeyRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

func (r KeyRange) Contains(key uint64) bool {
	return key >= r.Start && key <= r.End
}

type KeyRanges []KeyRange

func (rs KeyRanges) Contains(key uint64) bool {
	for _, r := range rs {
		if r.Contains(key) {
			return true
		}
	}
	return false
}
