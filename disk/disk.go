// Package disk implements the raw-disk manager collaborator that spec.md
// §1 and §6 place out of scope for the core: the allocator that hands out
// extents and train ranges, and the blocking read/write primitive at
// train granularity. trainbase's buffer, object, and btree packages only
// ever see this through the Manager interface — never a concrete backend
// — so tests can swap in an in-memory volume.
package disk

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// Manager is the raw-disk collaborator interface from spec.md §6.
type Manager interface {
	// AllocTrains reserves n consecutive trains of the given size near the
	// hint page (near may be the nil page) and returns the first one.
	AllocTrains(vol ids.VolumeNo, extent ids.ExtentNo, near ids.PageID, fillFactor, n int, size ids.BufferType) (ids.PageID, error)
	// PageIdToExtNo reports which extent a page belongs to.
	PageIdToExtNo(pid ids.PageID) (ids.ExtentNo, error)
	// ReadTrain reads exactly len(buf) bytes for id into buf.
	ReadTrain(id ids.TrainID, buf []byte) error
	// WriteTrain writes exactly len(buf) bytes for id from buf.
	WriteTrain(id ids.TrainID, buf []byte) error
	// TrainSize returns the configured train size for this volume.
	TrainSize() int
	// Close releases any underlying resources.
	Close() error
}

// ───────────────────────────────────────────────────────────────────────────
// Volume header — train 0, bootstrap record for the bump allocator.
// ───────────────────────────────────────────────────────────────────────────
//
// This is deliberately NOT the spec's catalog or superblock (those stay
// out of the core, see catalog package); it is the minimal bit the
// out-of-scope raw-disk allocator itself needs to persist: how big a
// train is and how many have been handed out so far. Shape grounded on
// the teacher's superblock.go (magic + version + CRC + power-of-two size
// check), scoped down to exactly this.

const (
	headerMagic         = "TRNBASE\x00"
	headerFormatVersion = uint32(1)

	hdrMagicOff     = 0
	hdrVersionOff   = 8
	hdrTrainSizeOff = 12
	hdrNextTrainOff = 16
	hdrCRCOff       = 20
	headerSize      = 32
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type volumeHeader struct {
	trainSize int
	nextTrain ids.PageNo
}

func marshalHeader(h volumeHeader, trainSize int) []byte {
	buf := make([]byte, trainSize)
	copy(buf[hdrMagicOff:], headerMagic)
	binary.LittleEndian.PutUint32(buf[hdrVersionOff:], headerFormatVersion)
	binary.LittleEndian.PutUint32(buf[hdrTrainSizeOff:], uint32(h.trainSize))
	binary.LittleEndian.PutUint32(buf[hdrNextTrainOff:], uint32(h.nextTrain))
	setHeaderCRC(buf)
	return buf
}

func setHeaderCRC(buf []byte) {
	c := crc32.New(crcTable)
	c.Write(buf[:hdrCRCOff])
	c.Write(buf[hdrCRCOff+4:])
	binary.LittleEndian.PutUint32(buf[hdrCRCOff:], c.Sum32())
}

func unmarshalHeader(buf []byte) (volumeHeader, error) {
	if len(buf) < headerSize {
		return volumeHeader{}, errs.New(errs.IO, "disk.unmarshalHeader", "volume header short read")
	}
	c := crc32.New(crcTable)
	c.Write(buf[:hdrCRCOff])
	c.Write(buf[hdrCRCOff+4:])
	want := binary.LittleEndian.Uint32(buf[hdrCRCOff:])
	if c.Sum32() != want {
		return volumeHeader{}, errs.New(errs.IO, "disk.unmarshalHeader", "volume header CRC mismatch")
	}
	if string(buf[hdrMagicOff:hdrMagicOff+8]) != headerMagic {
		return volumeHeader{}, errs.New(errs.IO, "disk.unmarshalHeader", "bad volume magic")
	}
	return volumeHeader{
		trainSize: int(binary.LittleEndian.Uint32(buf[hdrTrainSizeOff:])),
		nextTrain: ids.PageNo(binary.LittleEndian.Uint32(buf[hdrNextTrainOff:])),
	}, nil
}
