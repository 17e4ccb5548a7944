package disk

import (
	"io"
	"sync"

	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// trainsPerExtent groups consecutive trains into extents for
// PageIdToExtNo — a fixed extent size keeps the bump allocator trivial
// while still giving AllocTrains/PageIdToExtNo real, checkable semantics.
const trainsPerExtent = 64

// readWriterAt is the minimal I/O surface base needs from a backend; both
// the directio-backed file and the in-memory memfile satisfy it.
type readWriterAt interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// base implements the bump-allocator and train I/O shared by every
// backend. Concrete backends (file.go, mem.go) embed it and supply the
// readWriterAt plus a Close.
type base struct {
	mu        sync.Mutex
	io        readWriterAt
	vol       ids.VolumeNo
	trainSize int
	nextTrain ids.PageNo
}

func newBase(io readWriterAt, vol ids.VolumeNo, trainSize int, nextTrain ids.PageNo) *base {
	if nextTrain < 1 {
		nextTrain = 1 // train 0 is the volume header
	}
	return &base{io: io, vol: vol, trainSize: trainSize, nextTrain: nextTrain}
}

func (b *base) TrainSize() int { return b.trainSize }

func (b *base) AllocTrains(vol ids.VolumeNo, _ ids.ExtentNo, _ ids.PageID, _ int, n int, _ ids.BufferType) (ids.PageID, error) {
	if n <= 0 {
		return ids.PageID{}, errs.New(errs.Invalid, "disk.AllocTrains", "n must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	first := b.nextTrain
	b.nextTrain += ids.PageNo(n)
	return ids.PageID{Vol: vol, Page: first}, nil
}

func (b *base) PageIdToExtNo(pid ids.PageID) (ids.ExtentNo, error) {
	if pid.IsNil() {
		return 0, errs.New(errs.Invalid, "disk.PageIdToExtNo", "nil page")
	}
	return ids.ExtentNo(uint32(pid.Page) / trainsPerExtent), nil
}

func (b *base) ReadTrain(id ids.TrainID, buf []byte) error {
	if len(buf) != b.trainSize {
		return errs.New(errs.Invalid, "disk.ReadTrain", "buffer size mismatch")
	}
	off := int64(id.Page) * int64(b.trainSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.io.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return errs.Wrap(errs.IO, "disk.ReadTrain", id.String(), err)
	}
	// A train past the current end of the backing store (never written
	// yet) reads as zeroes.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (b *base) WriteTrain(id ids.TrainID, buf []byte) error {
	if len(buf) != b.trainSize {
		return errs.New(errs.Invalid, "disk.WriteTrain", "buffer size mismatch")
	}
	off := int64(id.Page) * int64(b.trainSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.io.WriteAt(buf, off)
	if err != nil || n != len(buf) {
		return errs.Wrap(errs.IO, "disk.WriteTrain", id.String(), err)
	}
	return nil
}

// persistHeader writes the volume header (train 0) describing the current
// high-water mark, so a reopened volume resumes allocation correctly.
func (b *base) persistHeader() error {
	h := volumeHeader{trainSize: b.trainSize, nextTrain: b.nextTrain}
	buf := marshalHeader(h, b.trainSize)
	_, err := b.io.WriteAt(buf, 0)
	if err != nil {
		return errs.Wrap(errs.IO, "disk.persistHeader", "write volume header", err)
	}
	return nil
}
