package disk

import (
	"github.com/dsnet/golib/memfile"

	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// MemManager is the disk.Manager backed by an in-memory file, via
// github.com/dsnet/golib/memfile — grounded on the same dependency in
// ryogrid-bltree-go-for-embedding's go.mod. SPEC_FULL.md §2.4 makes this
// the standard test backend across every trainbase package: no temp
// files, no O_DIRECT alignment constraints, instantiated fresh per test.
type MemManager struct {
	*base
	f *memfile.File
}

// NewMemManager creates a fresh, empty in-memory volume.
func NewMemManager(vol ids.VolumeNo, trainSize int) (*MemManager, error) {
	if trainSize <= 0 {
		return nil, errs.New(errs.Invalid, "disk.NewMemManager", "train size must be positive")
	}
	f := memfile.New(nil)
	b := newBase(f, vol, trainSize, 1)
	if err := b.persistHeader(); err != nil {
		return nil, err
	}
	return &MemManager{base: b, f: f}, nil
}

// OpenMemManager reconstructs a MemManager from a previously captured
// byte image, e.g. to exercise reopen semantics in tests without a disk.
func OpenMemManager(vol ids.VolumeNo, image []byte) (*MemManager, error) {
	f := memfile.New(append([]byte(nil), image...))
	hdrBuf := make([]byte, len(image))
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return nil, errs.Wrap(errs.IO, "disk.OpenMemManager", "read volume header", err)
	}
	h, err := unmarshalHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	b := newBase(f, vol, h.trainSize, h.nextTrain)
	return &MemManager{base: b, f: f}, nil
}

// Bytes snapshots the current in-memory volume image, e.g. to feed into
// OpenMemManager in a later test step.
func (m *MemManager) Bytes() []byte {
	return append([]byte(nil), m.f.Bytes()...)
}

// Close persists the allocator high-water mark; there is no file
// descriptor to release.
func (m *MemManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistHeader()
}
