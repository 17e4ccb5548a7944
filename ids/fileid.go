package ids

// FileID identifies the logical file a slotted page belongs to. It is
// stored in every page header as raw bytes (the catalog keys its
// entries by the same value wrapped as a uuid.UUID) so slottedpage,
// object, and btree never need to import the uuid package themselves.
type FileID [16]byte

// NilFileID is the all-zero sentinel used by pages that do not (yet)
// belong to a file, e.g. a freshly allocated but uninitialized train.
var NilFileID FileID

func (f FileID) IsNil() bool { return f == NilFileID }
