// Package trainbase wires the buffer, object, btree, catalog, and disk
// packages into one runnable engine. It mirrors the teacher's Pager
// struct (internal/storage/pager/pager.go), which bundles the file
// handle, buffer pool, free-list, and superblock behind one facade —
// Engine is the same shape minus the write-ahead log, since transactions
// and recovery are out of scope here.
package trainbase

import (
	"github.com/trainbase/trainbase/btree"
	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/catalog"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/object"
)

// Config gathers every tunable named across the component specs into one
// plain literal struct, the same shape as the teacher's PagerConfig/
// BufferPoolConfig literals — there is no environment-variable or
// file-based loader here, since the process-level configuration registry
// is itself an external collaborator.
type Config struct {
	// TrainSize is the fixed size, in bytes, of every disk train and
	// every buffer frame.
	TrainSize int
	// PageBufs is the frame count of the page-granularity buffer pool
	// object and btree pin through.
	PageBufs int
	// TrainBufs is the frame count of the train-granularity buffer pool
	// reserved for raw extent traffic outside the page layer.
	TrainBufs int
	// LargeObjectThreshold is the aligned byte length above which
	// object.CreateObject rejects a record outright.
	LargeObjectThreshold int
	// DeallocPoolSize bounds how many pages may be queued for release
	// in one Engine-owned dealloc.List before it must be drained.
	DeallocPoolSize int
}

// DefaultConfig returns a Config sized for the demonstration binary: a
// 4096-byte train, modest buffer pools, and a
// large-object threshold comfortably below one train's capacity.
func DefaultConfig() Config {
	return Config{
		TrainSize:            4096,
		PageBufs:             64,
		TrainBufs:            16,
		LargeObjectThreshold: 2048,
		DeallocPoolSize:      256,
	}
}

// Engine owns one volume's raw-disk manager, its two buffer pools, the
// Object Manager built over the page pool, the file/index catalog, and a
// shared dealloc pool — spec.md §3's "two buffer types" realized as one
// disk.Manager shared by a page-granularity pool (object, btree) and a
// train-granularity pool reserved for raw extent access.
type Engine struct {
	cfg Config
	vol ids.VolumeNo

	disk      disk.Manager
	pageBufs  *buffer.Manager
	trainBufs *buffer.Manager
	om        *object.Manager
	cat       *catalog.Store
	dlPool    *dealloc.Pool
}

// Create opens a brand-new, empty volume over d and bootstraps its
// catalog. d must not already hold a volume — Bootstrap relies on being
// the very first allocation, so the catalog's own file lands on the
// volume's first train.
func Create(cfg Config, d disk.Manager, vol ids.VolumeNo) (*Engine, error) {
	e, err := newEngine(cfg, d, vol)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Bootstrap(e.om, vol)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "trainbase.Create", "bootstrap catalog", err)
	}
	e.cat = cat
	return e, nil
}

// Open reopens a volume previously created with Create, given the
// catalog's own file handle as returned by CatalogFile. Close and Flush
// do not persist that handle; keeping it is the caller's job.
func Open(cfg Config, d disk.Manager, vol ids.VolumeNo, catalogFile *object.FileHandle) (*Engine, error) {
	e, err := newEngine(cfg, d, vol)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(e.om, vol, catalogFile)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "trainbase.Open", "open catalog", err)
	}
	e.cat = cat
	return e, nil
}

func newEngine(cfg Config, d disk.Manager, vol ids.VolumeNo) (*Engine, error) {
	pageBufs, err := buffer.NewManager(d, ids.TypePage, cfg.PageBufs)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "trainbase.newEngine", "create page buffer pool", err)
	}
	trainBufs, err := buffer.NewManager(d, ids.TypeTrain, cfg.TrainBufs)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "trainbase.newEngine", "create train buffer pool", err)
	}
	return &Engine{
		cfg:       cfg,
		vol:       vol,
		disk:      d,
		pageBufs:  pageBufs,
		trainBufs: trainBufs,
		om:        object.NewManager(pageBufs, d, cfg.LargeObjectThreshold),
		dlPool:    dealloc.NewPool(cfg.DeallocPoolSize),
	}, nil
}

// NewDeallocList returns a fresh dealloc list backed by the engine's
// shared pool, ready to be threaded through a batch of object/btree
// calls that free pages.
func (e *Engine) NewDeallocList() *dealloc.List { return dealloc.NewList(e.dlPool) }

// Drain pops every page queued on dl and returns its elements to the
// engine's dealloc pool. No train is handed back to the raw-disk
// manager. This is the caller-side half of spec.md §5's dealloc-pool
// ownership: the core never drains its own dealloc lists.
func (e *Engine) Drain(dl *dealloc.List) error {
	return dl.Drain(func(elem dealloc.Elem) error {
		// The raw-disk manager in this module is a bump allocator with
		// no free-train reuse (disk.base never shrinks nextTrain), so
		// draining here only needs to exist as a hook for a future
		// backend that does reclaim trains; today it is a no-op walk.
		_ = elem
		return nil
	})
}

// CatalogFile returns the catalog's own file handle, to be persisted by
// the caller (e.g. alongside the volume header) for a later Open.
func (e *Engine) CatalogFile() *object.FileHandle { return e.cat.FileHandle() }

// CreateDataFile registers and returns a brand-new data file.
func (e *Engine) CreateDataFile() (ids.FileID, *object.FileHandle, error) {
	return e.cat.CreateDataFile()
}

// OpenDataFile returns the live handle for a previously created data
// file.
func (e *Engine) OpenDataFile(fid ids.FileID) (*object.FileHandle, error) {
	return e.cat.DataFile(fid)
}

// Objects exposes the Object Manager every data-file operation runs
// through.
func (e *Engine) Objects() *object.Manager { return e.om }

// SyncDataFile persists fh's current snapshot into the catalog.
func (e *Engine) SyncDataFile(fh *object.FileHandle) error { return e.cat.SyncDataFile(fh) }

// DropDataFile queues fid's pages on dl and removes it from the catalog.
func (e *Engine) DropDataFile(fid ids.FileID, dl *dealloc.List) error {
	return e.cat.DropDataFile(fid, dl)
}

// CreateIndex allocates a new B+ tree, registers its footprint in the
// catalog, and returns both the tree and the FID it was registered
// under.
func (e *Engine) CreateIndex() (ids.FileID, *btree.Tree, error) {
	fid := catalog.NewFileID()
	tr, err := btree.CreateIndex(e.pageBufs, e.disk, e.vol, fid)
	if err != nil {
		return ids.FileID{}, nil, errs.Wrap(errs.IO, "trainbase.CreateIndex", "allocate index", err)
	}
	root := tr.Root()
	if err := e.cat.RegisterIndexFile(fid, root.Page, root.Page); err != nil {
		return ids.FileID{}, nil, err
	}
	return fid, tr, nil
}

// OpenIndex reopens a previously created B+ tree by its FID.
func (e *Engine) OpenIndex(fid ids.FileID) (*btree.Tree, error) {
	entry, err := e.cat.IndexFile(fid)
	if err != nil {
		return nil, err
	}
	return btree.OpenIndex(e.pageBufs, e.disk, e.vol, entry.RootPage), nil
}

// DropIndex removes fid's catalog entry; the caller is responsible for
// freeing the tree's own pages first via (*btree.Tree).DropIndex.
func (e *Engine) DropIndex(fid ids.FileID) error { return e.cat.DropIndexFile(fid) }

// Flush writes every dirty frame in both buffer pools back to disk and
// persists the catalog's current view of every live data file — the
// engine's one explicit durability point, per spec.md's "no crash
// durability beyond explicit flushes."
func (e *Engine) Flush() error {
	if err := e.cat.SyncAll(); err != nil {
		return err
	}
	if err := e.pageBufs.FlushAll(); err != nil {
		return err
	}
	return e.trainBufs.FlushAll()
}

// Close flushes the engine and releases the underlying disk manager.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}
	return e.disk.Close()
}
