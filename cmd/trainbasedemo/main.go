// Command trainbasedemo drives the storage engine directly: open a
// volume, create a data file and a B+ tree index over it, insert a
// handful of records, range-scan and delete through the index, flush,
// and close. It has no SQL layer, no network surface, and no
// configuration file — everything it needs is a volume path and the
// defaults in trainbase.DefaultConfig.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/trainbase/trainbase"
	"github.com/trainbase/trainbase/btree"
	"github.com/trainbase/trainbase/catalog"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/object"
)

func main() {
	volumePath := flag.String("volume", "", "path to the volume file (default: a temp file, removed on exit)")
	flag.Parse()

	path := *volumePath
	if path == "" {
		f, err := os.CreateTemp("", "trainbasedemo-*.vol")
		if err != nil {
			log.Fatalf("create temp volume: %v", err)
		}
		f.Close()
		path = f.Name()
		defer os.Remove(path)
	}

	cfg := trainbase.DefaultConfig()
	d, err := disk.OpenFileManager(path, 1, cfg.TrainSize)
	if err != nil {
		log.Fatalf("open volume %s: %v", path, err)
	}

	engine, err := trainbase.Create(cfg, d, 1)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	log.Printf("volume %s bootstrapped, catalog file first page %v", path, engine.CatalogFile().FirstPage)

	fid, fh, err := engine.CreateDataFile()
	if err != nil {
		log.Fatalf("create data file: %v", err)
	}
	log.Printf("created data file %s", catalog.String(fid))

	idxFID, tree, err := engine.CreateIndex()
	if err != nil {
		log.Fatalf("create index: %v", err)
	}
	log.Printf("created index %s over root %v", catalog.String(idxFID), tree.Root())

	om := engine.Objects()
	dl := engine.NewDeallocList()

	names := []string{"alice", "bob", "carol", "dave", "erin"}
	for i, name := range names {
		oid, err := om.CreateObject(fh, nil, object.Header{Tag: uint16(i)}, []byte(name), dl)
		if err != nil {
			log.Fatalf("create object %q: %v", name, err)
		}
		if err := tree.InsertObject([]byte(name), oid); err != nil {
			log.Fatalf("index %q: %v", name, err)
		}
		fmt.Printf("inserted %-6s -> %v\n", name, oid)
	}

	fmt.Println("\nrange scan [bob, dave):")
	cur, err := tree.Fetch([]byte("bob"), btree.GE, []byte("dave"), btree.LT)
	if err != nil {
		log.Fatalf("fetch: %v", err)
	}
	for cur.OK() {
		_, data, err := om.ReadObject(cur.ObjectID())
		if err != nil {
			log.Fatalf("read object: %v", err)
		}
		fmt.Printf("  %s -> %s\n", cur.Key(), data)
		if err := cur.FetchNext([]byte("dave"), btree.LT); err != nil {
			log.Fatalf("fetch next: %v", err)
		}
	}

	if err := tree.DeleteObject([]byte("carol"), dl); err != nil {
		log.Fatalf("delete: %v", err)
	}
	gone, err := tree.Fetch([]byte("carol"), btree.EQ, nil, btree.EQ)
	if err != nil {
		log.Fatalf("fetch after delete: %v", err)
	}
	fmt.Printf("\ndeleted carol from the index (still findable: %v)\n", gone.OK())

	if err := engine.SyncDataFile(fh); err != nil {
		log.Fatalf("sync data file: %v", err)
	}
	if err := engine.Drain(dl); err != nil {
		log.Fatalf("drain dealloc list: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Fatalf("close engine: %v", err)
	}
	log.Println("engine closed cleanly")
}
