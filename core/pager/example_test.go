package pager_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// Example demonstrates basic usage of the pager.
func Example() {
	// Create a temporary database file
	tmpDir, err := os.MkdirTemp("", "pager-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	p, err := pager.Open(filepath.Join(tmpDir, "example.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	// Get the first page and mark it for writing
	page, err := p.Acquire(1, false)
	if err != nil {
		log.Fatal(err)
	}
	if err := p.Write(page); err != nil {
		log.Fatal(err)
	}

	// Write some data to the page (after the database header)
	copy(page.Data[pager.DatabaseHeaderSize:], "Hello, Pager!")
	p.Unref(page)

	if err := p.Commit(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("pages:", p.PageCount())
	// Output: pages: 1
}

// Example_rollback shows that a rolled back transaction leaves the page
// as it was committed.
func Example_rollback() {
	fs := vfs.NewMemFS()
	p, err := pager.Open("/example.db", pager.WithFS(fs), pager.WithPageSize(1024))
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	put := func(s string) {
		page, err := p.Acquire(1, false)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Unref(page)
		if err := p.Write(page); err != nil {
			log.Fatal(err)
		}
		copy(page.Data[pager.DatabaseHeaderSize:], s)
	}

	put("committed")
	if err := p.Commit(); err != nil {
		log.Fatal(err)
	}
	put("discarded")
	if err := p.Rollback(); err != nil {
		log.Fatal(err)
	}

	page, err := p.Acquire(1, false)
	if err != nil {
		log.Fatal(err)
	}
	defer p.Unref(page)
	fmt.Println(string(page.Data[pager.DatabaseHeaderSize : pager.DatabaseHeaderSize+9]))
	// Output: committed
}

// Example_savepoint demonstrates rolling back part of a transaction.
func Example_savepoint() {
	p, err := pager.Open(pager.MemoryName, pager.WithPageSize(1024))
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	write := func(pgno pager.Pgno, b byte) {
		page, err := p.Acquire(pgno, false)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Unref(page)
		if err := p.Write(page); err != nil {
			log.Fatal(err)
		}
		page.Data[pager.DatabaseHeaderSize] = b
	}

	write(1, 'a')
	if err := p.OpenSavepoint(1); err != nil {
		log.Fatal(err)
	}
	write(2, 'b')
	write(3, 'c')
	fmt.Println("before:", p.PageCount())

	if err := p.Savepoint(pager.SavepointRollback, 0); err != nil {
		log.Fatal(err)
	}
	fmt.Println("after:", p.PageCount())
	if err := p.Commit(); err != nil {
		log.Fatal(err)
	}
	// Output:
	// before: 3
	// after: 1
}
