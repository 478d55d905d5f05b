package interop

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/pagecore/core/pager"
)

const (
	testPageSize = 1024
	testRows     = 200
)

func createSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqlite.db")
	if err := Create(path, testPageSize, testRows); err != nil {
		t.Fatalf("Create() with %s error = %v", DriverPackage(), err)
	}
	return path
}

func inspect(t *testing.T, path string) *Check {
	t.Helper()
	c, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect(%q) error = %v", path, err)
	}
	if c.Integrity != "ok" {
		t.Fatalf("integrity_check = %q", c.Integrity)
	}
	return c
}

func changeCounter(t *testing.T, path string) uint32 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return binary.BigEndian.Uint32(data[pager.OffsetFileChangeCounter:])
}

func TestDriver(t *testing.T) {
	if DriverName() == "" || DriverPackage() == "" {
		t.Fatal("no driver configured")
	}
	if got := DriverType(); got != "cgo" && got != "purego" {
		t.Errorf("DriverType() = %q", got)
	}
}

// A database SQLite wrote must read back through the pager with the
// geometry SQLite reports.
func TestPagerReadsSQLiteFile(t *testing.T) {
	path := createSQLite(t)
	want := inspect(t, path)

	p, err := pager.Open(path, pager.WithReadOnly())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()
	if err := p.SharedLock(); err != nil {
		t.Fatalf("SharedLock() error = %v", err)
	}
	if p.PageSize() != want.PageSize {
		t.Errorf("PageSize() = %d, SQLite says %d", p.PageSize(), want.PageSize)
	}
	if int(p.PageCount()) != want.PageCount {
		t.Errorf("PageCount() = %d, SQLite says %d", p.PageCount(), want.PageCount)
	}
	hdr, err := p.ReadFileHeader(pager.DatabaseHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	h, err := pager.ParseDatabaseHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Validate(); err != nil {
		t.Errorf("header of a SQLite file: %v", err)
	}
}

// A commit made by the pager must leave a file SQLite accepts, with the
// change counter advanced so that SQLite drops its cache.
func TestSQLiteReadsPagerCommit(t *testing.T) {
	path := createSQLite(t)
	before := changeCounter(t, path)

	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pg, err := p.Acquire(1, false)
	if err != nil {
		t.Fatalf("Acquire(1) error = %v", err)
	}
	if err := p.Write(pg); err != nil {
		t.Fatalf("Write(1) error = %v", err)
	}
	p.Unref(pg)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	if got := changeCounter(t, path); got != before+1 {
		t.Errorf("change counter = %d, want %d", got, before+1)
	}
	c := inspect(t, path)
	if c.Rows != testRows {
		t.Errorf("rows = %d, want %d", c.Rows, testRows)
	}
}

// SQLite must roll back a hot journal the pager left behind.
func TestSQLiteRollsBackPagerJournal(t *testing.T) {
	path := createSQLite(t)
	root := inspect(t, path).RootPage

	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()
	for _, pgno := range []pager.Pgno{pager.Pgno(root), 1} {
		pg, err := p.Acquire(pgno, false)
		if err != nil {
			t.Fatalf("Acquire(%d) error = %v", pgno, err)
		}
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", pgno, err)
		}
		if pgno != 1 {
			for i := range pg.Data {
				pg.Data[i] = 0xa5
			}
		}
		p.Unref(pg)
	}
	if err := p.CommitPhaseOne("", false); err != nil {
		t.Fatalf("CommitPhaseOne() error = %v", err)
	}

	crashed := filepath.Join(filepath.Dir(path), "crashed.db")
	for _, suffix := range []string{"", "-journal"} {
		data, err := os.ReadFile(path + suffix)
		if err != nil {
			t.Fatalf("failed to read %s: %v", path+suffix, err)
		}
		if err := os.WriteFile(crashed+suffix, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	c := inspect(t, crashed)
	if c.Rows != testRows {
		t.Errorf("rows after SQLite recovery = %d, want %d", c.Rows, testRows)
	}
	if _, err := os.Stat(crashed + "-journal"); !os.IsNotExist(err) {
		t.Errorf("SQLite left the journal in place: %v", err)
	}
}

func TestVerify(t *testing.T) {
	path := createSQLite(t)
	st, err := Verify(path)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if st.Integrity != "ok" || st.Tables != 1 || st.PageSize != testPageSize {
		t.Errorf("Verify() = %+v", st)
	}
	if want := inspect(t, path).PageCount; st.PageCount != want {
		t.Errorf("PageCount = %d, want %d", st.PageCount, want)
	}

	// Smash the table's root page behind SQLite's back.
	root := inspect(t, path).RootPage
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	page := data[(root-1)*testPageSize : root*testPageSize]
	for i := range page {
		page[i] = 0xa5
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if st, err := Verify(path); err == nil && st.Integrity == "ok" {
		t.Error("Verify() reported a damaged database as ok")
	}
}
