package pager

import (
	"strings"
	"testing"

	"github.com/FocuswithJustin/pagecore/core/vfs"
)

const testMaster = "/t.db-mjtest"

// openPair opens /a.db and /b.db on fs, commits page 1 of each holding
// 0x11, then overwrites it with 0x22 in a new transaction.
func openPair(t *testing.T, fs *vfs.MemFS) (*Pager, *Pager) {
	t.Helper()
	a := openNamed(t, fs, "/a.db")
	b := openNamed(t, fs, "/b.db")
	for _, p := range []*Pager{a, b} {
		seed(t, p, 1, 0x11)
		setPage(t, p, 1, 0x22)
	}
	return a, b
}

func checkPair(t *testing.T, fs *vfs.MemFS, want byte) {
	t.Helper()
	for _, name := range []string{"/a.db", "/b.db"} {
		p := openNamed(t, fs, name)
		checkPage(t, p, 1, want)
		if exists, _ := fs.Exists(name + "-journal"); exists {
			t.Errorf("%s journal left behind", name)
		}
	}
}

func TestMultiCommit(t *testing.T) {
	fs := newTestFS()
	a, b := openPair(t, fs)

	var journals []string
	fs.SetHook(func(op vfs.Op, name string, off int64, n int) error {
		if op == vfs.OpWrite && name == testMaster && off == 0 {
			raw, _ := fs.ReadFile(testMaster)
			journals = append(journals, string(raw))
		}
		return nil
	})
	if err := MultiCommit([]*Pager{a, b}, testMaster); err != nil {
		t.Fatalf("MultiCommit() error = %v", err)
	}
	fs.SetHook(nil)

	if exists, _ := fs.Exists(testMaster); exists {
		t.Error("master journal not deleted")
	}
	if len(journals) != 1 {
		t.Fatalf("master journal written %d times, want 1", len(journals))
	}
	a.Close()
	b.Close()
	checkPair(t, fs, 0x22)
}

func TestMultiCommitMasterContents(t *testing.T) {
	fs := newTestFS()
	a, b := openPair(t, fs)

	var master []byte
	fs.SetHook(func(op vfs.Op, name string, off int64, n int) error {
		if op == vfs.OpDelete && name == testMaster {
			master, _ = fs.ReadFile(testMaster)
		}
		return nil
	})
	if err := MultiCommit([]*Pager{a, b}, testMaster); err != nil {
		t.Fatal(err)
	}
	fs.SetHook(nil)

	want := "/a.db-journal\x00/b.db-journal\x00"
	if string(master) != want {
		t.Errorf("master journal = %q, want %q", master, want)
	}
}

func TestMultiCommitCrashBeforeMasterDeleted(t *testing.T) {
	fs := newTestFS()
	a, b := openPair(t, fs)

	var crashed *vfs.MemFS
	fs.SetHook(func(op vfs.Op, name string, off int64, n int) error {
		if op == vfs.OpDelete && name == testMaster && crashed == nil {
			crashed = fs.Snapshot()
		}
		return nil
	})
	if err := MultiCommit([]*Pager{a, b}, testMaster); err != nil {
		t.Fatal(err)
	}
	fs.SetHook(nil)
	if crashed == nil {
		t.Fatal("master journal was never deleted")
	}

	// Both databases were written, but the commit point was not reached.
	checkPair(t, crashed, 0x11)
	if exists, _ := crashed.Exists(testMaster); exists {
		t.Error("master journal not removed once every child was rolled back")
	}
}

func TestMultiCommitCrashAfterMasterDeleted(t *testing.T) {
	fs := newTestFS()
	a, b := openPair(t, fs)

	var crashed *vfs.MemFS
	fs.SetHook(func(op vfs.Op, name string, off int64, n int) error {
		if op == vfs.OpDelete && name == "/a.db-journal" && crashed == nil {
			crashed = fs.Snapshot()
		}
		return nil
	})
	if err := MultiCommit([]*Pager{a, b}, testMaster); err != nil {
		t.Fatal(err)
	}
	fs.SetHook(nil)
	if crashed == nil {
		t.Fatal("journal was never deleted")
	}
	if exists, _ := crashed.Exists("/b.db-journal"); !exists {
		t.Fatal("b's journal should still exist at the crash point")
	}

	// The journals still look hot, but their master is gone: committed.
	checkPair(t, crashed, 0x22)
}

func TestMultiCommitSingleParticipant(t *testing.T) {
	fs := newTestFS()
	a := openNamed(t, fs, "/a.db")
	b := openNamed(t, fs, "/b.db")
	seed(t, a, 1, 0x11)
	seed(t, b, 1, 0x11)
	setPage(t, a, 1, 0x22)
	if err := b.Begin(false, false); err != nil {
		t.Fatal(err)
	}

	if err := MultiCommit([]*Pager{a, b}, ""); err != nil {
		t.Fatal(err)
	}
	for _, name := range fs.Names() {
		if strings.Contains(name, "-mj") {
			t.Errorf("master journal %s created for a single participant", name)
		}
	}
	if b.State() != StateReader {
		t.Errorf("idle pager state = %v, want READER", b.State())
	}
	a.Close()
	b.Close()
	checkPage(t, openNamed(t, fs, "/a.db"), 1, 0x22)
}

func TestMultiCommitDefaultMasterName(t *testing.T) {
	fs := newTestFS()
	a, b := openPair(t, fs)

	var created string
	fs.SetHook(func(op vfs.Op, name string, off int64, n int) error {
		if op == vfs.OpWrite && strings.HasPrefix(name, "/a.db-mj") {
			created = name
		}
		return nil
	})
	if err := MultiCommit([]*Pager{a, b}, ""); err != nil {
		t.Fatal(err)
	}
	fs.SetHook(nil)
	if len(created) != len("/a.db-mj")+8 {
		t.Errorf("master journal name = %q", created)
	}
}
