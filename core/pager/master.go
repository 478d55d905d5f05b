package pager

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// MultiCommit commits the write transactions of several pagers atomically.
// A master journal listing every child journal is written and synced, each
// pager runs commit phase one with a journal pointing at it, and deleting
// the master is the commit point, after which phase two runs everywhere.
// A crash before that point rolls every database back on next open.
//
// masterPath may be empty, in which case a name is derived from the first
// database. Pagers without a modified cache take no part. If phase one
// fails on any pager, every pager is rolled back.
func MultiCommit(pagers []*Pager, masterPath string) error {
	var active, idle []*Pager
	var children []string
	for _, p := range pagers {
		p.mu.Lock()
		if p.errCode != nil {
			err := p.errCode
			p.mu.Unlock()
			return err
		}
		if p.state >= StateWriterCachemod {
			active = append(active, p)
			if p.usesMasterJournal() {
				children = append(children, p.journalName)
			}
		} else if p.state == StateWriterLocked {
			idle = append(idle, p)
		}
		p.mu.Unlock()
	}
	for _, p := range idle {
		// Nothing changed; end the transaction without a journal.
		if err := p.Commit(); err != nil {
			return err
		}
	}
	if len(children) < 2 {
		for _, p := range active {
			if err := p.Commit(); err != nil {
				return err
			}
		}
		return nil
	}

	fs := active[0].fs
	if masterPath == "" {
		masterPath = fmt.Sprintf("%s-mj%s", active[0].filename, uuid.New().String()[:8])
	}
	if err := writeMaster(fs, masterPath, children, active[0].syncFlags); err != nil {
		return err
	}

	for _, p := range active {
		if err := p.CommitPhaseOne(masterPath, false); err != nil {
			for _, q := range active {
				q.Rollback()
			}
			return err
		}
	}

	if err := fs.Delete(masterPath, true); err != nil {
		return err
	}
	var first error
	for _, p := range active {
		if err := p.CommitPhaseTwo(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// usesMasterJournal reports whether p's journal lives in a named file that
// a master journal can refer to.
func (p *Pager) usesMasterJournal() bool {
	if p.memDB || p.tempFile || p.wal != nil || p.journalName == "" {
		return false
	}
	return p.journalMode != JournalModeMemory && p.journalMode != JournalModeOff
}

// writeMaster creates the master journal holding each child journal name
// followed by a NUL byte.
func writeMaster(fs vfs.FileSystem, path string, children []string, flags vfs.SyncFlags) error {
	exists, err := fs.Exists(path)
	if err != nil {
		return pcerrors.NewIO(pcerrors.IOAccess, path, err)
	}
	if exists {
		return fmt.Errorf("master journal %s already exists: %w", path, pcerrors.ErrCantOpen)
	}
	f, err := fs.Open(path, vfs.OpenReadWrite|vfs.OpenCreate|vfs.OpenExclusive|vfs.OpenMasterJournal)
	if err != nil {
		return fmt.Errorf("failed to create master journal: %w", err)
	}
	var buf []byte
	for _, c := range children {
		buf = append(buf, c...)
		buf = append(buf, 0)
	}
	_, werr := f.WriteAt(buf, 0)
	if werr != nil {
		werr = pcerrors.NewIO(pcerrors.IOWrite, path, werr)
	} else if serr := f.Sync(flags); serr != nil {
		werr = pcerrors.NewIO(pcerrors.IOFsync, path, serr)
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return errors.Join(werr, fs.Delete(path, false))
	}
	return nil
}
