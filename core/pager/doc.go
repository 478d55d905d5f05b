/*
Package pager implements the transaction and recovery engine of a
SQLite-compatible page store.

The pager sits between a page consumer (a B-tree, a backup, a tool) and the
vfs layer. It hands out fixed-size pages from a pcache.PageCache, journals
the original content of every page before it is first modified, and makes
commits atomic across crashes and power failures.

# Pager States

	OPEN -> READER -> WRITER_LOCKED -> WRITER_CACHEMOD ->
	WRITER_DBMOD -> WRITER_FINISHED -> READER

An I/O or disk-full failure that leaves the cache out of step with the file
moves the pager to ERROR. Every call then returns the original error until
the last page reference is dropped, at which point the pager unlocks,
discards the cache and returns to OPEN. The next read finds the journal hot
and rolls the database back.

# Rollback Journal

The journal is a sequence of segments. Each segment starts with a header,
padded to the sector size, and holds records of the page number, the
original page content and a checksum:

	header:  magic(8) nRec(4) seed(4) origPages(4) sectorSize(4) pageSize(4)
	record:  pgno(4) data(pageSize) checksum(4)

A journal may end with a master journal record naming the master journal of
a multi-database commit. A journal is hot when it exists, does not start
with a zero byte, and no connection holds RESERVED on the database. A hot
journal whose master journal is gone belongs to a committed transaction
and is finalized without replaying it.

# Journal Modes

DELETE, PERSIST, TRUNCATE, MEMORY and OFF keep a rollback journal in
different ways between transactions. WAL commits by appending frames to a
write-ahead log instead; see package wal.

# Savepoints

Savepoints nest inside a write transaction. Pages journaled in the main
journal before a savepoint is opened are written to a sub-journal when they
are modified again, so that any savepoint can be rolled back on its own.

# Usage

	p, err := pager.Open("app.db")
	if err != nil {
		return err
	}
	defer p.Close()

	pg, err := p.Acquire(1, false)
	if err != nil {
		return err
	}
	defer p.Unref(pg)

	if err := p.Write(pg); err != nil {
		return err
	}
	copy(pg.Data[100:], "hello")

	return p.Commit()

Public methods are safe for use from several goroutines; each takes the
pager's mutex. Page contents are not guarded: a page must be modified only
after Write returns and only by the goroutine that owns the transaction.
*/
package pager
