// Package interop opens database files with a real SQLite library so that
// files written by the pager can be checked against it.
//
// Build modes:
//   - Default (CGO_ENABLED=0): Uses pure Go modernc.org/sqlite
//   - CGO mode (CGO_ENABLED=1 -tags cgo_sqlite): Uses mattn/go-sqlite3
package interop

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
)

// DriverName returns the SQL driver name to use.
func DriverName() string {
	return driverName
}

// DriverType returns "cgo" for mattn/go-sqlite3, "purego" for modernc.org/sqlite.
func DriverType() string {
	return driverType
}

// DriverPackage returns the import path of the driver in use.
func DriverPackage() string {
	return driverPackage
}

// Open opens path with SQLite on a single connection, so that pragmas
// apply to every statement.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Create makes a new rollback-journal database at path with the given page
// size and one table "t" of n rows.
func Create(path string, pageSize, n int) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	stmts := []string{
		fmt.Sprintf("PRAGMA page_size = %d", pageSize),
		"PRAGMA journal_mode = DELETE",
		"CREATE TABLE t (id INTEGER PRIMARY KEY, body TEXT NOT NULL)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		if _, err := tx.Exec("INSERT INTO t (id, body) VALUES (?, ?)", i, fmt.Sprintf("row %04d", i)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Check is what SQLite reports about the database at path.
type Check struct {
	Integrity string
	Rows      int
	PageSize  int
	PageCount int
	RootPage  int
}

// Inspect runs an integrity check and counts the rows of table "t".
func Inspect(path string) (*Check, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	c := &Check{}
	queries := []struct {
		q   string
		dst any
	}{
		{"PRAGMA integrity_check", &c.Integrity},
		{"SELECT count(*) FROM t", &c.Rows},
		{"PRAGMA page_size", &c.PageSize},
		{"PRAGMA page_count", &c.PageCount},
		{"SELECT rootpage FROM sqlite_master WHERE name = 't'", &c.RootPage},
	}
	for _, q := range queries {
		if err := db.QueryRow(q.q).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("%s: %w", q.q, err)
		}
	}
	return c, nil
}

// Status is what SQLite reports about any database, whatever its schema.
type Status struct {
	Integrity string
	Tables    int
	PageSize  int
	PageCount int
}

// Verify runs SQLite's integrity check on path. The file is opened
// read-only, so a hot journal makes it fail instead of rolling back.
func Verify(path string) (*Status, error) {
	db, err := Open("file:" + filepath.ToSlash(path) + "?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity_check: %w", err)
	}
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return nil, err
		}
		problems = append(problems, line)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integrity_check: %w", err)
	}

	st := &Status{Integrity: strings.Join(problems, "; ")}
	queries := []struct {
		q   string
		dst any
	}{
		{"SELECT count(*) FROM sqlite_master WHERE type = 'table'", &st.Tables},
		{"PRAGMA page_size", &st.PageSize},
		{"PRAGMA page_count", &st.PageCount},
	}
	for _, q := range queries {
		if err := db.QueryRow(q.q).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("%s: %w", q.q, err)
		}
	}
	return st, nil
}
