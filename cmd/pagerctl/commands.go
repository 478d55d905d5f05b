package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/zeebo/blake3"

	pcerrors "github.com/FocuswithJustin/pagecore/core/errors"
	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/core/vfs"
	"github.com/FocuswithJustin/pagecore/internal/config"
	"github.com/FocuswithJustin/pagecore/internal/interop"
	"github.com/FocuswithJustin/pagecore/internal/metrics"
)

// openPager opens path with the configured options.
func openPager(cfg *config.Config, log *slog.Logger, path string, extra ...pager.Option) (*pager.Pager, error) {
	opts, err := cfg.PagerOptions(nil, log, extra...)
	if err != nil {
		return nil, err
	}
	return pager.Open(path, opts...)
}

// eachPage calls fn for every page of p except the locking page.
func eachPage(p *pager.Pager, fn func(pgno pager.Pgno, data []byte) error) error {
	if err := p.SharedLock(); err != nil {
		return err
	}
	n := p.PageCount()
	locking := pager.Pgno(vfs.PendingByte/p.PageSize()) + 1
	for pgno := pager.Pgno(1); pgno <= n; pgno++ {
		if pgno == locking {
			continue
		}
		pg, err := p.Acquire(pgno, false)
		if err != nil {
			return fmt.Errorf("page %d: %w", pgno, err)
		}
		err = fn(pgno, pg.Data)
		p.Unref(pg)
		if err != nil {
			return err
		}
	}
	return nil
}

// InfoCmd shows the header fields and the state of the companion files,
// reading the files directly so that a hot journal is left in place.
type InfoCmd struct {
	DB     string `arg:"" help:"Database file" type:"existingfile"`
	SQLite bool   `help:"Also run SQLite's integrity check on the file" name:"sqlite"`
}

func (c *InfoCmd) Run(ctx *kong.Context) error {
	fs := vfs.Default()
	f, err := fs.Open(c.DB, vfs.OpenMainDB|vfs.OpenReadOnly)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return err
	}
	hdr := make([]byte, pager.DatabaseHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read header: %w", err)
	}
	h, err := pager.ParseDatabaseHeader(hdr)
	if err != nil {
		return err
	}

	w := ctx.Stdout
	fmt.Fprintf(w, "Database: %s\n", c.DB)
	fmt.Fprintf(w, "  File size: %d bytes\n", size)
	fmt.Fprintf(w, "  SQLite header: %v\n", h.Validate() == nil)
	if h.PageSize != 0 {
		fmt.Fprintf(w, "  Page size: %d\n", h.PageSize)
		fmt.Fprintf(w, "  Pages: %d\n", (size+int64(h.PageSize)-1)/int64(h.PageSize))
	} else {
		fmt.Fprintf(w, "  Page size: unknown\n")
	}
	fmt.Fprintf(w, "  Reserved bytes: %d\n", h.ReservedSpace)
	fmt.Fprintf(w, "  Change counter: %d\n", h.FileChangeCounter)
	fmt.Fprintf(w, "  Header page count: %d\n", h.DatabaseSize)

	reserved, err := f.CheckReservedLock()
	if err != nil {
		return err
	}
	jsize, first, err := companion(fs, c.DB+"-journal")
	if err != nil {
		return err
	}
	hot := jsize > 0 && first != 0 && !reserved
	if jsize < 0 {
		fmt.Fprintf(w, "  Journal: none\n")
	} else {
		fmt.Fprintf(w, "  Journal: %d bytes, hot=%v\n", jsize, hot)
	}
	wsize, _, err := companion(fs, c.DB+"-wal")
	if err != nil {
		return err
	}
	if wsize < 0 {
		fmt.Fprintf(w, "  WAL: none\n")
	} else {
		fmt.Fprintf(w, "  WAL: %d bytes\n", wsize)
	}

	if !c.SQLite {
		return nil
	}
	if hot {
		fmt.Fprintf(w, "  SQLite check: skipped (hot journal)\n")
		return nil
	}
	st, err := interop.Verify(c.DB)
	if err != nil {
		return fmt.Errorf("sqlite check: %w", err)
	}
	fmt.Fprintf(w, "  SQLite check (%s): integrity=%s tables=%d pages=%d\n",
		interop.DriverPackage(), st.Integrity, st.Tables, st.PageCount)
	return nil
}

// companion returns the size and first byte of name, or a size of -1 if
// it does not exist.
func companion(fs vfs.FileSystem, name string) (int64, byte, error) {
	exists, err := fs.Exists(name)
	if err != nil || !exists {
		return -1, 0, err
	}
	f, err := fs.Open(name, vfs.OpenReadOnly|vfs.OpenMainJournal)
	if err != nil {
		return -1, 0, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return -1, 0, err
	}
	var b [1]byte
	if size > 0 {
		if _, err := f.ReadAt(b[:], 0); err != nil && !errors.Is(err, io.EOF) {
			return -1, 0, err
		}
	}
	return size, b[0], nil
}

// JournalCmd dumps the headers and records of a rollback journal.
type JournalCmd struct {
	DB      string `arg:"" help:"Database file whose journal to dump"`
	Records bool   `help:"List every record" short:"r"`
}

func (c *JournalCmd) Run(ctx *kong.Context) error {
	name := c.DB + "-journal"
	f, err := vfs.Default().Open(name, vfs.OpenReadOnly|vfs.OpenMainJournal)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	info, err := pager.InspectJournal(f)
	w := ctx.Stdout
	if info != nil {
		fmt.Fprintf(w, "Journal: %s (%d bytes)\n", name, info.Size)
		if info.Master != "" {
			fmt.Fprintf(w, "  Master journal: %s\n", info.Master)
		}
		for _, seg := range info.Segments {
			bad := 0
			for _, r := range seg.Records {
				if !r.Valid {
					bad++
				}
			}
			fmt.Fprintf(w, "  %s records=%d bad=%d\n", seg, len(seg.Records), bad)
			if !c.Records {
				continue
			}
			for _, r := range seg.Records {
				status := "ok"
				if !r.Valid {
					status = "BAD CHECKSUM"
				}
				fmt.Fprintf(w, "    @%d page %d cksum=%#08x %s\n", r.Offset, r.Pgno, r.Checksum, status)
			}
		}
	}
	return err
}

// RecoverCmd opens the database, which rolls back a hot journal.
type RecoverCmd struct {
	DB string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *RecoverCmd) Run(ctx *kong.Context, cfg *config.Config, log *slog.Logger) error {
	journal := c.DB + "-journal"
	before, err := vfs.Default().Exists(journal)
	if err != nil {
		return err
	}
	p, err := openPager(cfg, log, c.DB)
	if err != nil {
		return err
	}
	if err := p.SharedLock(); err != nil {
		p.Close()
		return fmt.Errorf("recovery failed: %w", err)
	}
	pages := p.PageCount()
	if err := p.Close(); err != nil {
		return err
	}
	after, err := vfs.Default().Exists(journal)
	if err != nil {
		return err
	}

	w := ctx.Stdout
	switch {
	case before && !after:
		fmt.Fprintf(w, "Recovered %s: journal rolled back, %d pages\n", c.DB, pages)
	case before:
		fmt.Fprintf(w, "%s: journal kept (not hot), %d pages\n", c.DB, pages)
	default:
		fmt.Fprintf(w, "%s: nothing to recover, %d pages\n", c.DB, pages)
	}
	return nil
}

// DigestCmd hashes the database image as the pager sees it.
type DigestCmd struct {
	DB    string `arg:"" help:"Database file" type:"existingfile"`
	Pages bool   `help:"Print the digest of every page"`
}

func (c *DigestCmd) Run(ctx *kong.Context, cfg *config.Config, log *slog.Logger) error {
	p, err := openPager(cfg, log, c.DB, pager.WithReadOnly())
	if err != nil {
		return err
	}
	defer p.Close()

	h := blake3.New()
	w := ctx.Stdout
	n := 0
	err = eachPage(p, func(pgno pager.Pgno, data []byte) error {
		h.Write(data)
		n++
		if c.Pages {
			sum := blake3.Sum256(data)
			fmt.Fprintf(w, "%8d %s\n", pgno, hex.EncodeToString(sum[:]))
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "blake3 %s %d pages\n", hex.EncodeToString(h.Sum(nil)), n)
	return nil
}

// StatsCmd reads every page of each database through one shared pool and
// prints the collected metrics.
type StatsCmd struct {
	DBs []string `arg:"" name:"db" help:"Database files" type:"existingfile"`
}

func (c *StatsCmd) Run(ctx *kong.Context, cfg *config.Config, log *slog.Logger) error {
	pool := cfg.Pool()
	pagers := metrics.NewPagerCollector()
	for _, path := range c.DBs {
		opts, err := cfg.PagerOptions(pool, log, pager.WithReadOnly())
		if err != nil {
			return err
		}
		p, err := pager.Open(path, opts...)
		if err != nil {
			return err
		}
		defer p.Close()
		if err := eachPage(p, func(pager.Pgno, []byte) error { return nil }); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		pagers.Add(filepath.Base(path), p)
	}

	reg, err := metrics.NewRegistry(pool, pagers)
	if err != nil {
		return err
	}
	samples, err := metrics.Gather(reg)
	if err != nil {
		return err
	}
	for _, s := range samples {
		fmt.Fprintf(ctx.Stdout, "%s%s %g\n", s.Name, formatLabels(s.Labels), s.Value)
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *kong.Context) error {
	fmt.Fprintf(ctx.Stdout, "pagerctl version %s\n", version)
	return nil
}

// exitCode maps errors to process exit codes for scripts.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pcerrors.ErrBusy):
		return 5
	case errors.Is(err, pcerrors.ErrCorrupt):
		return 11
	case errors.Is(err, os.ErrNotExist), errors.Is(err, pcerrors.ErrCantOpen):
		return 14
	}
	return 1
}
