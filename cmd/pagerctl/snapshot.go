package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/pagecore/core/backup"
	"github.com/FocuswithJustin/pagecore/core/pager"
	"github.com/FocuswithJustin/pagecore/internal/config"
)

// SnapshotCmd copies a live database with the online backup and writes the
// copy as a compressed image.
type SnapshotCmd struct {
	DB    string `arg:"" help:"Database file" type:"existingfile"`
	Out   string `arg:"" help:"Output image"`
	Codec string `help:"Compression (xz, zstd, s2, none)" enum:"xz,zstd,s2,none" default:"zstd"`
	Step  int    `help:"Pages copied per backup step; -1 copies everything at once" default:"-1"`
}

func (c *SnapshotCmd) Run(ctx *kong.Context, cfg *config.Config, log *slog.Logger) error {
	if c.Step == 0 {
		return fmt.Errorf("--step must not be 0")
	}
	src, err := openPager(cfg, log, c.DB, pager.WithReadOnly())
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := pager.Open("", pager.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open temporary database: %w", err)
	}
	defer dst.Close()

	b, err := backup.New(dst, src, backup.WithLogger(log))
	if err != nil {
		return err
	}
	steps := 0
	for {
		done, err := b.Step(c.Step)
		steps++
		if err != nil {
			b.Finish()
			return fmt.Errorf("backup step %d: %w", steps, err)
		}
		log.Debug("backup step", "step", steps, "remaining", b.Remaining())
		if done {
			break
		}
	}
	if err := b.Finish(); err != nil {
		return err
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", c.Out, err)
	}
	defer f.Close()
	cw, err := c.compressor(f)
	if err != nil {
		return err
	}

	h := blake3.New()
	zero := make([]byte, dst.PageSize())
	var last pager.Pgno
	n := 0
	err = eachPage(dst, func(pgno pager.Pgno, data []byte) error {
		// The locking page is never stored; keep the offsets of the pages after it.
		for ; last+1 < pgno; last++ {
			if _, err := cw.Write(zero); err != nil {
				return err
			}
		}
		last = pgno
		n++
		h.Write(data)
		_, err := cw.Write(data)
		return err
	})
	if err != nil {
		cw.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := cw.Close(); err != nil {
		return fmt.Errorf("failed to finish %s stream: %w", c.Codec, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(ctx.Stdout, "blake3 %s %d pages\n", hex.EncodeToString(h.Sum(nil)), n)
	fmt.Fprintf(ctx.Stdout, "Wrote %s (%s, %d steps)\n", c.Out, c.Codec, steps)
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (c *SnapshotCmd) compressor(w io.Writer) (io.WriteCloser, error) {
	switch c.Codec {
	case "xz":
		return xz.NewWriter(w)
	case "zstd":
		return zstd.NewWriter(w)
	case "s2":
		return s2.NewWriter(w), nil
	case "none":
		return nopCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", c.Codec)
}
