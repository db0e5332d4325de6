package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mediasort/mediasort/internal/fingerprint"
	"github.com/mediasort/mediasort/internal/library"
	"github.com/mediasort/mediasort/internal/scanner"
	"github.com/mediasort/mediasort/internal/store"
)

// ProcessFile runs one file through the pipeline synchronously, for the
// --file and --dir invocation modes. In test mode the resolved target is
// printed and nothing is linked or recorded.
func (o *Organizer) ProcessFile(ctx context.Context, path string, testMode bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}
	if !scanner.IsVideo(abs) {
		return fmt.Errorf("%s is not a recognized video file", abs)
	}

	cfg := o.deps.Config.Get()
	if info.Size() < cfg.IgnoreFileSize {
		return fmt.Errorf("%s is below the size floor (%s < %s)", abs,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(cfg.IgnoreFileSize)))
	}

	if !testMode {
		processed, err := o.deps.Ledger.IsProcessed(abs, "", false)
		if err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		if processed {
			fmt.Printf("already processed: %s\n", abs)
			return nil
		}
	}

	ident, err := o.identifyFile(ctx, Descriptor{Path: abs})
	if err != nil {
		return fmt.Errorf("identify %s: %w", abs, err)
	}
	if ident == nil {
		return fmt.Errorf("could not identify %s", filepath.Base(abs))
	}

	meta, err := o.enrich(ctx, ident)
	if err != nil {
		return fmt.Errorf("metadata lookup for %q: %w", ident.Title, err)
	}
	if meta == nil {
		return fmt.Errorf("no metadata match for %q (%d)", ident.Title, ident.Year)
	}

	item := library.Item{
		SourcePath:  abs,
		Meta:        *meta,
		Season:      ident.Season,
		Episode:     ident.Episode,
		IsAnimation: meta.IsAnimation(),
	}

	if testMode {
		fmt.Printf("%s\n  -> %s  [%s, %s]\n", abs, o.deps.Publisher.TargetPath(item),
			meta.Kind, humanize.IBytes(uint64(info.Size())))
		return nil
	}

	var digest string
	if cfg.UseDigest {
		if digest, err = fingerprint.Sum(abs); err != nil {
			return fmt.Errorf("fingerprint %s: %w", abs, err)
		}
	}

	target, err := o.deps.Publisher.Publish(item)
	if err != nil {
		return fmt.Errorf("publish %s: %w", abs, err)
	}
	if err := o.deps.Ledger.Add(store.Entry{
		Path:       abs,
		Digest:     digest,
		Size:       info.Size(),
		ExternalID: meta.ID,
		MediaKind:  meta.Kind,
		TargetPath: target,
	}); err != nil {
		return fmt.Errorf("ledger write: %w", err)
	}

	fmt.Printf("organized: %s -> %s\n", abs, target)
	return nil
}

// ProcessDir runs every video file under dir through ProcessFile. Failures
// are reported per file; the walk continues.
func (o *Organizer) ProcessDir(ctx context.Context, dir string, testMode bool) error {
	var files []string
	err := o.deps.Scanner.Walk(ctx, dir, func(c scanner.Candidate) {
		files = append(files, c.Path)
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		fmt.Printf("no video files found under %s\n", dir)
		return nil
	}

	failures := 0
	for _, path := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.ProcessFile(ctx, path, testMode); err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d files failed", failures, len(files))
	}
	return nil
}
