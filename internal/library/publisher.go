// Package library lays out the structured media library and publishes
// processed files into it via links or copies.
package library

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/mediasort/mediasort/internal/tmdb"
	"github.com/rs/zerolog"
)

const (
	movieDir  = "电影"
	seriesDir = "电视"
)

// Item describes one file to publish.
type Item struct {
	SourcePath  string
	Meta        tmdb.Metadata
	Season      int
	Episode     int
	IsAnimation bool
}

// Publisher places files into the library tree. The link method can be
// swapped at runtime on configuration reload.
type Publisher struct {
	root     string
	animeDir string

	mu     sync.RWMutex
	method string

	logger zerolog.Logger
}

// NewPublisher creates the publisher and the four top-level library branches.
func NewPublisher(root, animeDir, method string) (*Publisher, error) {
	p := &Publisher{
		root:     root,
		animeDir: animeDir,
		method:   method,
		logger:   xlog.WithComponent("library"),
	}
	for _, dir := range []string{
		filepath.Join(root, movieDir),
		filepath.Join(root, seriesDir),
		filepath.Join(root, animeDir, movieDir),
		filepath.Join(root, animeDir, seriesDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("library layout: %w", err)
		}
	}
	return p, nil
}

// SetMethod swaps the link method at runtime.
func (p *Publisher) SetMethod(method string) {
	p.mu.Lock()
	p.method = method
	p.mu.Unlock()
}

func (p *Publisher) currentMethod() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.method
}

// Sanitize strips characters that are unsafe in file names and trims
// trailing dots and spaces.
func Sanitize(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		}
		return r
	}, name)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return strings.TrimRight(cleaned, ". ")
}

// TargetPath computes the library destination for an item.
//
// Movies:  <root>/[动漫/]电影/<Title> (Year)/<Title> (Year).<ext>
// Series:  <root>/[动漫/]电视/<Title> (Year)/Season SS/<Title> SSSEEE.<ext>
func (p *Publisher) TargetPath(item Item) string {
	title := Sanitize(item.Meta.Title)
	titled := title
	if item.Meta.Year > 0 {
		titled = fmt.Sprintf("%s (%d)", title, item.Meta.Year)
	}
	ext := filepath.Ext(item.SourcePath)

	branch := movieDir
	if item.Meta.Kind == "tv" {
		branch = seriesDir
	}
	parts := []string{p.root}
	if item.IsAnimation {
		parts = append(parts, p.animeDir)
	}
	parts = append(parts, branch, titled)

	if item.Meta.Kind == "tv" {
		parts = append(parts,
			fmt.Sprintf("Season %02d", item.Season),
			fmt.Sprintf("%s S%02dE%02d%s", title, item.Season, item.Episode, ext))
	} else {
		parts = append(parts, titled+ext)
	}
	return filepath.Join(parts...)
}

// Publish places the item into the library and returns the target path. An
// already existing target counts as success so republishing is idempotent.
func (p *Publisher) Publish(item Item) (string, error) {
	target := p.TargetPath(item)

	if _, err := os.Stat(target); err == nil {
		p.logger.Debug().Str("target", target).Msg("target already exists")
		return target, nil
	}

	// The source can vanish between hashing and publication. Placing a link
	// to a missing file would succeed and poison the ledger, so fail here
	// and let the next detection retry.
	if _, err := os.Stat(item.SourcePath); err != nil {
		return "", fmt.Errorf("library: source %s: %w", item.SourcePath, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("library: create %s: %w", filepath.Dir(target), err)
	}

	method := p.currentMethod()
	if err := p.place(item.SourcePath, target, method); err != nil {
		return "", err
	}

	p.logger.Info().Str("event", "library.published").
		Str("source", item.SourcePath).Str("target", target).Str("method", method).
		Msg("file published")
	return target, nil
}

// place materializes target from source. Hardlink degrades to symlink only
// across devices; any other hardlink failure is an error. Symlink degrades to
// copy when the filesystem refuses links.
func (p *Publisher) place(source, target, method string) error {
	switch method {
	case "hardlink":
		err := os.Link(source, target)
		if err == nil {
			return nil
		}
		if !crossDevice(err) {
			return fmt.Errorf("library: hardlink %s: %w", source, err)
		}
		p.logger.Warn().Err(err).Str("source", source).Msg("hardlink crosses devices, trying symlink")
		fallthrough
	case "symlink":
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("library: resolve %s: %w", source, err)
		}
		if err := os.Symlink(abs, target); err == nil {
			return nil
		} else {
			p.logger.Warn().Err(err).Str("source", source).Msg("symlink failed, copying")
		}
		fallthrough
	case "copy":
		return copyPreservingMtime(source, target)
	default:
		return fmt.Errorf("library: unsupported link method %q", method)
	}
}

func crossDevice(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EXDEV
	}
	return false
}

func copyPreservingMtime(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("library: open %s: %w", source, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("library: stat %s: %w", source, err)
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("library: create %s: %w", target, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(target)
		return fmt.Errorf("library: copy to %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("library: close %s: %w", target, err)
	}
	return os.Chtimes(target, info.ModTime(), info.ModTime())
}
