// Package scanner walks monitored directories to find candidate video files.
package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	xlog "github.com/mediasort/mediasort/internal/log"
	"github.com/rs/zerolog"
)

// videoExtensions covers the container formats the pipeline handles.
// Matching is case-insensitive.
var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".avi": {}, ".mov": {}, ".wmv": {},
	".flv": {}, ".webm": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {},
	".rm": {}, ".rmvb": {}, ".ts": {}, ".m2ts": {}, ".3gp": {},
	".asf": {}, ".f4v": {}, ".m2t": {}, ".mts": {}, ".ogv": {},
	".qt": {}, ".vob": {}, ".dat": {},
}

// IsVideo reports whether path has a recognized video extension.
func IsVideo(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := videoExtensions[ext]
	return ok
}

// Candidate is one file found during a scan.
type Candidate struct {
	Path string
	Size int64
}

// Scanner finds video files under configured roots, skipping names that match
// any ignore pattern.
type Scanner struct {
	ignorePatterns []string
	minSize        int64
	logger         zerolog.Logger
}

// New builds a scanner. minSize of 0 disables the size filter; patterns are
// doublestar globs matched against the lowercased base name.
func New(ignorePatterns []string, minSize int64) *Scanner {
	return &Scanner{
		ignorePatterns: ignorePatterns,
		minSize:        minSize,
		logger:         xlog.WithComponent("scanner"),
	}
}

// Ignored reports whether the base name of path matches an ignore pattern.
func (s *Scanner) Ignored(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, pattern := range s.ignorePatterns {
		if ok, err := doublestar.Match(strings.ToLower(pattern), name); err == nil && ok {
			return true
		}
	}
	return false
}

// Walk emits every matching video file under root through fn. The walk keeps
// going past unreadable subtrees and stops early when ctx ends.
func (s *Scanner) Walk(ctx context.Context, root string, fn func(Candidate)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("scan error, skipping")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !IsVideo(path) || s.Ignored(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("stat failed, skipping")
			return nil
		}
		if s.minSize > 0 && info.Size() < s.minSize {
			return nil
		}

		fn(Candidate{Path: path, Size: info.Size()})
		return nil
	})
}

// WalkAll scans every root in order. A failed root is logged and does not
// abort the remaining roots.
func (s *Scanner) WalkAll(ctx context.Context, roots []string, fn func(Candidate)) {
	for _, root := range roots {
		if ctx.Err() != nil {
			return
		}
		count := 0
		err := s.Walk(ctx, root, func(c Candidate) {
			count++
			fn(c)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("root", root).Msg("scan failed")
			continue
		}
		s.logger.Info().Str("root", root).Int("files", count).Str("event", "scan.complete").
			Msg("directory scan finished")
	}
}
