package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsVideo(t *testing.T) {
	assert.True(t, IsVideo("/a/movie.mkv"))
	assert.True(t, IsVideo("/a/MOVIE.MP4"), "extension match is case-insensitive")
	assert.True(t, IsVideo("show.m2ts"))
	assert.False(t, IsVideo("/a/readme.txt"))
	assert.False(t, IsVideo("/a/poster.jpg"))
	assert.False(t, IsVideo("/a/noext"))
}

func TestIgnored(t *testing.T) {
	s := New([]string{"*.tmp", "*.part", "sample*"}, 0)

	assert.True(t, s.Ignored("/d/movie.mkv.tmp"))
	assert.True(t, s.Ignored("/d/incomplete.part"))
	assert.True(t, s.Ignored("/d/SAMPLE.clip.mkv"), "pattern match is case-insensitive")
	assert.False(t, s.Ignored("/d/movie.mkv"))
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestWalk_FindsNestedVideos(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mkv"), 10)
	writeFile(t, filepath.Join(root, "sub", "deep", "b.mp4"), 10)
	writeFile(t, filepath.Join(root, "notes.txt"), 10)
	writeFile(t, filepath.Join(root, "c.mkv.part"), 10)

	s := New([]string{"*.part"}, 0)
	var found []string
	err := s.Walk(context.Background(), root, func(c Candidate) {
		found = append(found, filepath.Base(c.Path))
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.mkv", "b.mp4"}, found)
}

func TestWalk_MinSizeFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "small.mkv"), 10)
	writeFile(t, filepath.Join(root, "big.mkv"), 2048)

	s := New(nil, 1024)
	var found []string
	err := s.Walk(context.Background(), root, func(c Candidate) {
		found = append(found, filepath.Base(c.Path))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"big.mkv"}, found)
}

func TestWalk_CancelledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mkv"), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(nil, 0)
	err := s.Walk(ctx, root, func(Candidate) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkAll_ContinuesPastBadRoot(t *testing.T) {
	good := t.TempDir()
	writeFile(t, filepath.Join(good, "a.mkv"), 10)

	s := New(nil, 0)
	var found int
	s.WalkAll(context.Background(), []string{filepath.Join(good, "does-not-exist"), good}, func(Candidate) {
		found++
	})
	assert.Equal(t, 1, found)
}
