// Package fingerprint computes content digests of media files.
package fingerprint

import (
	"crypto/md5" // #nosec G401 -- dedup fingerprint, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrEmptyFile is returned for zero-length files, which cannot be
// meaningfully fingerprinted.
var ErrEmptyFile = errors.New("fingerprint: empty file")

const (
	chunkSize  = 4096
	maxRetries = 3
	retryGap   = 2 * time.Second
)

// Sum streams the file and returns its hex-encoded 128-bit digest. Transient
// I/O errors are retried up to 3 times with a 2 second gap.
func Sum(path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryGap)
		}
		digest, err := sumOnce(path)
		if err == nil {
			return digest, nil
		}
		if errors.Is(err, ErrEmptyFile) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("fingerprint %s: %w", path, lastErr)
}

func sumOnce(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() == 0 {
		return "", ErrEmptyFile
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() // #nosec G401
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
