// Package archive implements the post-run packaging step: zipping the
// run directory and computing a SHA-1 over the archive for
// integrity-checked hand-off.
package archive

import (
	"archive/zip"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// CreateZip walks sourceDir and writes every file into a new ZIP at
// destPath, using relative paths as archive entry names. Grounded on
// original_source/utils.py's create_zip_archive, simplified to a single
// pass since the Go implementation doesn't need the read-ahead
// threading the Python version used to hide disk latency behind zlib
// compression.
func CreateZip(sourceDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}

// SHA1 streams filename through a SHA-1 hash and returns the hex digest.
func SHA1(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteChecksumFile writes the integrity sidecar described in spec.md
// §4.7 step 7: archive name, size, SHA-1, timestamp, and status.
func WriteChecksumFile(path, zipName string, size int64, sha1Hex, status string) error {
	content := fmt.Sprintf(
		"File: %s\nSize: %d bytes\nSHA1: %s\nDate: %s\nStatus: %s\n",
		zipName, size, sha1Hex, time.Now().Format(time.RFC3339), status,
	)
	return os.WriteFile(path, []byte(content), 0o644)
}
