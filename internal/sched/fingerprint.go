package sched

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
)

// Scanner computes a change fingerprint for a directory tree.
type Scanner interface {
	// Fingerprint returns ErrEntryLimit when the tree holds more than limit entries.
	Fingerprint(root string, limit int) (string, error)
}

// TreeScanner fingerprints a tree from the modification time and path of
// every file and directory below root. Contents are not read.
type TreeScanner struct{}

var _ Scanner = TreeScanner{}

func (TreeScanner) Fingerprint(root string, limit int) (string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", root, err)
	}

	h := sha256.New()
	entries := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		entries++
		if entries > limit {
			return ErrEntryLimit
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		fmt.Fprintf(h, "%d %s\x00", info.ModTime().UnixNano(), path)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
