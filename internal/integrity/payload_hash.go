// Package integrity hashes volume trees so commits can be compared with live
// data and checked for corruption.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titan-data/titan/pkg/model"
)

// Entry describes one file in a hashed tree.
type Entry struct {
	Hash model.HashValue
	Size int64
}

// Manifest maps slash-separated relative paths to their entries.
type Manifest map[string]Entry

// HashTree computes the content hash of every regular file and symlink under root.
// A missing root yields an empty manifest.
func HashTree(root string) (Manifest, error) {
	m := make(Manifest)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}

		hash, err := computeEntryHash(path, info)
		if err != nil {
			return fmt.Errorf("hash entry %s: %w", rel, err)
		}
		size := int64(0)
		if info.Mode().IsRegular() {
			size = info.Size()
		}
		m[filepath.ToSlash(rel)] = Entry{Hash: hash, Size: size}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return m, nil
}

// RootHash folds the manifest into a single deterministic hash.
func (m Manifest) RootHash() model.HashValue {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&buf, "%s:%d:%s\n", p, m[p].Size, m[p].Hash)
	}
	sum := sha256.Sum256([]byte(buf.String()))
	return model.HashValue(hex.EncodeToString(sum[:]))
}

// TotalSize returns the number of bytes held by regular files in the manifest.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m {
		total += e.Size
	}
	return total
}

// UniqueSize returns the bytes in m whose content is absent from, or differs
// in, other. This is the space a snapshot holds beyond the live data.
func (m Manifest) UniqueSize(other Manifest) int64 {
	var unique int64
	for p, e := range m {
		if o, ok := other[p]; !ok || o.Hash != e.Hash {
			unique += e.Size
		}
	}
	return unique
}

func computeEntryHash(path string, info os.FileInfo) (model.HashValue, error) {
	h := sha256.New()

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("read symlink: %w", err)
		}
		h.Write([]byte("symlink:" + target))
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
	}

	return model.HashValue(hex.EncodeToString(h.Sum(nil))), nil
}
