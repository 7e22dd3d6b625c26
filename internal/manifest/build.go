// ABOUTME: Builds a manifest by walking a local directory tree
// ABOUTME: File checksums are hex BLAKE3 digests shared with the job file service

package manifest

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Checksum returns the hex BLAKE3 digest of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumFile returns the hex BLAKE3 digest of the file at name.
func ChecksumFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Checksum(f)
}

// Build walks root and returns its manifest. Symlinks are recorded with the
// size of the link itself and never followed.
func Build(root string, withChecksums bool) (*Manifest, error) {
	var entries []Entry
	children := make(map[string][]string)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = normalize(filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		e := Entry{
			Path:             rel,
			Name:             d.Name(),
			LastModifiedTime: info.ModTime().UTC(),
			LastAccessTime:   info.ModTime().UTC(),
			CreationTime:     info.ModTime().UTC(),
			Directory:        d.IsDir(),
			Children:         []string{},
		}
		if rel != "" {
			e.Parent = normalize(path.Dir(rel))
			children[e.Parent] = append(children[e.Parent], rel)
		}
		if !d.IsDir() {
			e.Size = info.Size()
			e.MimeType = mime.TypeByExtension(path.Ext(rel))
			if withChecksums && d.Type().IsRegular() {
				sum, err := ChecksumFile(p)
				if err != nil {
					return fmt.Errorf("checksum %s: %w", rel, err)
				}
				e.Checksum = sum
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest for %s: %w", root, err)
	}

	for i := range entries {
		if c, ok := children[entries[i].Path]; ok {
			entries[i].Children = c
		}
	}
	return New(entries), nil
}
