// ABOUTME: Directory manifest model describing the files of a job's working directory
// ABOUTME: Decodes the JSON wire form, optionally zstd-compressed, into an immutable snapshot

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// MaxDecodedSize bounds the size of a decompressed manifest.
const MaxDecodedSize = 64 << 20

var (
	// ErrInvalidManifest is returned when a manifest payload cannot be decoded.
	ErrInvalidManifest = errors.New("manifest: invalid manifest")

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("manifest: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	if err != nil {
		panic("manifest: zstd decoder initialization failed: " + err.Error())
	}
}

// Entry is one file or directory of a manifest. Paths are slash separated and
// relative to the job directory; the root directory has an empty path.
type Entry struct {
	Path             string    `json:"path"`
	Name             string    `json:"name"`
	LastModifiedTime time.Time `json:"lastModifiedTime"`
	LastAccessTime   time.Time `json:"lastAccessTime"`
	CreationTime     time.Time `json:"creationTime"`
	Directory        bool      `json:"directory"`
	Size             int64     `json:"size"`
	Checksum         string    `json:"checksum,omitempty"`
	MimeType         string    `json:"mimeType,omitempty"`
	Parent           string    `json:"parent,omitempty"`
	Children         []string  `json:"children"`
}

// Manifest is an immutable snapshot of a job directory. Entries are kept in
// path order.
type Manifest struct {
	entries []Entry
	byPath  map[string]int
}

type wireManifest struct {
	Entries []Entry `json:"entries"`
}

// New builds a manifest from entries. Duplicate paths keep the last entry.
func New(entries []Entry) *Manifest {
	m := &Manifest{byPath: make(map[string]int, len(entries))}
	for _, e := range entries {
		e.Path = normalize(e.Path)
		if i, ok := m.byPath[e.Path]; ok {
			m.entries[i] = e
			continue
		}
		m.byPath[e.Path] = len(m.entries)
		m.entries = append(m.entries, e)
	}
	sort.SliceStable(m.entries, func(i, j int) bool { return m.entries[i].Path < m.entries[j].Path })
	for i, e := range m.entries {
		m.byPath[e.Path] = i
	}
	return m
}

// Parse decodes a manifest pushed by an agent.
func Parse(data []byte, compressed bool) (*Manifest, error) {
	if compressed {
		decoded, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidManifest, err)
		}
		data = decoded
	}

	var w wireManifest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if w.Entries == nil {
		return nil, fmt.Errorf("%w: missing entries", ErrInvalidManifest)
	}
	for _, e := range w.Entries {
		if e.Size < 0 {
			return nil, fmt.Errorf("%w: negative size %d for %q", ErrInvalidManifest, e.Size, e.Path)
		}
	}
	return New(w.Entries), nil
}

// Encode returns the wire form of m, zstd-compressed when compress is set.
func (m *Manifest) Encode(compress bool) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if compress {
		data = zstdEncoder.EncodeAll(data, nil)
	}
	return data, nil
}

// MarshalJSON renders the manifest in its wire form.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	entries := m.entries
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(wireManifest{Entries: entries})
}

// Entry looks up a file or directory by relative path.
func (m *Manifest) Entry(relativePath string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	i, ok := m.byPath[normalize(relativePath)]
	if !ok {
		return Entry{}, false
	}
	return m.entries[i], true
}

// Entries returns a copy of all entries in path order.
func (m *Manifest) Entries() []Entry {
	if m == nil {
		return nil
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Files returns the non-directory entries in path order.
func (m *Manifest) Files() []Entry {
	if m == nil {
		return nil
	}
	var out []Entry
	for _, e := range m.entries {
		if !e.Directory {
			out = append(out, e)
		}
	}
	return out
}

// NumFiles returns the number of non-directory entries.
func (m *Manifest) NumFiles() int {
	return len(m.Files())
}

// TotalSize returns the summed size of all files.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Files() {
		total += e.Size
	}
	return total
}

func normalize(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}
