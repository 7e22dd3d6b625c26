// ABOUTME: Local disk job file service writing agent uploads under jobs_dir/<job id>/
// ABOUTME: Reports the server-side directory state with optional BLAKE3 checksums

package jobfiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/2389/stream-gateway/internal/manifest"
)

// ErrInvalidPath is returned for job ids or paths that would escape the jobs directory.
var ErrInvalidPath = errors.New("invalid job file path")

// FileState describes one file of a job directory.
type FileState struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// Service reads and writes job files on local disk.
type Service struct {
	root   string
	logger *slog.Logger
}

// New creates a service rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs directory: %w", err)
	}
	return &Service{
		root:   dir,
		logger: logger.With("component", "job_files"),
	}, nil
}

// JobDir returns the directory holding jobID's files.
func (s *Service) JobDir(jobID string) (string, error) {
	if jobID == "" || !filepath.IsLocal(jobID) || filepath.Base(jobID) != jobID {
		return "", fmt.Errorf("%w: job id %q", ErrInvalidPath, jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

func (s *Service) resolve(jobID, relativePath string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	local := filepath.FromSlash(relativePath)
	if relativePath == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relativePath)
	}
	return filepath.Join(dir, local), nil
}

// UpdateFile writes data into the job file at startByte, creating the file and
// its parents if needed.
func (s *Service) UpdateFile(ctx context.Context, jobID, relativePath string, startByte int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if startByte < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidPath, startByte)
	}
	name, err := s.resolve(jobID, relativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", relativePath, err)
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", relativePath, err)
	}
	if _, err := f.WriteAt(data, startByte); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", relativePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", relativePath, err)
	}

	s.logger.Debug("job file updated",
		"job_id", jobID,
		"path", relativePath,
		"start_byte", startByte,
		"bytes", len(data),
	)
	return nil
}

// DeleteFile removes a job file. Deleting a missing file succeeds.
func (s *Service) DeleteFile(ctx context.Context, jobID, relativePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := s.resolve(jobID, relativePath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(name); err != nil {
		return fmt.Errorf("delete %s: %w", relativePath, err)
	}
	s.logger.Debug("job file deleted", "job_id", jobID, "path", relativePath)
	return nil
}

// DirectoryFileState lists every regular file of the job directory in path
// order. A job without a directory has no files.
func (s *Service) DirectoryFileState(ctx context.Context, jobID string, includeChecksum bool) ([]FileState, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}

	states := []FileState{}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == dir && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		st := FileState{Path: filepath.ToSlash(rel), Size: info.Size()}
		if includeChecksum {
			if st.Checksum, err = manifest.ChecksumFile(p); err != nil {
				return err
			}
		}
		states = append(states, st)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read job directory state: %w", err)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Path < states[j].Path })
	return states, nil
}
