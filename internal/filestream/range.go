// ABOUTME: Parses single HTTP byte ranges and resolves them against a file size
// ABOUTME: HTTP ranges are inclusive while the agent protocol uses half-open offsets

package filestream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned for malformed or unsupported Range headers.
var ErrInvalidRange = errors.New("invalid byte range")

// ByteRange is a parsed "bytes=" range. A suffix range asks for the last
// SuffixLength bytes; otherwise Last is inclusive and -1 means open ended.
type ByteRange struct {
	First        int64
	Last         int64
	Suffix       bool
	SuffixLength int64
}

// ParseRange parses a Range header value holding exactly one range. An empty
// header yields a nil range, meaning the whole file.
func ParseRange(header string) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: multiple ranges not supported", ErrInvalidRange)
	}

	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		return &ByteRange{Suffix: true, SuffixLength: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	r := &ByteRange{First: start, Last: -1}
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		r.Last = end
	}
	return r, nil
}

// Resolve returns the half-open offsets [start, end) the range selects in a
// file of the given size. A start past the end of the file selects nothing.
func (r *ByteRange) Resolve(size int64) (start, end int64) {
	switch {
	case r == nil:
		return 0, size
	case r.Suffix:
		return max(0, size-r.SuffixLength), size
	}

	start = min(size, r.First)
	end = size
	if r.Last >= 0 && r.Last < size {
		end = r.Last + 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// String renders the range in header form.
func (r *ByteRange) String() string {
	switch {
	case r == nil:
		return ""
	case r.Suffix:
		return fmt.Sprintf("bytes=-%d", r.SuffixLength)
	case r.Last < 0:
		return fmt.Sprintf("bytes=%d-", r.First)
	default:
		return fmt.Sprintf("bytes=%d-%d", r.First, r.Last)
	}
}
