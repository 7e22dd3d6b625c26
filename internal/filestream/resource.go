// ABOUTME: Readable handle over a file that lives in a remote agent's job directory
// ABOUTME: Data arrives through a stream buffer filled by the agent's chunk stream

package filestream

import (
	"io"
	"time"

	"github.com/2389/stream-gateway/internal/manifest"
	"github.com/2389/stream-gateway/internal/streambuf"
)

// Resource is the result of a file request. Non-existing resources are
// returned when the manifest does not list the path.
type Resource struct {
	JobID      string
	Path       string
	URI        string
	TransferID string
	Start      int64
	End        int64

	entry  manifest.Entry
	exists bool
	buf    *streambuf.Buffer
}

func missingResource(jobID, path, uri string) *Resource {
	return &Resource{
		JobID: jobID,
		Path:  path,
		URI:   uri,
		buf:   streambuf.NewCompleted(),
	}
}

// Exists reports whether the manifest listed the file.
func (r *Resource) Exists() bool {
	return r.exists
}

// Size is the full size of the file according to the manifest.
func (r *Resource) Size() int64 {
	return r.entry.Size
}

// ContentLength is the number of bytes the reader will produce on success.
func (r *Resource) ContentLength() int64 {
	return r.End - r.Start
}

// IsPartial reports whether the resource covers less than the whole file.
func (r *Resource) IsPartial() bool {
	return r.exists && (r.Start != 0 || r.End != r.entry.Size)
}

// LastModified is the modification time recorded in the manifest.
func (r *Resource) LastModified() time.Time {
	return r.entry.LastModifiedTime
}

// MimeType is the content type recorded in the manifest, if any.
func (r *Resource) MimeType() string {
	return r.entry.MimeType
}

// Entry returns the manifest entry backing the resource.
func (r *Resource) Entry() manifest.Entry {
	return r.entry
}

// Reader returns the consumer end of the transfer. Reads block until the
// agent delivers data and fail if the transfer times out or errors. Closing
// the reader abandons the transfer.
func (r *Resource) Reader() io.ReadCloser {
	return r.buf.Reader()
}
