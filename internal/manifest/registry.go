// ABOUTME: Registry holding the latest manifest pushed by each job's control stream
// ABOUTME: Entries are replaced wholesale on every push and may expire after a configured TTL

package manifest

import (
	"log/slog"
	"time"

	"github.com/2389/stream-gateway/internal/ttlcache"
)

// Registry stores one manifest per job id.
type Registry struct {
	cache  *ttlcache.Cache[*Manifest]
	logger *slog.Logger
}

// NewRegistry creates a registry. A zero expiration keeps manifests until they
// are deleted.
func NewRegistry(expiration time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		cache:  ttlcache.New[*Manifest](expiration, 0, 0),
		logger: logger.With("component", "manifest_registry"),
	}
}

// Put replaces the manifest for jobID.
func (r *Registry) Put(jobID string, m *Manifest) {
	_, replaced := r.cache.Put(jobID, m)
	r.logger.Debug("manifest stored",
		"job_id", jobID,
		"files", m.NumFiles(),
		"replaced", replaced,
	)
}

// Get returns the current manifest for jobID.
func (r *Registry) Get(jobID string) (*Manifest, bool) {
	return r.cache.Get(jobID)
}

// Delete drops the manifest for jobID.
func (r *Registry) Delete(jobID string) {
	if r.cache.Delete(jobID) {
		r.logger.Debug("manifest removed", "job_id", jobID)
	}
}

// Len returns the number of stored manifests.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// JobIDs returns the ids of jobs with a live manifest.
func (r *Registry) JobIDs() []string {
	return r.cache.Keys()
}

// Close stops the expiry sweeper.
func (r *Registry) Close() {
	r.cache.Close()
}
