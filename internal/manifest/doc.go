// Package manifest models the directory manifests agents push for their jobs.
//
// A manifest lists every file and directory under a job's working directory
// with size, timestamps and an optional BLAKE3 checksum. Agents send it as
// JSON, optionally zstd-compressed, and the server keeps only the most recent
// copy per job in a Registry.
package manifest
