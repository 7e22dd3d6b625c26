// Package ttlcache provides a thread-safe keyed cache whose entries expire a
// fixed time after they were last written.
package ttlcache
