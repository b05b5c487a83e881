// Package etag computes the resource-version tags used across the REST
// surface. Every mutable entity (light, sensor, group, scene, rule) gets
// a fresh etag whenever it changes.
package etag

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// New returns a fresh etag: MD5 of the current time's textual
// representation, matching the upstream behavior of hashing a
// timestamp rather than the entity body itself.
func New() string {
	sum := md5.Sum([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// Quote wraps an etag in quotation marks for external payloads.
func Quote(tag string) string {
	return `"` + tag + `"`
}

// Strip removes surrounding quotation marks for comparison.
func Strip(tag string) string {
	return strings.Trim(tag, `"`)
}
