// Package cache holds the process-wide caches of the validator: the content-addressed
// certificate and policy store, the table of verified map server records, and a bounded LRU
// keyed by content IDs. All of them are safe for concurrent use and are cleared together
// when the configuration is replaced.
package cache

import "github.com/netsec-ethz/fpki-validator/pkg/common"

// Cache answers whether the content with a given ID is already available locally.
type Cache interface {
	Contains(*common.SHA256Output) bool
}

var (
	_ Cache = (*CertStore)(nil)
	_ Cache = (*LruCache[struct{}])(nil)
)
