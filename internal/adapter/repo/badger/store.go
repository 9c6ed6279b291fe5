// Package badger implements the job store on an embedded Badger database via
// badgerhold.
//
// This backend has no row-level locking, so claims are serialized by a
// process-local mutex. That makes it safe for exactly one gateway process;
// running multiple processes against the same directory is NOT supported.
// Use the postgres backend for multi-process deployments.
package badger

import (
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

// Open opens (or creates) the embedded store at dir.
func Open(dir string) (*badgerhold.Store, error) {
	opts := badgerhold.DefaultOptions
	// JSON encoding: decode options and results carry map[string]any values
	// that gob cannot round-trip without type registration.
	opts.Encoder = json.Marshal
	opts.Decoder = json.Unmarshal
	opts.Options = badgerdb.DefaultOptions(dir).WithLogger(nil)
	store, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("op=badger.open: %w", err)
	}
	return store, nil
}
