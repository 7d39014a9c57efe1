// Package store defines interfaces for persistence dependencies (the build-run
// audit repository). Implementations live in subpackages; this package must
// not import database drivers or concrete clients.
package store
