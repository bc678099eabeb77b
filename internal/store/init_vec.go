//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// With the sqlite_vec tag the vector store runs on the cgo driver with
// the sqlite-vec extension auto-loaded, enabling vec_distance_cosine.
const sqliteDriverName = "sqlite3"

func init() {
	vec.Auto()
}
