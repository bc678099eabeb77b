//go:build !sqlite_vec || !cgo

package store

// Without the sqlite_vec tag the vector store runs on the pure-Go
// driver and search falls back to the brute-force cosine scan.
const sqliteDriverName = "sqlite"
