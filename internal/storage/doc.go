// Package storage keeps the run history: one record per finished job.
//
// Two drivers exist. "file" appends JSON Lines to a single file; "sqlite"
// writes to a SQLite database through the pure Go modernc driver.
package storage
