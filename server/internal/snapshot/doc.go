// Package snapshot persists a registry to a versioned XML document and
// restores it on startup.
//
// Persist serializes every calculator while holding the registry's exclusion
// lock, writes the result to <file>.tmp, and only after a complete, synced
// write renames the current live file to <file>.<yyyymmddhhmmss.mmm> and the
// temporary file to <file>. Rotated archives beyond the configured maximum
// are deleted oldest first. Load is best effort: a missing or invalid live
// file yields an empty snapshot.
package snapshot
