// Package registry holds the provisioned calculators keyed by metric path and
// fans out coalesced change notifications to registered listeners.
//
// Reads (Get, Keys) are lock-free against a copy-on-write map. NotifyChange
// only sets a flag; RunUpdate clears it and invokes every listener once, so
// any number of changes between two RunUpdate calls produce a single
// OnDataChanged per listener. Exclusive is the lock shared by the queue
// processor and the snapshot writer.
package registry
