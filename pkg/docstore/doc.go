// Package docstore is a schema-less document store laid out as a directory
// tree: fleet root → database (node) → collection (device) → one JSON file
// per document.
//
// Every document carries two reserved fields stamped at insert time: _id,
// unique within its collection, and _timestamp, a UTC time in the form
// "2006-01-02 15:04:05 UTC". Documents are ordered maps of string to a
// closed Value variant (null, bool, number, string, list, nested map).
//
// There is no global lock and no transaction log. Writes are atomic per
// document; reads are plain directory scans that skip anything unreadable,
// so callers must tolerate eventual visibility. Queries cost O(collection
// size), which is fine for the tens to low hundreds of records a device
// accumulates but is the scalability ceiling of the design.
package docstore
