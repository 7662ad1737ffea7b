// Package value defines the StateValue model shared by every twin process.
//
// A Value is a tree of Null, String, Int, Bool, Array and Object nodes. The
// set is sealed: only the types in this package implement Value. Floats are
// rejected everywhere (decoding, FromAny, canonical encoding) because the same
// tree must encode to the same bytes on every process.
//
// Values are treated as immutable snapshots. Producers that hand a value to
// another owner (a State, the wire) Clone it first; see Clone.
//
// This package imports nothing internal. Every other twin package may import it.
package value
