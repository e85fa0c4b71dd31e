// Package trace records every RPC context exchanged with the decoder target.
//
// Records are length-prefixed msgpack frames: a 4-byte big-endian payload size
// followed by the encoded Exchange. A trace file is a plain concatenation of
// frames and can be read back with Reader or ReadAll.
package trace
