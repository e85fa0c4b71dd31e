// Package batch converts a directory of Audio32 files into like-named WAV files,
// one file at a time, reusing a single converter and remote connection.
package batch
