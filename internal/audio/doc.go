// Package audio writes decoded PCM as WAV files.
// Output is 16-bit little-endian PCM with the channel layout of the source file.
package audio
