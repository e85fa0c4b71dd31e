// Package protocol implements the call context exchanged with the remote decoder.
// It packs init and decode commands into the fixed little-endian layout the
// patched firmware expects and unpacks result codes and decoded output.
package protocol
