// Package container parses Audio32 files, the compressed format consumed by the
// remote decoder. It reads the header and optional continuation blocks up front
// and hands out compressed frames one at a time.
package container
