// Package remote defines the controller used to drive the decoder target and
// implements it over the GDB Remote Serial Protocol, as served by QEMU's gdbstub.
// Only the packets needed to set breakpoints, run, and access memory are supported.
package remote
