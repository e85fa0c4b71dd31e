// Package converter implements the conversion state machine that drives the
// remote decoder.
//
// A Converter moves through idle, awaiting_init, awaiting_init_result and
// awaiting_decode_result, one transition per call-in reported by the
// controller. Each transition writes or reads the shared context region:
//
//	awaiting_init           write init context
//	awaiting_init_result    check result, write first decode batch
//	awaiting_decode_result  check result, collect PCM, write next batch or finish
//
// Finishing writes the WAV file. Success and failure both end in the same
// teardown, which removes the call-in breakpoint, halts the controller and
// closes the input file.
package converter
