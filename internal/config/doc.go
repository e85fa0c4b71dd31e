// Package config provides configuration loading and validation for the Audio32 converter.
// Configuration is YAML; every key is optional and falls back to Default, which targets
// a local QEMU gdbstub running the stock patched decoder firmware.
package config
