//go:build !debug_mem_utils

package memutils

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

// DebugPoison indicates whether freed memory is filled with a poison pattern.
// It is true only when built with the debug_mem_utils build tag.
const DebugPoison = false

// PoisonMemory writes a poison pattern across size bytes at the provided pointer.
// This method no-ops unless the debug_mem_utils build tag is present.
func PoisonMemory(data unsafe.Pointer, size int) {
}

// VerifyPoison reports whether the pattern written by PoisonMemory is still intact.
// It always returns true unless the debug_mem_utils build tag is present.
func VerifyPoison(data unsafe.Pointer, size int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
}
