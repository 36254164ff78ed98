//go:build debug_mem_utils

package memutils

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

const (
	// DebugPoison indicates whether freed memory is filled with poisonValue.
	// It is true only when built with the debug_mem_utils build tag.
	DebugPoison = true
	// poisonValue is a 4-byte pattern written across freed blocks so that
	// use-after-free reads are easy to identify in a debugger
	poisonValue uint32 = 0x7F84E666
)

// PoisonMemory writes poisonValue across size bytes at the provided pointer.
// This method no-ops unless the debug_mem_utils build tag is present.
func PoisonMemory(data unsafe.Pointer, size int) {
	wordCount := size / int(unsafe.Sizeof(uint32(0)))
	words := unsafe.Slice((*uint32)(data), wordCount)
	for i := 0; i < wordCount; i++ {
		words[i] = poisonValue
	}

	tail := unsafe.Slice((*byte)(data), size)
	for i := wordCount * int(unsafe.Sizeof(uint32(0))); i < size; i++ {
		tail[i] = byte(poisonValue)
	}
}

// VerifyPoison reports whether the pattern written by PoisonMemory is still intact.
// It always returns true unless the debug_mem_utils build tag is present.
func VerifyPoison(data unsafe.Pointer, size int) bool {
	wordCount := size / int(unsafe.Sizeof(uint32(0)))
	words := unsafe.Slice((*uint32)(data), wordCount)
	for i := 0; i < wordCount; i++ {
		if words[i] != poisonValue {
			return false
		}
	}

	tail := unsafe.Slice((*byte)(data), size)
	for i := wordCount * int(unsafe.Sizeof(uint32(0))); i < size; i++ {
		if tail[i] != byte(poisonValue) {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T constraints.Integer](value T, name string) {
	err := CheckPow2(value, name)
	if err != nil {
		panic(err)
	}
}
