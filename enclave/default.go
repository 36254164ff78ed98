package enclave

import cerrors "github.com/cockroachdb/errors"

// defaultSystem backs the package-level Startup/Shutdown/GetAllocator surface
// for programs that only ever need one System.
var defaultSystem *System

// Startup creates the package's default System. It fails if one is already
// running.
func Startup(opts CreateOptions) error {
	if defaultSystem != nil {
		return cerrors.New("the default allocator system is already running")
	}

	system, err := NewSystem(opts)
	if err != nil {
		return err
	}

	defaultSystem = system
	return nil
}

// Shutdown destroys the default System. It is a no-op when none is running.
func Shutdown() error {
	if defaultSystem == nil {
		return nil
	}

	err := defaultSystem.Destroy()
	defaultSystem = nil
	return err
}

// GetAllocator returns an Allocator of the default System. It panics if
// Startup has not been called or the index is out of range.
func GetAllocator(enclave int) *Allocator {
	if defaultSystem == nil {
		panic("the default allocator system is not running")
	}

	return defaultSystem.Allocator(enclave)
}
