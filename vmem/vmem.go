// Package vmem exposes the raw virtual-memory primitives the allocator is
// built on: reserving a large contiguous address range without backing it,
// committing page-aligned pieces of it on demand, and releasing the whole
// range at shutdown.
package vmem

import "github.com/pkg/errors"

var (
	// ErrOutOfAddressSpace is returned from Reserve when the OS refuses to set
	// aside the requested address range.
	ErrOutOfAddressSpace error = errors.New("virtual address space reservation was refused by the OS")
	// ErrOutOfMemory is returned from Commit when the OS refuses to provide
	// backing memory for a previously reserved range.
	ErrOutOfMemory error = errors.New("the OS refused to provide backing memory")
)

// Backend is the OS virtual-memory interface consumed by the allocator. The
// production implementation is returned by OS; tests may substitute their own
// to inject failures.
type Backend interface {
	// Reserve obtains a contiguous range of size bytes that is addressable but
	// not backed by physical memory. Reading or writing the range before a
	// Commit faults. Fails with ErrOutOfAddressSpace.
	Reserve(size int) ([]byte, error)
	// Commit makes region readable, writable and zero-initialized. region must
	// lie inside a range previously returned by Reserve, and its base and
	// length must be multiples of the OS page size; the caller guarantees
	// both. Fails with ErrOutOfMemory.
	Commit(region []byte) error
	// Release undoes a reservation, returning all committed pages within it to
	// the OS. reservation must be the exact slice returned by Reserve.
	Release(reservation []byte) error
}

// OS returns the Backend for the host platform.
func OS() Backend {
	return osBackend{}
}
