package enclave

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/quarrymem/quarry/memutils"
)

// Allocator hands out blocks from one enclave. Allocators are cheap views
// into the owning System and remain valid until the System is destroyed. An
// Allocator must not be used concurrently; different enclaves' Allocators are
// independent and may run in parallel.
type Allocator struct {
	enclaveID int
	small     *pool
	medium    *pool
}

// EnclaveID returns the index of the enclave this Allocator serves.
func (a *Allocator) EnclaveID() int {
	return a.enclaveID
}

// Alloc returns a block of at least size bytes from the enclave. The returned
// slice has length size and capacity equal to the serving class's block size.
// Requests above MediumMaxBlock and requests the OS cannot back both fail
// with ErrOutOfMemory.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, cerrors.Newf("allocation size %d must be positive", size)
	}

	var division *pageList
	switch {
	case size <= SmallMaxBlock:
		division = a.small.divisionForSize(size)
	case size <= MediumMaxBlock:
		division = a.medium.divisionForSize(size)
	default:
		return nil, cerrors.Wrapf(ErrOutOfMemory, "allocation of %d bytes exceeds the largest block size %d", size, MediumMaxBlock)
	}

	index, err := division.alloc()
	if err != nil {
		return nil, cerrors.Wrapf(ErrOutOfMemory, "enclave %d could not serve %d bytes: %s", a.enclaveID, size, err)
	}

	offset := int(index) * division.blockSize
	return division.bytes[offset : offset+size : offset+division.blockSize], nil
}

// Free returns a block obtained from Alloc to its division's free list. Blocks
// whose capacity exceeds MediumMaxBlock were never served by this allocator
// and are ignored, as are empty slices. Passing a pointer that does not lie in
// this enclave panics.
func (a *Allocator) Free(block []byte) {
	if len(block) == 0 || cap(block) > MediumMaxBlock {
		return
	}

	division := a.small.divisionForBlock(block)
	if division == nil {
		division = a.medium.divisionForBlock(block)
	}
	if division == nil {
		panic("the freed block does not belong to this enclave")
	}

	offset := uintptr(unsafe.Pointer(&block[0])) - uintptr(unsafe.Pointer(&division.bytes[0]))
	index := uint32(int(offset) / division.blockSize)

	if memutils.DebugPoison {
		memutils.PoisonMemory(unsafe.Pointer(&division.bytes[int(index)*division.blockSize]), division.blockSize)
	}

	division.free(index)
}

// Statistics accumulates the enclave's basic occupancy into stats.
func (a *Allocator) Statistics(stats *memutils.Statistics) {
	a.small.addStatistics(stats)
	a.medium.addStatistics(stats)
}

// DetailedStatistics accumulates occupancy, free-block counts and the live
// allocation size range into stats. Like Statistics, it walks the committed
// page records.
func (a *Allocator) DetailedStatistics(stats *memutils.DetailedStatistics) {
	a.small.addDetailedStatistics(stats)
	a.medium.addDetailedStatistics(stats)
}

// Validate checks every division of the enclave and returns the first
// inconsistency found.
func (a *Allocator) Validate() error {
	if err := a.small.Validate(); err != nil {
		return cerrors.Wrapf(err, "small pool of enclave %d", a.enclaveID)
	}
	if err := a.medium.Validate(); err != nil {
		return cerrors.Wrapf(err, "medium pool of enclave %d", a.enclaveID)
	}
	return nil
}

// Alloc allocates a slice of count values of type T from a. T's size and
// alignment must fit the allocator's block classes; types larger than
// MediumMaxBlock in total fail with ErrOutOfMemory.
func Alloc[T any](a *Allocator, count int) ([]T, error) {
	var zero T
	bytes, err := a.Alloc(count * int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*T)(unsafe.Pointer(&bytes[0])), count), nil
}

// Free returns a slice obtained from Alloc[T] to the enclave.
func Free[T any](a *Allocator, slice []T) {
	if len(slice) == 0 {
		return
	}

	var zero T
	size := len(slice) * int(unsafe.Sizeof(zero))
	a.Free(unsafe.Slice((*byte)(unsafe.Pointer(&slice[0])), size))
}

func sliceWithin(outer, inner []byte) bool {
	if len(outer) == 0 || len(inner) == 0 {
		return false
	}

	base := uintptr(unsafe.Pointer(&outer[0]))
	addr := uintptr(unsafe.Pointer(&inner[0]))
	return addr >= base && addr < base+uintptr(len(outer))
}
