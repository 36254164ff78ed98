// Package enclave implements a paged, segregated-fit memory allocator whose
// address space is partitioned into independent enclaves. Each enclave owns a
// small pool (blocks of 8 to 64 bytes) and a medium pool (128 to 1024 bytes),
// each divided into one division per size class. Divisions reserve their full
// address-space footprint up front and commit backing pages only as blocks
// are handed out, so an idle enclave costs almost no physical memory.
//
// The allocator takes no locks. Callers serialize access to each enclave;
// distinct enclaves never share mutable state and may be used from different
// goroutines without coordination.
package enclave

import (
	"log/slog"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/quarrymem/quarry/memutils"
	"github.com/quarrymem/quarry/vmem"
)

// CreateOptions configures NewSystem.
type CreateOptions struct {
	// EnclaveCount is the number of independent enclaves to lay out, between 1
	// and MaxEnclaves.
	EnclaveCount int
	// Logger receives debug records for page commits. Nil disables logging.
	Logger *slog.Logger
	// Backend supplies virtual memory. Nil selects the host OS backend.
	Backend vmem.Backend
}

// System owns the allocator's single address-space reservation and the
// enclaves laid out inside it.
type System struct {
	logger  *slog.Logger
	backend vmem.Backend

	reservation []byte
	enclaveCt   int

	smallPools  []pool
	mediumPools []pool

	// largeBands and giantBands are reserved address ranges for size bands
	// beyond MediumMaxBlock. No division structure is built over them and no
	// pages are ever committed into them.
	largeBands [][]byte
	giantBands [][]byte

	allocators []Allocator
	names      *swiss.Map[string, int]
}

// NewSystem reserves address space for opts.EnclaveCount enclaves and builds
// their pools. Only the page-record metadata is committed up front; everything
// else commits lazily as allocations arrive.
func NewSystem(opts CreateOptions) (*System, error) {
	if opts.EnclaveCount < 1 || opts.EnclaveCount > MaxEnclaves {
		return nil, cerrors.Newf("enclave count %d is outside the valid range 1-%d", opts.EnclaveCount, MaxEnclaves)
	}

	backend := opts.Backend
	if backend == nil {
		backend = vmem.OS()
	}

	reservation, err := backend.Reserve(opts.EnclaveCount * enclaveStride())
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to reserve address space for %d enclaves", opts.EnclaveCount)
	}

	s := &System{
		logger:      opts.Logger,
		backend:     backend,
		reservation: reservation,
		enclaveCt:   opts.EnclaveCount,
		smallPools:  make([]pool, opts.EnclaveCount),
		mediumPools: make([]pool, opts.EnclaveCount),
		largeBands:  make([][]byte, opts.EnclaveCount),
		giantBands:  make([][]byte, opts.EnclaveCount),
		allocators:  make([]Allocator, opts.EnclaveCount),
		names:       swiss.NewMap[string, int](MaxEnclaves),
	}

	cursor := 0
	next := func(size int) []byte {
		region := reservation[cursor : cursor+size]
		cursor += size
		return region
	}

	for enclave := 0; enclave < opts.EnclaveCount; enclave++ {
		smallBytes := next(smallPoolSize)
		mediumBytes := next(mediumPoolSize)
		s.largeBands[enclave] = next(largePoolSize)
		s.giantBands[enclave] = next(giantPoolSize)

		recordBytes := next(recordsRegionSize())
		nodeBytes := next(nodesRegionSize())

		// Page records are touched on every alloc and free, so they are
		// committed for the enclave's lifetime rather than paged in.
		if err = backend.Commit(recordBytes); err != nil {
			releaseErr := backend.Release(reservation)
			if releaseErr != nil {
				err = cerrors.CombineErrors(err, releaseErr)
			}
			return nil, cerrors.Wrapf(err, "failed to commit page records for enclave %d", enclave)
		}

		recordCt := smallGeometry.recordCount() + mediumGeometry.recordCount()
		records := unsafe.Slice((*pageRecord)(unsafe.Pointer(&recordBytes[0])), recordCt)

		nodeCt := smallGeometry.nodeCount() + mediumGeometry.nodeCount()
		nodes := unsafe.Slice((*blockNode)(unsafe.Pointer(&nodeBytes[0])), nodeCt)

		smallRecords := records[:smallGeometry.recordCount()]
		mediumRecords := records[smallGeometry.recordCount():]
		smallNodes := nodes[:smallGeometry.nodeCount()]
		mediumNodes := nodes[smallGeometry.nodeCount():]

		s.smallPools[enclave].init(backend, opts.Logger, smallBytes, smallRecords, smallNodes, smallGeometry)
		s.mediumPools[enclave].init(backend, opts.Logger, mediumBytes, mediumRecords, mediumNodes, mediumGeometry)

		s.allocators[enclave] = Allocator{
			enclaveID: enclave,
			small:     &s.smallPools[enclave],
			medium:    &s.mediumPools[enclave],
		}
	}

	if opts.Logger != nil {
		opts.Logger.Debug("allocator system started",
			slog.Int("enclaves", opts.EnclaveCount),
			slog.Int("reservationBytes", len(reservation)),
		)
	}

	return s, nil
}

// Destroy releases the reservation and every committed page within it. All
// Allocators obtained from the System and all blocks they handed out become
// invalid.
func (s *System) Destroy() error {
	if s.reservation == nil {
		return nil
	}

	err := s.backend.Release(s.reservation)
	s.reservation = nil

	if err != nil {
		return cerrors.Wrap(err, "failed to release the allocator's reservation")
	}

	if s.logger != nil {
		s.logger.Debug("allocator system shut down")
	}

	return nil
}

// EnclaveCount returns the number of enclaves the System was started with.
func (s *System) EnclaveCount() int {
	return s.enclaveCt
}

// Allocator returns the Allocator for the given enclave. Indices outside
// [0, EnclaveCount) panic.
func (s *System) Allocator(enclave int) *Allocator {
	if enclave < 0 || enclave >= s.enclaveCt {
		panic("enclave index is out of range")
	}

	return &s.allocators[enclave]
}

// BindName associates name with an enclave index so the enclave can later be
// retrieved with AllocatorByName. Rebinding a name replaces the previous
// association.
func (s *System) BindName(name string, enclave int) {
	if enclave < 0 || enclave >= s.enclaveCt {
		panic("enclave index is out of range")
	}

	s.names.Put(name, enclave)
}

// AllocatorByName returns the Allocator for a previously bound name, or
// ErrUnknownEnclave.
func (s *System) AllocatorByName(name string) (*Allocator, error) {
	enclave, ok := s.names.Get(name)
	if !ok {
		return nil, cerrors.Wrapf(ErrUnknownEnclave, "name %q", name)
	}

	return &s.allocators[enclave], nil
}

// Statistics accumulates the occupancy of every enclave into stats.
func (s *System) Statistics(stats *memutils.Statistics) {
	for enclave := range s.allocators {
		s.allocators[enclave].Statistics(stats)
	}
}

// DetailedStatistics accumulates detailed occupancy of every enclave into
// stats.
func (s *System) DetailedStatistics(stats *memutils.DetailedStatistics) {
	for enclave := range s.allocators {
		s.allocators[enclave].DetailedStatistics(stats)
	}
}

// Validate checks every enclave and returns the first inconsistency found.
func (s *System) Validate() error {
	for enclave := range s.allocators {
		if err := s.allocators[enclave].Validate(); err != nil {
			return err
		}
	}
	return nil
}
