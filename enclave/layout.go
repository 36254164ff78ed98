package enclave

import "unsafe"

const (
	// MaxEnclaves is the largest enclave count accepted by NewSystem and Startup.
	MaxEnclaves = 32
	// ClassesPerPool is the number of block size classes in each live pool.
	ClassesPerPool = 8

	// SmallBlockStep is the size-class granularity of the small pool. Small
	// classes are 8, 16, ... SmallMaxBlock bytes.
	SmallBlockStep = 8
	// SmallMaxBlock is the largest block the small pool serves.
	SmallMaxBlock = SmallBlockStep * ClassesPerPool
	// SmallPageSize is the commit granularity of small-pool divisions.
	SmallPageSize = 16 * 1024

	// MediumBlockStep is the size-class granularity of the medium pool. Medium
	// classes are 128, 256, ... MediumMaxBlock bytes.
	MediumBlockStep = 128
	// MediumMaxBlock is the largest block the allocator serves at all; larger
	// requests fail with ErrOutOfMemory.
	MediumMaxBlock = MediumBlockStep * ClassesPerPool
	// MediumPageSize is the commit granularity of medium-pool divisions.
	MediumPageSize = 64 * 1024

	smallDivisionSize  = 64 << 20
	mediumDivisionSize = 1 << 30

	smallPoolSize  = smallDivisionSize * ClassesPerPool
	mediumPoolSize = mediumDivisionSize * ClassesPerPool

	// The large and giant pools are reserved in address space for future size
	// bands but never committed or allocated from.
	largePoolSize = 160 << 30
	giantPoolSize = 256 << 30

	// noIndex is the sentinel for "no page" / "no block" in page records and
	// block nodes.
	noIndex uint32 = 0xFFFFFFFF

	pageRecordSize = int(unsafe.Sizeof(pageRecord{}))
	blockNodeSize  = int(unsafe.Sizeof(blockNode{}))
)

// poolGeometry describes the fixed shape of one pool band: its size-class
// step, its commit page size, and the address-space footprint of each
// division.
type poolGeometry struct {
	name         string
	blockStep    int
	pageSize     int
	divisionSize int
}

var (
	smallGeometry  = poolGeometry{"small", SmallBlockStep, SmallPageSize, smallDivisionSize}
	mediumGeometry = poolGeometry{"medium", MediumBlockStep, MediumPageSize, mediumDivisionSize}
)

func (g poolGeometry) blockSize(class int) int {
	return (class + 1) * g.blockStep
}

// classForSize returns the index of the smallest class whose blocks hold size
// bytes. size must be in (0, blockStep*ClassesPerPool].
func (g poolGeometry) classForSize(size int) int {
	return (size+g.blockStep-1)/g.blockStep - 1
}

func (g poolGeometry) pagesPerDivision() int {
	return g.divisionSize / g.pageSize
}

// blocksPerPage floors: classes whose block size does not divide the page size
// leave per-page slack, but blocks are still laid out contiguously from the
// division base.
func (g poolGeometry) blocksPerPage(class int) int {
	return g.pageSize / g.blockSize(class)
}

func (g poolGeometry) blocksPerDivision(class int) int {
	return g.pagesPerDivision() * g.blocksPerPage(class)
}

func (g poolGeometry) poolSize() int {
	return g.divisionSize * ClassesPerPool
}

func (g poolGeometry) recordCount() int {
	return g.pagesPerDivision() * ClassesPerPool
}

func (g poolGeometry) nodeCount() int {
	count := 0
	for class := 0; class < ClassesPerPool; class++ {
		count += g.blocksPerDivision(class)
	}
	return count
}

// recordsRegionSize is the byte footprint of one enclave's page records. It is
// a multiple of both pool page sizes, so the regions that follow it stay
// commit-aligned.
func recordsRegionSize() int {
	return (smallGeometry.recordCount() + mediumGeometry.recordCount()) * pageRecordSize
}

// nodesRegionSize is the byte footprint of one enclave's block nodes.
func nodesRegionSize() int {
	return (smallGeometry.nodeCount() + mediumGeometry.nodeCount()) * blockNodeSize
}

// enclaveStride is the total address space consumed by one enclave: the four
// pools followed by the page-record and block-node metadata regions.
func enclaveStride() int {
	return smallPoolSize + mediumPoolSize + largePoolSize + giantPoolSize +
		recordsRegionSize() + nodesRegionSize()
}
