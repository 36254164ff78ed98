package enclave

import (
	"log/slog"

	"github.com/quarrymem/quarry/memutils"
	"github.com/quarrymem/quarry/vmem"
)

// pool is one size band of an enclave: a division per size class, carved out
// of a contiguous slice of the enclave's address space. Division c serves
// blocks of (c+1)*blockStep bytes.
type pool struct {
	geometry  poolGeometry
	divisions [ClassesPerPool]pageList
}

// init carves bytes, pages and blocks into per-class divisions. bytes must be
// geometry.poolSize() long; pages and blocks must hold geometry.recordCount()
// and geometry.nodeCount() entries respectively.
func (p *pool) init(backend vmem.Backend, logger *slog.Logger, bytes []byte, pages []pageRecord, blocks []blockNode, geometry poolGeometry) {
	p.geometry = geometry

	pagesPerDivision := geometry.pagesPerDivision()
	nodeCursor := 0

	for class := 0; class < ClassesPerPool; class++ {
		divisionBytes := bytes[class*geometry.divisionSize : (class+1)*geometry.divisionSize]
		divisionPages := pages[class*pagesPerDivision : (class+1)*pagesPerDivision]

		nodeCt := geometry.blocksPerDivision(class)
		divisionBlocks := blocks[nodeCursor : nodeCursor+nodeCt]
		nodeCursor += nodeCt

		p.divisions[class].init(backend, logger, divisionBytes, divisionPages, divisionBlocks, geometry, class)
	}
}

// divisionForSize returns the division serving allocations of size bytes.
// size must be in (0, geometry.blockStep*ClassesPerPool].
func (p *pool) divisionForSize(size int) *pageList {
	return &p.divisions[p.geometry.classForSize(size)]
}

// divisionForBlock locates the division a live block belongs to from its
// address, or nil if the address does not lie in this pool.
func (p *pool) divisionForBlock(block []byte) *pageList {
	for class := range p.divisions {
		division := &p.divisions[class]
		if sliceWithin(division.bytes, block) {
			return division
		}
	}
	return nil
}

func (p *pool) addStatistics(stats *memutils.Statistics) {
	for class := range p.divisions {
		p.divisions[class].addStatistics(stats)
	}
}

func (p *pool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for class := range p.divisions {
		p.divisions[class].addDetailedStatistics(stats)
	}
}

func (p *pool) Validate() error {
	for class := range p.divisions {
		if err := p.divisions[class].Validate(); err != nil {
			return err
		}
	}
	return nil
}
