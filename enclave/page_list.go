package enclave

import (
	"log/slog"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/quarrymem/quarry/memutils"
	"github.com/quarrymem/quarry/vmem"
)

// pageRecord tracks one commit-granularity page of a division. freeBlockCt is
// noIndex while the page is still uncommitted; once the page is live it counts
// the free blocks the page contributes to the division's free list. nextFree
// links uncommitted pages into the division's free-page list.
type pageRecord struct {
	freeBlockCt uint32
	nextFree    uint32
}

// blockNode is the out-of-band free-list link for one block. It only carries
// meaning while the block is free; live blocks hand their node back when they
// return to the free list.
type blockNode struct {
	nextFree uint32
}

// pageList is one division: a contiguous run of equally sized blocks, paged in
// on demand. Blocks are addressed by index; block i lives at byte offset
// i*blockSize from the division base, which may straddle a page boundary for
// classes whose block size does not divide the page size. Pages are consumed
// strictly in ascending order, so a block that begins on page p never extends
// into an uncommitted page.
type pageList struct {
	backend vmem.Backend
	logger  *slog.Logger

	// bytes is the division's address-space slice; pages and blocks are the
	// division's slices of the enclave's metadata regions.
	bytes  []byte
	pages  []pageRecord
	blocks []blockNode

	blockSize     int
	pageSize      int
	blocksPerPage uint32

	// freeBlock heads the LIFO free-block list; freePage heads the ordered
	// list of pages not yet committed.
	freeBlock uint32
	freePage  uint32

	pageCt     uint32
	freePageCt uint32
}

func (l *pageList) init(backend vmem.Backend, logger *slog.Logger, bytes []byte, pages []pageRecord, blocks []blockNode, geometry poolGeometry, class int) {
	l.backend = backend
	l.logger = logger
	l.bytes = bytes
	l.pages = pages
	l.blocks = blocks
	l.blockSize = geometry.blockSize(class)
	l.pageSize = geometry.pageSize
	l.blocksPerPage = uint32(geometry.blocksPerPage(class))
	l.freeBlock = noIndex
	l.freePage = 0
	l.pageCt = 0
	l.freePageCt = uint32(len(pages))

	for i := range l.pages {
		l.pages[i].freeBlockCt = noIndex
		l.pages[i].nextFree = uint32(i + 1)
	}
	l.pages[len(l.pages)-1].nextFree = noIndex
}

// alloc pops the head of the free-block list, expanding the division by one
// page when the list is empty. It returns the block's index.
func (l *pageList) alloc() (uint32, error) {
	memutils.DebugValidate(l)

	if l.freeBlock == noIndex {
		if err := l.expand(); err != nil {
			return noIndex, err
		}
	}

	index := l.freeBlock
	l.freeBlock = l.blocks[index].nextFree
	l.pages[index/l.blocksPerPage].freeBlockCt--

	return index, nil
}

// free pushes the block back onto the head of the free list. The next alloc of
// this size returns the most recently freed block.
func (l *pageList) free(index uint32) {
	l.blocks[index].nextFree = l.freeBlock
	l.freeBlock = index
	l.pages[index/l.blocksPerPage].freeBlockCt++

	memutils.DebugValidate(l)
}

// expand commits the next page in the free-page list and threads its blocks
// onto the free-block list. Commits happen before any list state changes, so a
// commit failure leaves the division exactly as it was and the caller may
// retry after freeing memory.
func (l *pageList) expand() error {
	page := l.freePage
	if page == noIndex {
		return cerrors.Newf("division of %d-byte blocks has no uncommitted pages left", l.blockSize)
	}

	pageBytes := l.bytes[int(page)*l.pageSize : int(page+1)*l.pageSize]
	if err := l.backend.Commit(pageBytes); err != nil {
		return cerrors.Wrapf(err, "failed to commit page %d of the %d-byte block division", page, l.blockSize)
	}

	if err := l.commitNodePage(page); err != nil {
		return cerrors.Wrapf(err, "failed to commit block metadata for page %d of the %d-byte block division", page, l.blockSize)
	}

	l.freePage = l.pages[page].nextFree
	l.freePageCt--
	l.pages[page].freeBlockCt = l.blocksPerPage
	l.pages[page].nextFree = noIndex

	first := page * l.blocksPerPage
	last := first + l.blocksPerPage
	for i := first; i < last-1; i++ {
		l.blocks[i].nextFree = i + 1
	}
	l.blocks[last-1].nextFree = noIndex
	l.freeBlock = first

	l.pageCt++

	if l.logger != nil {
		l.logger.Debug("committed a division page",
			slog.Int("blockSize", l.blockSize),
			slog.Int("page", int(page)),
			slog.Int("committedPages", int(l.pageCt)),
		)
	}

	return nil
}

// commitNodePage commits the metadata chunk backing the group of allocation
// pages that page belongs to. blockSize/4 consecutive pages share one
// pageSize-sized run of block nodes, so the commit happens once per group, on
// whichever page of the group is committed first. The trailing group of a
// division may be partial; its nodes were already covered by earlier chunks.
func (l *pageList) commitNodePage(page uint32) error {
	nodeSets := uint32(l.blockSize / blockNodeSize)
	groupStart := page - page%nodeSets
	groupEnd := groupStart + nodeSets
	if groupEnd > uint32(len(l.pages)) {
		groupEnd = uint32(len(l.pages))
	}

	for p := groupStart; p < groupEnd; p++ {
		if p != page && l.pages[p].freeBlockCt != noIndex {
			return nil
		}
	}

	nodesPerPage := uint32(l.pageSize / blockNodeSize)
	first := (groupStart / nodeSets) * nodesPerPage
	if first >= uint32(len(l.blocks)) {
		return nil
	}

	last := first + nodesPerPage
	if last > uint32(len(l.blocks)) {
		last = uint32(len(l.blocks))
	}

	return l.backend.Commit(nodesAsBytes(l.blocks[first:last]))
}

func nodesAsBytes(nodes []blockNode) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&nodes[0])), len(nodes)*blockNodeSize)
}

// Validate walks the free-block and free-page structures and checks them
// against the page records. It is wired into alloc and free under the
// debug_mem_utils build tag.
func (l *pageList) Validate() error {
	if l.pageCt+l.freePageCt != uint32(len(l.pages)) {
		return cerrors.Newf("committed pages %d + free pages %d != total pages %d", l.pageCt, l.freePageCt, len(l.pages))
	}

	committedBlocks := l.pageCt * l.blocksPerPage
	perPage := make([]uint32, len(l.pages))
	seen := make([]bool, committedBlocks)

	for index := l.freeBlock; index != noIndex; index = l.blocks[index].nextFree {
		if index >= committedBlocks {
			return cerrors.Newf("free list contains block %d, but only %d blocks are committed", index, committedBlocks)
		}
		if seen[index] {
			return cerrors.Newf("free list visits block %d twice", index)
		}
		seen[index] = true
		perPage[index/l.blocksPerPage]++
	}

	for p := range l.pages {
		if uint32(p) < l.pageCt {
			if l.pages[p].freeBlockCt != perPage[p] {
				return cerrors.Newf("page %d records %d free blocks but the free list holds %d", p, l.pages[p].freeBlockCt, perPage[p])
			}
		} else if l.pages[p].freeBlockCt != noIndex {
			return cerrors.Newf("page %d is uncommitted but records %d free blocks", p, l.pages[p].freeBlockCt)
		}
	}

	freePages := uint32(0)
	for p := l.freePage; p != noIndex; p = l.pages[p].nextFree {
		freePages++
		if freePages > uint32(len(l.pages)) {
			return cerrors.New("free-page list contains a cycle")
		}
	}
	if freePages != l.freePageCt {
		return cerrors.Newf("free-page list holds %d pages but the division records %d", freePages, l.freePageCt)
	}

	return nil
}

func (l *pageList) freeBlockCount() int {
	count := 0
	for p := uint32(0); p < l.pageCt; p++ {
		count += int(l.pages[p].freeBlockCt)
	}
	return count
}

func (l *pageList) addStatistics(stats *memutils.Statistics) {
	liveBlocks := int(l.pageCt*l.blocksPerPage) - l.freeBlockCount()

	stats.PageCount += int(l.pageCt)
	stats.PageBytes += int(l.pageCt) * l.pageSize
	stats.AllocationCount += liveBlocks
	stats.AllocationBytes += liveBlocks * l.blockSize
}

func (l *pageList) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	freeBlocks := l.freeBlockCount()
	liveBlocks := int(l.pageCt*l.blocksPerPage) - freeBlocks

	stats.PageCount += int(l.pageCt)
	stats.PageBytes += int(l.pageCt) * l.pageSize
	stats.FreeBlockCount += freeBlocks
	stats.AllocationCount += liveBlocks
	stats.AllocationBytes += liveBlocks * l.blockSize

	if liveBlocks > 0 {
		if l.blockSize < stats.AllocationSizeMin {
			stats.AllocationSizeMin = l.blockSize
		}
		if l.blockSize > stats.AllocationSizeMax {
			stats.AllocationSizeMax = l.blockSize
		}
	}
}
