package enclave

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/quarrymem/quarry/memutils"
)

// BuildStatsString renders the System's occupancy as a JSON document. With
// detailed set, per-division free-block and uncommitted-page counts and the
// total's live allocation size range are included. Detailed statistics are
// collected, walking every committed page record, whichever way detailed is
// set.
func (s *System) BuildStatsString(detailed bool) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()

	var total memutils.DetailedStatistics
	total.Clear()
	s.DetailedStatistics(&total)
	writeDetailedStatistics(obj.Name("Total").Object(), &total, detailed)

	enclaves := obj.Name("Enclaves").Object()
	for enclave := range s.allocators {
		enclaveObj := enclaves.Name(strconv.Itoa(enclave)).Object()

		s.smallPools[enclave].writeStats(enclaveObj.Name("Small").Object(), detailed)
		s.mediumPools[enclave].writeStats(enclaveObj.Name("Medium").Object(), detailed)

		enclaveObj.End()
	}
	enclaves.End()

	obj.End()
	return w.Bytes(), w.Error()
}

func (p *pool) writeStats(obj jwriter.ObjectState, detailed bool) {
	defer obj.End()

	for class := range p.divisions {
		division := &p.divisions[class]

		divObj := obj.Name(strconv.Itoa(division.blockSize)).Object()

		var stats memutils.DetailedStatistics
		stats.Clear()
		division.addDetailedStatistics(&stats)
		writeDivisionStatistics(divObj, division, &stats, detailed)

		divObj.End()
	}
}

func writeDivisionStatistics(obj jwriter.ObjectState, division *pageList, stats *memutils.DetailedStatistics, detailed bool) {
	obj.Name("CommittedPages").Int(stats.PageCount)
	obj.Name("CommittedBytes").Int(stats.PageBytes)
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("AllocatedBytes").Int(stats.AllocationBytes)

	if detailed {
		obj.Name("FreeBlocks").Int(stats.FreeBlockCount)
		obj.Name("UncommittedPages").Int(int(division.freePageCt))
	}
}

func writeDetailedStatistics(obj jwriter.ObjectState, stats *memutils.DetailedStatistics, detailed bool) {
	defer obj.End()

	obj.Name("CommittedPages").Int(stats.PageCount)
	obj.Name("CommittedBytes").Int(stats.PageBytes)
	obj.Name("Allocations").Int(stats.AllocationCount)
	obj.Name("AllocatedBytes").Int(stats.AllocationBytes)

	if detailed {
		obj.Name("FreeBlocks").Int(stats.FreeBlockCount)
		if stats.AllocationCount > 0 {
			obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
			obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
		}
	}
}
