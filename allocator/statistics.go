package allocator

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/vkforge/rendercore/internal/handles"
)

// Statistics are the coarse allocation totals maintained by the
// Allocator.
type Statistics struct {
	// BufferCount counts native buffer objects, including one per pool.
	BufferCount int
	// AllocationCount counts live allocations, standalone and pooled.
	AllocationCount int
	// PoolCount counts live buffer pools.
	PoolCount int
	// AllocatedBytes is the total backing device memory.
	AllocatedBytes int
	// UsedBytes is the portion of AllocatedBytes occupied by live
	// allocations and pool bump offsets.
	UsedBytes int
}

// TypeStatistics break allocation totals down for one BufferType.
type TypeStatistics struct {
	AllocationCount int
	AllocationBytes int
}

// DetailedStatistics extend Statistics with per-type breakdowns and
// allocation size extremes.
type DetailedStatistics struct {
	Statistics

	PerType [bufferTypeCount]TypeStatistics

	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) clear() {
	*s = DetailedStatistics{
		AllocationSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) addAllocation(alloc *BufferAllocation) {
	s.AllocationCount++
	s.PerType[alloc.Type].AllocationCount++
	s.PerType[alloc.Type].AllocationBytes += alloc.Size

	if alloc.Size < s.AllocationSizeMin {
		s.AllocationSizeMin = alloc.Size
	}
	if alloc.Size > s.AllocationSizeMax {
		s.AllocationSizeMax = alloc.Size
	}
}

// CalculateStatistics walks the live allocation table and pools to build
// a detailed report. It is a full traversal; prefer the counter accessors
// for per-frame checks.
func (a *Allocator) CalculateStatistics() DetailedStatistics {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats DetailedStatistics
	stats.clear()

	a.buffers.Range(func(_ handles.Handle, record *bufferRecord) bool {
		stats.addAllocation(&record.alloc)
		if record.pool == nil {
			stats.UsedBytes += record.alloc.Size
		}
		return true
	})

	stats.BufferCount = a.bufferCount
	stats.PoolCount = len(a.pools)
	stats.AllocatedBytes = a.totalAllocatedMemory

	for _, pool := range a.pools {
		stats.UsedBytes += pool.offset
	}

	if stats.AllocationCount == 0 {
		stats.AllocationSizeMin = 0
	}

	return stats
}

// BuildStatsString renders the allocator's current state as a JSON
// document for engine debug overlays and capture tooling.
func (a *Allocator) BuildStatsString() string {
	stats := a.CalculateStatistics()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	totals := obj.Name("Totals").Object()
	totals.Name("BufferCount").Int(stats.BufferCount)
	totals.Name("AllocationCount").Int(stats.AllocationCount)
	totals.Name("PoolCount").Int(stats.PoolCount)
	totals.Name("AllocatedBytes").Int(stats.AllocatedBytes)
	totals.Name("UsedBytes").Int(stats.UsedBytes)
	totals.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
	totals.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	totals.End()

	types := obj.Name("Types").Object()
	for bufferType := BufferType(0); bufferType < bufferTypeCount; bufferType++ {
		perType := stats.PerType[bufferType]
		if perType.AllocationCount == 0 {
			continue
		}

		typeObj := types.Name(bufferType.String()).Object()
		typeObj.Name("AllocationCount").Int(perType.AllocationCount)
		typeObj.Name("AllocationBytes").Int(perType.AllocationBytes)
		typeObj.End()
	}
	types.End()

	a.mutex.RLock()
	pools := obj.Name("Pools").Array()
	for _, pool := range a.pools {
		poolObj := pools.Object()
		poolObj.Name("Type").String(pool.bufferType.String())
		poolObj.Name("Size").Int(pool.size)
		poolObj.Name("Used").Int(pool.offset)
		poolObj.Name("AllocationCount").Int(pool.allocationCount)
		poolObj.End()
	}
	pools.End()
	a.mutex.RUnlock()

	obj.End()
	return string(writer.Bytes())
}
