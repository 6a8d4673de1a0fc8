package cluster

import (
	"github.com/google/btree"

	"github.com/gridkv/gridkv-go/conn"
	"github.com/gridkv/gridkv-go/sharder"
)

// registry maps the slot ranges currently served to their entries. One entry
// may appear under many slot ranges. A btree ordered by range start backs
// the slot -> entry lookup used on every command dispatch.
//
// The registry is not safe for concurrent use; the manager's lock covers it.
type registry struct {
	entries map[sharder.SlotRange]*conn.Entry
	index   *btree.BTree
}

type rangeItem struct {
	r sharder.SlotRange
}

func (i rangeItem) Less(than btree.Item) bool {
	return i.r.Start < than.(rangeItem).r.Start
}

func newRegistry() *registry {
	return &registry{
		entries: map[sharder.SlotRange]*conn.Entry{},
		index:   btree.New(3),
	}
}

// addEntry associates a range with an entry. The entry's own range set gains
// the range too. Re-adding an existing association is a no-op.
func (r *registry) addEntry(slotRange sharder.SlotRange, entry *conn.Entry) {
	r.entries[slotRange] = entry
	r.index.ReplaceOrInsert(rangeItem{r: slotRange})
	entry.AddSlotRange(slotRange)
}

// removeMaster detaches the entry from slotRange and returns it so the
// caller can decide whether to decommission it. Returns nil when the range
// is not registered.
func (r *registry) removeMaster(slotRange sharder.SlotRange) *conn.Entry {
	entry, ok := r.entries[slotRange]
	if !ok {
		return nil
	}
	delete(r.entries, slotRange)
	// the index is keyed by range start, so a newer range with the same start
	// may have replaced this one there; leave that one in place
	if item := r.index.Get(rangeItem{r: slotRange}); item != nil && item.(rangeItem).r == slotRange {
		r.index.Delete(rangeItem{r: slotRange})
	}
	return entry
}

// entryByRange returns the entry bound to exactly slotRange.
func (r *registry) entryByRange(slotRange sharder.SlotRange) *conn.Entry {
	return r.entries[slotRange]
}

// entryBySlot returns the entry whose range covers slot.
func (r *registry) entryBySlot(slot int) *conn.Entry {
	var found *conn.Entry
	r.index.DescendLessOrEqual(rangeItem{r: sharder.SlotRange{Start: slot}}, func(i btree.Item) bool {
		item := i.(rangeItem)
		if item.r.Contains(slot) {
			found = r.entries[item.r]
		}
		return false
	})
	return found
}

// entryByAddr returns the entry whose master is at addr (host:port form).
// Entries are matched by network address, not node id - after a failover the
// same entry serves a different node id at the promoted address.
func (r *registry) entryByAddr(addr string) *conn.Entry {
	for _, entry := range r.entries {
		if entry.MasterAddr() == addr {
			return entry
		}
	}
	return nil
}

// uniqueEntries returns the distinct entries in the registry.
func (r *registry) uniqueEntries() []*conn.Entry {
	seen := map[*conn.Entry]struct{}{}
	var entries []*conn.Entry
	for _, entry := range r.entries {
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		entries = append(entries, entry)
	}
	return entries
}

// slotRanges returns the registered ranges.
func (r *registry) slotRanges() []sharder.SlotRange {
	ranges := make([]sharder.SlotRange, 0, len(r.entries))
	for slotRange := range r.entries {
		ranges = append(ranges, slotRange)
	}
	return ranges
}

func (r *registry) size() int {
	return len(r.entries)
}
