package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/conn"
	"github.com/gridkv/gridkv-go/sharder"
)

func newRegistryEntry(t *testing.T, factory *conn.FakeFactory, addr string, ranges ...sharder.SlotRange) *conn.Entry {
	t.Helper()
	factory.AddNode(addr)
	host, port, err := conn.SplitAddr(addr)
	require.NoError(t, err)
	entry := conn.NewSingleEntry(ranges, conf.NewDefaultConfig().DeriveMasterSlaveConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry(host, port))
	return entry
}

func TestRegistrySlotLookup(t *testing.T) {
	factory := conn.NewFakeFactory()
	reg := newRegistry()

	r1 := sharder.SlotRange{Start: 0, End: 5460}
	r2 := sharder.SlotRange{Start: 5461, End: 10922}
	r3 := sharder.SlotRange{Start: 10923, End: 16383}
	e1 := newRegistryEntry(t, factory, "127.0.0.1:7000")
	e2 := newRegistryEntry(t, factory, "127.0.0.1:7001")

	reg.addEntry(r1, e1)
	reg.addEntry(r2, e2)
	reg.addEntry(r3, e1)

	require.Same(t, e1, reg.entryBySlot(0))
	require.Same(t, e1, reg.entryBySlot(5460))
	require.Same(t, e2, reg.entryBySlot(5461))
	require.Same(t, e2, reg.entryBySlot(10922))
	require.Same(t, e1, reg.entryBySlot(16383))

	// the entry's own range set tracks registration
	require.ElementsMatch(t, []sharder.SlotRange{r1, r3}, e1.SlotRanges())
}

func TestRegistrySlotLookupGap(t *testing.T) {
	factory := conn.NewFakeFactory()
	reg := newRegistry()
	e1 := newRegistryEntry(t, factory, "127.0.0.1:7000")
	reg.addEntry(sharder.SlotRange{Start: 100, End: 200}, e1)

	require.Nil(t, reg.entryBySlot(99))
	require.Nil(t, reg.entryBySlot(201))
	require.Same(t, e1, reg.entryBySlot(100))
}

func TestRegistryRemoveMaster(t *testing.T) {
	factory := conn.NewFakeFactory()
	reg := newRegistry()
	r := sharder.SlotRange{Start: 0, End: 100}
	e := newRegistryEntry(t, factory, "127.0.0.1:7000")
	reg.addEntry(r, e)

	removed := reg.removeMaster(r)
	require.Same(t, e, removed)
	require.Nil(t, reg.entryBySlot(50))
	require.Nil(t, reg.removeMaster(r))
	// removeMaster leaves the entry's own range set to the caller
	require.ElementsMatch(t, []sharder.SlotRange{r}, e.SlotRanges())
}

func TestRegistryEntryByAddr(t *testing.T) {
	factory := conn.NewFakeFactory()
	reg := newRegistry()
	e1 := newRegistryEntry(t, factory, "127.0.0.1:7000")
	e2 := newRegistryEntry(t, factory, "127.0.0.1:7001")
	reg.addEntry(sharder.SlotRange{Start: 0, End: 100}, e1)
	reg.addEntry(sharder.SlotRange{Start: 101, End: 200}, e2)

	require.Same(t, e1, reg.entryByAddr("127.0.0.1:7000"))
	require.Same(t, e2, reg.entryByAddr("127.0.0.1:7001"))
	require.Nil(t, reg.entryByAddr("127.0.0.1:7002"))
	require.Len(t, reg.uniqueEntries(), 2)
}
