package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/sharder"
)

func testEntryConfig() conf.MasterSlaveConfig {
	return conf.NewDefaultConfig().DeriveMasterSlaveConfig()
}

func TestSetupMasterEntry(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")

	entry := NewSingleEntry([]sharder.SlotRange{{Start: 0, End: 16383}}, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	require.Equal(t, "127.0.0.1:7000", entry.MasterAddr())

	cn, err := entry.WriteConn()
	require.NoError(t, err)
	res, err := cn.Sync("PING")
	require.NoError(t, err)
	require.Equal(t, "PONG", res)
}

func TestSetupMasterEntryUnreachable(t *testing.T) {
	factory := NewFakeFactory()
	entry := NewSingleEntry(nil, testEntryConfig(), factory)
	require.Error(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	_, err := entry.WriteConn()
	require.Error(t, err)
}

func TestEntrySlotRangeBookkeeping(t *testing.T) {
	factory := NewFakeFactory()
	r1 := sharder.SlotRange{Start: 0, End: 100}
	r2 := sharder.SlotRange{Start: 101, End: 200}
	entry := NewSingleEntry([]sharder.SlotRange{r1}, testEntryConfig(), factory)

	require.True(t, entry.HasSlotRanges())
	entry.AddSlotRange(r2)
	require.ElementsMatch(t, []sharder.SlotRange{r1, r2}, entry.SlotRanges())
	entry.RemoveSlotRange(r1)
	entry.RemoveSlotRange(r2)
	require.False(t, entry.HasSlotRanges())
}

func TestReadConnFromSlaves(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")
	factory.AddNode("127.0.0.1:7100")
	factory.AddNode("127.0.0.1:7101")

	entry := NewMasterSlaveEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	entry.AddSlave("127.0.0.1", 7100)
	entry.AddSlave("127.0.0.1", 7101)
	require.NoError(t, entry.SlaveUp("127.0.0.1", 7100, FreezeManager))
	require.NoError(t, entry.SlaveUp("127.0.0.1", 7101, FreezeManager))

	// round robin alternates between the two slaves
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		cn, err := entry.ReadConn()
		require.NoError(t, err)
		seen[cn.Addr()]++
	}
	require.Equal(t, map[string]int{"127.0.0.1:7100": 2, "127.0.0.1:7101": 2}, seen)
}

func TestReadConnFallsBackToMaster(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")
	factory.AddNode("127.0.0.1:7100")

	entry := NewMasterSlaveEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	entry.AddSlave("127.0.0.1", 7100)
	require.NoError(t, entry.SlaveUp("127.0.0.1", 7100, FreezeManager))

	cn, err := entry.ReadConn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7100", cn.Addr())

	entry.SlaveDown("127.0.0.1", 7100, FreezeManager)
	cn, err = entry.ReadConn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cn.Addr())

	// bringing the slave back restores slave reads
	require.NoError(t, entry.SlaveUp("127.0.0.1", 7100, FreezeManager))
	cn, err = entry.ReadConn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7100", cn.Addr())
}

func TestSlaveDownUnknownAddressIsNoop(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")
	entry := NewMasterSlaveEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	require.False(t, entry.SlaveDown("127.0.0.1", 9999, FreezeManager))
}

func TestInitSlaveBalancer(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")
	factory.AddNode("127.0.0.1:7100")
	// 127.0.0.1:7101 left unreachable

	cfg := testEntryConfig()
	cfg.SlaveAddresses = []string{"127.0.0.1:7100", "127.0.0.1:7101"}
	entry := NewMasterSlaveEntry(nil, cfg, factory)
	entry.InitSlaveBalancer()
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))

	require.ElementsMatch(t, []string{"127.0.0.1:7100", "127.0.0.1:7101"}, entry.SlaveAddrs())

	// only the reachable slave serves reads
	for i := 0; i < 3; i++ {
		cn, err := entry.ReadConn()
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:7100", cn.Addr())
	}
}

func TestChangeMaster(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")
	factory.AddNode("127.0.0.1:7001")

	entry := NewSingleEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	oldConn, err := entry.WriteConn()
	require.NoError(t, err)

	require.NoError(t, entry.ChangeMaster("127.0.0.1", 7001))
	require.Equal(t, "127.0.0.1:7001", entry.MasterAddr())

	// the previous master connection is closed rather than left to idle out
	require.False(t, oldConn.IsActive())
	cn, err := entry.WriteConn()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7001", cn.Addr())
}

func TestChangeMasterFailureKeepsCurrent(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")

	entry := NewSingleEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))

	require.Error(t, entry.ChangeMaster("127.0.0.1", 9999))
	require.Equal(t, "127.0.0.1:7000", entry.MasterAddr())
	cn, err := entry.WriteConn()
	require.NoError(t, err)
	require.True(t, cn.IsActive())
}

func TestShutdownMasterAsync(t *testing.T) {
	factory := NewFakeFactory()
	factory.AddNode("127.0.0.1:7000")

	entry := NewSingleEntry(nil, testEntryConfig(), factory)
	require.NoError(t, entry.SetupMasterEntry("127.0.0.1", 7000))
	cn, err := entry.WriteConn()
	require.NoError(t, err)

	entry.ShutdownMasterAsync()
	require.False(t, cn.IsActive())
	_, err = entry.WriteConn()
	require.Error(t, err)
}
