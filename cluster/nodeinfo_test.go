package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridkv/gridkv-go/sharder"
)

const threeNodeListing = "" +
	"07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30004 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected\n" +
	"e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 127.0.0.1:30001 myself,master - 0 0 1 connected 0-5460\n" +
	"6ec23923021cf3ffec47632106199cb7f496ce01 127.0.0.1:30002 master - 0 1426238316232 2 connected 5461-10922\n" +
	"824fe116063bc5fcf9f4ffd895bc17aee7731ac3 127.0.0.1:30003 master - 0 1426238317741 3 connected 10923-16383\n"

func TestParseNodes(t *testing.T) {
	nodes := ParseNodes(threeNodeListing)
	require.Len(t, nodes, 4)

	slave := nodes[0]
	require.Equal(t, "07c37dfeb235213a872192d90877d0cd55635b91", slave.NodeID)
	require.Equal(t, Addr{Host: "127.0.0.1", Port: 30004}, slave.Addr)
	require.True(t, slave.HasFlag(FlagSlave))
	require.False(t, slave.HasFlag(FlagMaster))
	require.Equal(t, "e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca", slave.MasterID)
	require.Empty(t, slave.SlotRanges)

	master := nodes[1]
	require.Equal(t, "e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca", master.NodeID)
	require.True(t, master.HasFlag(FlagMaster))
	require.True(t, master.HasFlag(FlagMyself))
	require.Equal(t, "", master.MasterID)
	require.Equal(t, []sharder.SlotRange{{Start: 0, End: 5460}}, master.SlotRanges)
}

func TestParseNodesFlagNormalisation(t *testing.T) {
	listing := "nodeid1 10.0.0.1:7000 master,fail? - 0 0 1 connected 0-100\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.True(t, nodes[0].HasFlag(FlagFail))
	require.True(t, nodes[0].HasFlag(FlagMaster))
}

func TestParseNodesUnknownFlagsDropped(t *testing.T) {
	listing := "nodeid1 10.0.0.1:7000 master,shiny,connected - 0 0 1 connected 0-100\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.Len(t, nodes[0].Flags, 1)
	require.True(t, nodes[0].HasFlag(FlagMaster))
}

func TestParseNodesNoAddr(t *testing.T) {
	listing := "nodeid1 :0 master,noaddr - 0 0 1 connected\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.True(t, nodes[0].HasFlag(FlagNoAddr))
}

func TestParseNodesBusPortStripped(t *testing.T) {
	listing := "nodeid1 10.0.0.1:7000@17000 master - 0 0 1 connected 0-100\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.Equal(t, Addr{Host: "10.0.0.1", Port: 7000}, nodes[0].Addr)
}

func TestParseNodesSlotForms(t *testing.T) {
	listing := "nodeid1 10.0.0.1:7000 master - 0 0 1 connected 0 42-42 5460-10922\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.Equal(t, []sharder.SlotRange{
		{Start: 0, End: 0},
		{Start: 42, End: 42},
		{Start: 5460, End: 10922},
	}, nodes[0].SlotRanges)
}

func TestParseNodesMigrationMarkersIgnored(t *testing.T) {
	listing := "nodeid1 10.0.0.1:7000 master - 0 0 1 connected 0-100 [101->-nodeid2] [102-<-nodeid3]\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.Equal(t, []sharder.SlotRange{{Start: 0, End: 100}}, nodes[0].SlotRanges)
}

func TestParseNodesMalformedLineSkipped(t *testing.T) {
	listing := "garbage line\n" +
		"nodeid1 10.0.0.1:7000 master - 0 0 1 connected 0-100\n" +
		"nodeid2 10.0.0.2:7000 master - 0 0 1 connected not-a-slot\n"
	nodes := ParseNodes(listing)
	require.Len(t, nodes, 1)
	require.Equal(t, "nodeid1", nodes[0].NodeID)
}

func TestParseNodesUnparseablePayload(t *testing.T) {
	require.Empty(t, ParseNodes("complete nonsense"))
	require.Empty(t, ParseNodes(""))
	require.Empty(t, ParseNodes("\n\n\n"))
}

func TestRenderParseRoundTrip(t *testing.T) {
	nodes := []NodeInfo{
		{
			NodeID: "nodeid1",
			Addr:   Addr{Host: "10.0.0.1", Port: 7000},
			Flags:  map[Flag]struct{}{FlagMyself: {}, FlagMaster: {}},
			SlotRanges: []sharder.SlotRange{
				{Start: 0, End: 5460},
				{Start: 16000, End: 16000},
			},
		},
		{
			NodeID:   "nodeid2",
			Addr:     Addr{Host: "10.0.0.2", Port: 7001},
			Flags:    map[Flag]struct{}{FlagSlave: {}},
			MasterID: "nodeid1",
		},
		{
			NodeID:     "nodeid3",
			Addr:       Addr{Host: "10.0.0.3", Port: 7002},
			Flags:      map[Flag]struct{}{FlagMaster: {}, FlagFail: {}},
			SlotRanges: []sharder.SlotRange{{Start: 5461, End: 16383}},
		},
	}
	reparsed := ParseNodes(RenderNodes(nodes))
	require.Equal(t, nodes, reparsed)
}
