package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridkv/gridkv-go/cluster"
	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/conn"
	"github.com/gridkv/gridkv-go/errors"
)

const (
	addrA = "127.0.0.1:7000"
	addrB = "127.0.0.1:7001"
	addrC = "127.0.0.1:7002"
)

const fullListing = "" +
	"idA " + addrA + " master - 0 0 1 connected 0-5460\n" +
	"idB " + addrB + " master - 0 0 2 connected 5461-10922\n" +
	"idC " + addrC + " master - 0 0 3 connected 10923-16383\n"

func startClient(t *testing.T, listing string) (*conn.FakeFactory, *Client) {
	t.Helper()
	factory := conn.NewFakeFactory()
	for _, addr := range []string{addrA, addrB, addrC} {
		factory.AddNode(addr).SetNodesValue(listing)
	}
	cfg := *conf.NewDefaultConfig()
	cfg.NodeAddresses = []string{addrA}
	cfg.ScanInterval = time.Hour
	mgr, err := cluster.NewManager(cfg, factory, nil)
	require.NoError(t, err)
	cl := NewWithManager(mgr)
	t.Cleanup(cl.Close)
	return factory, cl
}

func TestGetSetDel(t *testing.T) {
	_, cl := startClient(t, fullListing)

	_, ok, err := cl.Get("foo")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cl.Set("foo", "bar"))
	value, ok, err := cl.Get("foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bar", value)

	existed, err := cl.Del("foo")
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = cl.Del("foo")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestCommandsRouteBySlot(t *testing.T) {
	factory, cl := startClient(t, fullListing)

	// "foo" hashes to slot 12182, served by the third master
	require.Equal(t, 12182, cl.CalcSlot("foo"))
	require.NoError(t, cl.Set("foo", "bar"))

	var gotSet bool
	for _, cmd := range factory.Node(addrC).Commands() {
		if cmd[0] == "SET" && cmd[1] == "foo" {
			gotSet = true
		}
	}
	require.True(t, gotSet, "SET foo should land on the master owning slot 12182")
}

func TestTopologyGapSurfacesUnknownEntry(t *testing.T) {
	partialListing := "" +
		"idA " + addrA + " master - 0 0 1 connected 0-5460\n" +
		"idB " + addrB + " master - 0 0 2 connected 5461-10922\n"
	_, cl := startClient(t, partialListing)

	// "foo" hashes into the uncovered range
	_, _, err := cl.Get("foo")
	require.Error(t, err)
	var gerr errors.GridError
	require.True(t, errors.As(err, &gerr))
	require.Equal(t, errors.UnknownEntry, gerr.Code)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, cl := startClient(t, fullListing)
	cl.Close()
	cl.Close()
	_, _, err := cl.Get("foo")
	require.Error(t, err)
}
