package conn

import (
	"strings"
	"sync"
	"time"

	"github.com/gridkv/gridkv-go/errors"
)

// FakeFactory is an in-memory connection layer used by tests. Each fake node
// is scripted with the CLUSTER NODES / CLUSTER INFO payloads it should serve
// and records every command it receives.
type FakeFactory struct {
	lock  sync.Mutex
	nodes map[string]*FakeNode
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{nodes: map[string]*FakeNode{}}
}

// AddNode registers a reachable fake node at addr (host:port form).
func (f *FakeFactory) AddNode(addr string) *FakeNode {
	f.lock.Lock()
	defer f.lock.Unlock()
	node := &FakeNode{
		addr:        addr,
		clusterInfo: "cluster_state:ok\r\ncluster_slots_assigned:16384\r\n",
		data:        map[string]string{},
	}
	f.nodes[addr] = node
	return node
}

// Node returns the fake node at addr, nil if none was added.
func (f *FakeFactory) Node(addr string) *FakeNode {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.nodes[addr]
}

func (f *FakeFactory) CreateClient(host string, port int, connectTimeout time.Duration) Client {
	addr := joinAddr(host, port)
	return &fakeClient{factory: f, addr: addr}
}

type fakeClient struct {
	factory *FakeFactory
	addr    string
	lock    sync.Mutex
	conns   []*fakeConn
}

func (c *fakeClient) Addr() string {
	return c.addr
}

func (c *fakeClient) Connect() (Conn, error) {
	node := c.factory.Node(c.addr)
	if node == nil {
		return nil, errors.NewClusterConnectionError("connection refused: " + c.addr)
	}
	node.lock.Lock()
	if node.unreachable {
		node.lock.Unlock()
		return nil, errors.NewClusterConnectionError("connection refused: " + c.addr)
	}
	node.connectCount++
	node.lock.Unlock()

	conn := &fakeConn{node: node, active: true}
	c.lock.Lock()
	c.conns = append(c.conns, conn)
	c.lock.Unlock()
	return conn, nil
}

// Shutdown closes the connections this client created, not every connection
// to the node.
func (c *fakeClient) Shutdown() {
	c.lock.Lock()
	conns := c.conns
	c.conns = nil
	c.lock.Unlock()
	for _, conn := range conns {
		conn.CloseAsync()
	}
}

// FakeNode scripts one endpoint of the fake cluster.
type FakeNode struct {
	lock         sync.Mutex
	addr         string
	unreachable  bool
	nodesValue   string
	clusterInfo  string
	data         map[string]string
	commands     [][]string
	connectCount int
}

// SetNodesValue scripts the CLUSTER NODES payload the node serves.
func (n *FakeNode) SetNodesValue(nodesValue string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.nodesValue = nodesValue
}

// SetClusterInfo scripts the CLUSTER INFO payload.
func (n *FakeNode) SetClusterInfo(info string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.clusterInfo = info
}

// SetUnreachable makes future dials fail and future commands on established
// connections return errors, as if the host dropped off the network.
func (n *FakeNode) SetUnreachable(unreachable bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.unreachable = unreachable
}

// Commands returns every command received, in order.
func (n *FakeNode) Commands() [][]string {
	n.lock.Lock()
	defer n.lock.Unlock()
	cmds := make([][]string, len(n.commands))
	copy(cmds, n.commands)
	return cmds
}

// ConnectCount returns how many connections were established.
func (n *FakeNode) ConnectCount() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.connectCount
}

// Put seeds a key so reads against the fake node succeed.
func (n *FakeNode) Put(key string, value string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.data[key] = value
}

type fakeConn struct {
	node   *FakeNode
	lock   sync.Mutex
	active bool
}

func (c *fakeConn) Addr() string {
	return c.node.addr
}

func (c *fakeConn) IsActive() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active
}

func (c *fakeConn) CloseAsync() {
	c.lock.Lock()
	c.active = false
	c.lock.Unlock()
}

func (c *fakeConn) Sync(args ...string) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	c.lock.Lock()
	if !c.active {
		c.lock.Unlock()
		return nil, errors.NewConnectionClosedError(c.node.addr)
	}
	c.lock.Unlock()

	n := c.node
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.unreachable {
		return nil, errors.NewConnectionClosedError(n.addr)
	}
	n.commands = append(n.commands, args)

	switch strings.ToUpper(args[0]) {
	case "CLUSTER":
		if len(args) < 2 {
			return nil, errors.NewServerError("ERR wrong number of arguments for 'cluster' command")
		}
		switch strings.ToUpper(args[1]) {
		case "NODES":
			return n.nodesValue, nil
		case "INFO":
			return n.clusterInfo, nil
		}
		return nil, errors.NewServerError("ERR unknown CLUSTER subcommand")
	case "PING":
		return "PONG", nil
	case "AUTH", "SELECT", "CLIENT":
		return "OK", nil
	case "GET":
		if len(args) != 2 {
			return nil, errors.NewServerError("ERR wrong number of arguments for 'get' command")
		}
		value, ok := n.data[args[1]]
		if !ok {
			return nil, nil
		}
		return value, nil
	case "SET":
		if len(args) != 3 {
			return nil, errors.NewServerError("ERR wrong number of arguments for 'set' command")
		}
		n.data[args[1]] = args[2]
		return "OK", nil
	case "DEL":
		if len(args) != 2 {
			return nil, errors.NewServerError("ERR wrong number of arguments for 'del' command")
		}
		if _, ok := n.data[args[1]]; ok {
			delete(n.data, args[1])
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, errors.NewServerError("ERR unknown command '" + args[0] + "'")
}
