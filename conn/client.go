package conn

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"

	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/errors"
)

// ConnectionFactory is the production Factory. It dials TCP and performs the
// GridKV handshake (AUTH / SELECT / CLIENT SETNAME / PING) on every new
// connection, using the settings from the master-slave config.
type ConnectionFactory struct {
	cfg conf.MasterSlaveConfig
}

func NewFactory(cfg conf.MasterSlaveConfig) *ConnectionFactory {
	return &ConnectionFactory{cfg: cfg}
}

func (f *ConnectionFactory) CreateClient(host string, port int, connectTimeout time.Duration) Client {
	return &client{
		host:           host,
		port:           port,
		connectTimeout: connectTimeout,
		cfg:            f.cfg,
	}
}

type client struct {
	host           string
	port           int
	connectTimeout time.Duration
	cfg            conf.MasterSlaveConfig
	lock           sync.Mutex
	conns          []*connection
}

func (c *client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *client) Connect() (Conn, error) {
	netConn, err := createNetConnection(c.Addr(), c.connectTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", c.Addr())
	}
	cc := &connection{
		addr:    c.Addr(),
		netConn: netConn,
		rd:      bufio.NewReader(netConn),
		wr:      bufio.NewWriter(netConn),
		timeout: c.cfg.Timeout,
	}
	cc.active.Store(true)
	if err := c.handshake(cc); err != nil {
		cc.CloseAsync()
		return nil, err
	}
	c.lock.Lock()
	c.conns = append(c.conns, cc)
	c.lock.Unlock()
	return cc, nil
}

func (c *client) handshake(cc *connection) error {
	if c.cfg.Password != "" {
		if _, err := cc.Sync("AUTH", c.cfg.Password); err != nil {
			return errors.Wrapf(err, "auth failed for %s", c.Addr())
		}
	}
	if c.cfg.Database != 0 {
		if _, err := cc.Sync("SELECT", strconv.Itoa(c.cfg.Database)); err != nil {
			return errors.Wrapf(err, "select database %d failed for %s", c.cfg.Database, c.Addr())
		}
	}
	if c.cfg.ClientName != "" {
		if _, err := cc.Sync("CLIENT", "SETNAME", c.cfg.ClientName); err != nil {
			return errors.Wrapf(err, "client setname failed for %s", c.Addr())
		}
	}
	pingTimeout := c.cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = c.cfg.Timeout
	}
	res, err := cc.syncWithTimeout(pingTimeout, "PING")
	if err != nil {
		return errors.Wrapf(err, "ping failed for %s", c.Addr())
	}
	if res != "PONG" {
		return errors.Errorf("unexpected ping reply %v from %s", res, c.Addr())
	}
	return nil
}

func (c *client) Shutdown() {
	c.lock.Lock()
	conns := c.conns
	c.conns = nil
	c.lock.Unlock()
	for _, cc := range conns {
		cc.CloseAsync()
	}
}

type connection struct {
	addr    string
	netConn net.Conn
	rd      *bufio.Reader
	wr      *bufio.Writer
	timeout time.Duration
	lock    sync.Mutex
	active  atomic.Bool
}

func (c *connection) Addr() string {
	return c.addr
}

func (c *connection) IsActive() bool {
	return c.active.Load()
}

func (c *connection) Sync(args ...string) (interface{}, error) {
	return c.syncWithTimeout(c.timeout, args...)
}

func (c *connection) syncWithTimeout(timeout time.Duration, args ...string) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.active.Load() {
		return nil, errors.NewConnectionClosedError(c.addr)
	}
	if timeout != 0 {
		if err := c.netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	if err := writeCommand(c.wr, args); err != nil {
		c.markDead(err)
		return nil, errors.Wrapf(err, "write to %s failed", c.addr)
	}
	res, err := readReply(c.rd)
	if err != nil {
		if se, ok := err.(serverError); ok {
			return nil, errors.NewServerError(se.msg)
		}
		c.markDead(err)
		return nil, errors.Wrapf(err, "read from %s failed", c.addr)
	}
	return res, nil
}

// markDead is called when an I/O error leaves the stream in an unknown
// state. The connection cannot be reused after that.
func (c *connection) markDead(err error) {
	if c.active.CAS(true, false) {
		log.Debugf("connection to %s failed: %v", c.addr, err)
		if cerr := c.netConn.Close(); cerr != nil {
			// Ignore - the peer may have closed first
		}
	}
}

func (c *connection) CloseAsync() {
	if !c.active.CAS(true, false) {
		return
	}
	go func() {
		if err := c.netConn.Close(); err != nil {
			// Ignore - the peer may have closed first
		}
	}()
}

func createNetConnection(addr string, connectTimeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := nc.(*net.TCPConn)
	if !ok {
		panic(fmt.Sprintf("not a tcp connection %v", nc))
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return nil, err
	}
	return nc, nil
}
