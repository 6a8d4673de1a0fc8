package conn

import (
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/errors"
	"github.com/gridkv/gridkv-go/sharder"
)

// Entry owns the connections serving one partition's worth of traffic: the
// master connection and, when reads from slaves are enabled, a set of slave
// connections fronted by a load balancer. The entry tracks which slot ranges
// it currently serves; the topology manager mutates that set as slots migrate
// and shuts the entry down once the set becomes empty.
//
// The entry holds no reference back to the topology manager. Slot range
// bookkeeping flows in through AddSlotRange/RemoveSlotRange and out through
// return values only.
type Entry struct {
	cfg            conf.MasterSlaveConfig
	factory        Factory
	balancer       Balancer
	readFromSlaves bool

	lock         sync.Mutex
	masterClient Client
	masterConn   Conn
	slotRanges   map[sharder.SlotRange]struct{}
	slaves       []*slaveEntry
	shutdown     bool
}

type slaveEntry struct {
	addr         string
	client       Client
	conn         Conn
	freezeReason FreezeReason // 0 means up
}

// NewSingleEntry creates a master-only entry.
func NewSingleEntry(slotRanges []sharder.SlotRange, cfg conf.MasterSlaveConfig, factory Factory) *Entry {
	return newEntry(slotRanges, cfg, factory, false)
}

// NewMasterSlaveEntry creates an entry that serves reads from slaves.
func NewMasterSlaveEntry(slotRanges []sharder.SlotRange, cfg conf.MasterSlaveConfig, factory Factory) *Entry {
	return newEntry(slotRanges, cfg, factory, true)
}

func newEntry(slotRanges []sharder.SlotRange, cfg conf.MasterSlaveConfig, factory Factory, readFromSlaves bool) *Entry {
	ranges := make(map[sharder.SlotRange]struct{}, len(slotRanges))
	for _, r := range slotRanges {
		ranges[r] = struct{}{}
	}
	return &Entry{
		cfg:            cfg,
		factory:        factory,
		balancer:       NewBalancer(cfg.LoadBalancer),
		readFromSlaves: readFromSlaves,
		slotRanges:     ranges,
	}
}

// SetupMasterEntry connects the master endpoint. The entry is unusable until
// this succeeds.
func (e *Entry) SetupMasterEntry(host string, port int) error {
	client := e.factory.CreateClient(host, port, e.cfg.ConnectTimeout)
	conn, err := client.Connect()
	if err != nil {
		client.Shutdown()
		return errors.Wrapf(err, "failed to set up master %s", client.Addr())
	}
	e.lock.Lock()
	e.masterClient = client
	e.masterConn = conn
	e.lock.Unlock()
	return nil
}

// InitSlaveBalancer connects the slave endpoints from the entry config.
// Slaves that cannot be reached are left frozen with reason RECONNECT and stay
// out of rotation until a later SlaveUp for them succeeds; nothing retries
// them automatically.
func (e *Entry) InitSlaveBalancer() {
	var wg sync.WaitGroup
	for _, addr := range e.cfg.SlaveAddresses {
		host, port, err := SplitAddr(addr)
		if err != nil {
			log.Warnf("skipping malformed slave address %q: %v", addr, err)
			continue
		}
		e.AddSlave(host, port)
		wg.Add(1)
		go func(host string, port int) {
			defer wg.Done()
			if err := e.SlaveUp(host, port, FreezeReconnect); err != nil {
				log.Warnf("failed to connect slave %s:%d: %v", host, port, err)
			}
		}(host, port)
	}
	wg.Wait()
}

// AddSlave registers a slave endpoint. The slave starts frozen; SlaveUp
// connects it and puts it into rotation.
func (e *Entry) AddSlave(host string, port int) {
	addr := joinAddr(host, port)
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.findSlave(addr) != nil {
		return
	}
	e.slaves = append(e.slaves, &slaveEntry{
		addr:         addr,
		client:       e.factory.CreateClient(host, port, e.cfg.ConnectTimeout),
		freezeReason: FreezeSystem,
	})
}

// SlaveUp connects the slave if necessary and unfreezes it.
func (e *Entry) SlaveUp(host string, port int, reason FreezeReason) error {
	addr := joinAddr(host, port)
	e.lock.Lock()
	slave := e.findSlave(addr)
	if slave == nil {
		e.lock.Unlock()
		return errors.NewUnknownSlaveError(addr)
	}
	client := slave.client
	needsConn := slave.conn == nil || !slave.conn.IsActive()
	e.lock.Unlock()

	var conn Conn
	if needsConn {
		var err error
		conn, err = client.Connect()
		if err != nil {
			e.lock.Lock()
			slave.freezeReason = FreezeReconnect
			e.lock.Unlock()
			return errors.Wrapf(err, "failed to bring up slave %s", addr)
		}
	}

	e.lock.Lock()
	if conn != nil {
		slave.conn = conn
	}
	slave.freezeReason = 0
	e.lock.Unlock()
	log.Debugf("slave %s up, reason %s", addr, reason)
	return nil
}

// SlaveDown freezes the slave with the given reason and closes its
// connection in the background. Unknown addresses are a no-op - a failed
// over master is reported down here before it was ever registered as a
// slave.
func (e *Entry) SlaveDown(host string, port int, reason FreezeReason) bool {
	addr := joinAddr(host, port)
	e.lock.Lock()
	slave := e.findSlave(addr)
	if slave == nil {
		e.lock.Unlock()
		log.Debugf("slave down for unknown address %s, reason %s", addr, reason)
		return false
	}
	slave.freezeReason = reason
	conn := slave.conn
	slave.conn = nil
	e.lock.Unlock()
	if conn != nil {
		conn.CloseAsync()
	}
	log.Debugf("slave %s down, reason %s", addr, reason)
	return true
}

// findSlave must be called with the lock held.
func (e *Entry) findSlave(addr string) *slaveEntry {
	for _, s := range e.slaves {
		if s.addr == addr {
			return s
		}
	}
	return nil
}

// SlaveAddrs returns the registered slave addresses, frozen ones included.
func (e *Entry) SlaveAddrs() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	addrs := make([]string, len(e.slaves))
	for i, s := range e.slaves {
		addrs[i] = s.addr
	}
	return addrs
}

// ChangeMaster retargets the entry to a new master endpoint. The new master
// is connected before the old one is dropped; on connect failure the entry
// keeps its current master. The previous master connection is closed in the
// background rather than left to idle out.
func (e *Entry) ChangeMaster(host string, port int) error {
	client := e.factory.CreateClient(host, port, e.cfg.ConnectTimeout)
	conn, err := client.Connect()
	if err != nil {
		client.Shutdown()
		return errors.Wrapf(err, "failed to change master to %s", client.Addr())
	}
	e.lock.Lock()
	oldClient := e.masterClient
	oldConn := e.masterConn
	e.masterClient = client
	e.masterConn = conn
	e.lock.Unlock()
	if oldConn != nil {
		oldConn.CloseAsync()
	}
	if oldClient != nil {
		oldClient.Shutdown()
	}
	return nil
}

func (e *Entry) AddSlotRange(r sharder.SlotRange) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.slotRanges[r] = struct{}{}
}

func (e *Entry) RemoveSlotRange(r sharder.SlotRange) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.slotRanges, r)
}

func (e *Entry) SlotRanges() []sharder.SlotRange {
	e.lock.Lock()
	defer e.lock.Unlock()
	ranges := make([]sharder.SlotRange, 0, len(e.slotRanges))
	for r := range e.slotRanges {
		ranges = append(ranges, r)
	}
	return ranges
}

func (e *Entry) HasSlotRanges() bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.slotRanges) > 0
}

// Client returns the master client, nil before SetupMasterEntry succeeds.
func (e *Entry) Client() Client {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.masterClient
}

// MasterAddr returns the master endpoint, "" before setup.
func (e *Entry) MasterAddr() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.masterClient == nil {
		return ""
	}
	return e.masterClient.Addr()
}

// WriteConn returns the master connection.
func (e *Entry) WriteConn() (Conn, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.shutdown || e.masterConn == nil || !e.masterConn.IsActive() {
		return nil, errors.NewGridErrorf(errors.EntryShutdown, "master connection for %s is unavailable", e.masterAddrLocked())
	}
	return e.masterConn, nil
}

// ReadConn returns a slave connection chosen by the balancer, falling back
// to the master when no slave is up.
func (e *Entry) ReadConn() (Conn, error) {
	if !e.readFromSlaves {
		return e.WriteConn()
	}
	e.lock.Lock()
	var up []*slaveEntry
	for _, s := range e.slaves {
		if s.freezeReason == 0 && s.conn != nil && s.conn.IsActive() {
			up = append(up, s)
		}
	}
	if len(up) > 0 {
		conn := up[e.balancer.Next(len(up))].conn
		e.lock.Unlock()
		return conn, nil
	}
	e.lock.Unlock()
	return e.WriteConn()
}

// masterAddrLocked must be called with the lock held.
func (e *Entry) masterAddrLocked() string {
	if e.masterClient == nil {
		return "?"
	}
	return e.masterClient.Addr()
}

// ShutdownMasterAsync closes the master connection in the background. Called
// by the topology manager when the entry's last slot range is reassigned away.
func (e *Entry) ShutdownMasterAsync() {
	e.lock.Lock()
	client := e.masterClient
	conn := e.masterConn
	e.masterConn = nil
	e.shutdown = true
	e.lock.Unlock()
	if conn != nil {
		conn.CloseAsync()
	}
	if client != nil {
		go client.Shutdown()
	}
}

// ShutdownAsync tears down the master and every slave connection.
func (e *Entry) ShutdownAsync() {
	e.ShutdownMasterAsync()
	e.lock.Lock()
	slaves := e.slaves
	e.slaves = nil
	e.lock.Unlock()
	for _, s := range slaves {
		if s.conn != nil {
			s.conn.CloseAsync()
		}
		go s.client.Shutdown()
	}
}

func joinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
