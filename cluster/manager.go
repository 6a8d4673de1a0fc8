package cluster

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"

	"github.com/gridkv/gridkv-go/conf"
	"github.com/gridkv/gridkv-go/conn"
	"github.com/gridkv/gridkv-go/errors"
	"github.com/gridkv/gridkv-go/metrics"
	"github.com/gridkv/gridkv-go/sharder"
)

// Manager discovers the cluster layout from the configured seed list and
// keeps the local slot map in step with the cluster. A background job
// refetches CLUSTER NODES at a fixed delay and applies the minimal diff to
// the connection entries: master failovers first, then slave set changes,
// then slot migrations, so that slot moves always observe the post-failover
// topology.
//
// lastPartitions is the authoritative local view; the registry mirrors it
// with live entries. Between reconciliation ticks the two always agree on
// their key sets. A single lock covers both maps and the probe connection
// cache; per-entry state is guarded by the entry itself.
type Manager struct {
	cfg     conf.Config
	msCfg   conf.MasterSlaveConfig
	factory conn.Factory

	lock           sync.Mutex
	lastPartitions map[sharder.SlotRange]*Partition
	reg            *registry
	nodeConns      map[Addr]*probeConn
	timer          *time.Timer
	stopped        atomic.Bool

	ticks            metrics.Counter
	probeFailures    metrics.Counter
	failovers        metrics.Counter
	slotsMoved       metrics.Counter
	entriesCreated   metrics.Counter
	entriesDestroyed metrics.Counter
}

// probeConn is one cached probe connection together with the client that
// created it, so shutdown can tear both down.
type probeConn struct {
	client conn.Client
	c      conn.Conn
}

// NewManager bootstraps the slot map from the seed list and starts the
// reconciliation job. It fails with a cluster connection error if no seed
// yields any registered slot range - the client refuses to start with an
// empty routing table.
func NewManager(cfg conf.Config, factory conn.Factory, metricsFactory metrics.Factory) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metricsFactory == nil {
		metricsFactory = metrics.NewNoopFactory()
	}
	m := &Manager{
		cfg:            cfg,
		msCfg:          cfg.DeriveMasterSlaveConfig(),
		factory:        factory,
		lastPartitions: map[sharder.SlotRange]*Partition{},
		reg:            newRegistry(),
		nodeConns:      map[Addr]*probeConn{},
	}
	if err := m.createCounters(metricsFactory); err != nil {
		return nil, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, seed := range cfg.NodeAddresses {
		addr, err := ParseAddr(seed)
		if err != nil {
			return nil, errors.NewInvalidConfigurationError("malformed seed address " + seed)
		}
		c := m.connect(addr, true)
		if c == nil {
			continue
		}
		nodesValue, err := m.fetchNodes(addr, c)
		if err != nil {
			continue
		}
		partitions := BuildPartitions(ParseNodes(nodesValue))
		if len(partitions) == 0 {
			continue
		}
		for _, partition := range partitions {
			m.addMasterEntry(partition, true)
		}
		break
	}

	if len(m.lastPartitions) == 0 {
		m.closeProbeConns()
		return nil, errors.NewClusterConnectionError("Can't connect to servers!")
	}

	m.timer = time.AfterFunc(cfg.ScanInterval, m.reconcileTick)
	return m, nil
}

func (m *Manager) createCounters(factory metrics.Factory) error {
	var err error
	if m.ticks, err = factory.CreateCounter("gridkv_reconcile_ticks_total", "Reconciliation ticks executed"); err != nil {
		return err
	}
	if m.probeFailures, err = factory.CreateCounter("gridkv_probe_failures_total", "Failed probe connection attempts"); err != nil {
		return err
	}
	if m.failovers, err = factory.CreateCounter("gridkv_failovers_total", "Master failovers applied"); err != nil {
		return err
	}
	if m.slotsMoved, err = factory.CreateCounter("gridkv_slot_ranges_moved_total", "Slot ranges migrated between masters"); err != nil {
		return err
	}
	if m.entriesCreated, err = factory.CreateCounter("gridkv_entries_created_total", "Master entries created"); err != nil {
		return err
	}
	if m.entriesDestroyed, err = factory.CreateCounter("gridkv_entries_destroyed_total", "Master entries destroyed"); err != nil {
		return err
	}
	return nil
}

// CalcSlot returns the slot for key.
func (m *Manager) CalcSlot(key string) int {
	return sharder.CalcSlot(key)
}

// GetEntry returns the entry serving slot, nil if the topology currently has
// a gap there.
func (m *Manager) GetEntry(slot int) *conn.Entry {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reg.entryBySlot(slot)
}

// GetEntryByRange returns the entry bound to exactly slotRange.
func (m *Manager) GetEntryByRange(slotRange sharder.SlotRange) *conn.Entry {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reg.entryByRange(slotRange)
}

// PartitionView is a read-only snapshot of one partition, as exposed to
// diagnostics and the CLI.
type PartitionView struct {
	NodeID     string
	MasterAddr Addr
	SlaveAddrs []Addr
	SlotRanges []sharder.SlotRange
	MasterFail bool
}

// Partitions returns a snapshot of the current partitions.
func (m *Manager) Partitions() []PartitionView {
	m.lock.Lock()
	defer m.lock.Unlock()
	var views []PartitionView
	for _, p := range m.uniquePartitions() {
		views = append(views, PartitionView{
			NodeID:     p.NodeID(),
			MasterAddr: p.MasterAddr(),
			SlaveAddrs: p.SlaveAddrs(),
			SlotRanges: p.SlotRanges(),
			MasterFail: p.MasterFail(),
		})
	}
	return views
}

// connect returns a probe connection to addr, reusing a cached one if
// present. The cache deliberately does not re-check liveness on a hit - it
// is a cheap reuse cache, not a health tracker; callers that discover a dead
// reused connection evict it and retry. Must be called with the lock held.
func (m *Manager) connect(addr Addr, suppressLogs bool) conn.Conn {
	if pc, ok := m.nodeConns[addr]; ok {
		return pc.c
	}
	client := m.factory.CreateClient(addr.Host, addr.Port, m.cfg.ConnectTimeout)
	c, err := client.Connect()
	if err != nil {
		if !suppressLogs {
			log.Warnf("failed to connect to cluster node %s: %v", addr, err)
		}
		client.Shutdown()
		delete(m.nodeConns, addr)
		return nil
	}
	if !c.IsActive() {
		if !suppressLogs {
			log.Warnf("connection to %s is not active!", addr)
		}
		c.CloseAsync()
		client.Shutdown()
		delete(m.nodeConns, addr)
		return nil
	}
	m.nodeConns[addr] = &probeConn{client: client, c: c}
	return c
}

// fetchNodes issues CLUSTER NODES on a probe connection. A failure evicts
// the connection from the cache - it was likely a stale cached connection to
// a node that has since gone away.
func (m *Manager) fetchNodes(addr Addr, c conn.Conn) (string, error) {
	res, err := c.Sync("CLUSTER", "NODES")
	if err != nil {
		m.evict(addr)
		return "", err
	}
	nodesValue, ok := res.(string)
	if !ok {
		return "", errors.Errorf("unexpected CLUSTER NODES reply type %T from %s", res, addr)
	}
	return nodesValue, nil
}

// evict drops the cached probe connection for addr. Must be called with the
// lock held.
func (m *Manager) evict(addr Addr) {
	pc, ok := m.nodeConns[addr]
	if !ok {
		return
	}
	delete(m.nodeConns, addr)
	pc.c.CloseAsync()
	pc.client.Shutdown()
}

// addMasterEntry creates and registers the entry for one partition. All
// failures are treated as transient: the partition is simply left out of the
// registry and the next reconciliation tick re-attempts it. Must be called
// with the lock held.
func (m *Manager) addMasterEntry(partition *Partition, suppressLogs bool) {
	if partition.MasterFail() {
		if !suppressLogs {
			log.Warnf("failed to add master %s for slot ranges %v, server has FAIL flag",
				partition.MasterAddr(), partition.SlotRanges())
		}
		return
	}
	c := m.connect(partition.MasterAddr(), suppressLogs)
	if c == nil {
		return
	}
	state, err := m.clusterState(partition.MasterAddr(), c)
	if err != nil {
		if !suppressLogs {
			log.Warnf("failed to fetch cluster info from %s: %v", partition.MasterAddr(), err)
		}
		return
	}
	if state == "fail" {
		if !suppressLogs {
			log.Warnf("failed to add master %s for slot ranges %v, cluster_state:fail",
				partition.MasterAddr(), partition.SlotRanges())
		}
		return
	}

	msCfg := m.msCfg
	msCfg.MasterAddress = partition.MasterAddr().String()
	var entry *conn.Entry
	if m.cfg.ReadFromSlaves {
		slaveAddrs := partition.SlaveAddrs()
		msCfg.SlaveAddresses = make([]string, len(slaveAddrs))
		for i, addr := range slaveAddrs {
			msCfg.SlaveAddresses[i] = addr.String()
		}
		entry = conn.NewMasterSlaveEntry(partition.SlotRanges(), msCfg, m.factory)
		entry.InitSlaveBalancer()
		log.Infof("slaves %v added for slot ranges %v", msCfg.SlaveAddresses, partition.SlotRanges())
	} else {
		entry = conn.NewSingleEntry(partition.SlotRanges(), msCfg, m.factory)
	}

	if err := entry.SetupMasterEntry(partition.MasterAddr().Host, partition.MasterAddr().Port); err != nil {
		if !suppressLogs {
			log.Warnf("failed to set up master entry for %s: %v", partition.MasterAddr(), err)
		}
		return
	}
	for _, slotRange := range partition.SlotRanges() {
		m.reg.addEntry(slotRange, entry)
		m.lastPartitions[slotRange] = partition
	}
	m.entriesCreated.Inc()
	log.Infof("master %s added for slot ranges %v", partition.MasterAddr(), partition.SlotRanges())
}

// clusterState fetches CLUSTER INFO and returns the cluster_state value.
func (m *Manager) clusterState(addr Addr, c conn.Conn) (string, error) {
	res, err := c.Sync("CLUSTER", "INFO")
	if err != nil {
		m.evict(addr)
		return "", err
	}
	info, ok := res.(string)
	if !ok {
		return "", errors.Errorf("unexpected CLUSTER INFO reply type %T from %s", res, addr)
	}
	return parseClusterInfo(info)["cluster_state"], nil
}

// parseClusterInfo parses the "key:value" lines of a CLUSTER INFO reply.
func parseClusterInfo(info string) map[string]string {
	params := map[string]string{}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = kv[1]
	}
	return params
}

// reconcileTick is one scheduled execution of the diff-and-apply cycle. The
// next tick is scheduled only after this one returns, so a slow tick never
// causes a burst. Errors never propagate to the scheduler.
func (m *Manager) reconcileTick() {
	if m.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("reconciliation tick panicked: %v", r)
		}
		m.scheduleTick()
	}()
	m.lock.Lock()
	defer m.lock.Unlock()
	m.ticks.Inc()
	m.doReconcile()
}

func (m *Manager) scheduleTick() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.stopped.Load() {
		return
	}
	m.timer = time.AfterFunc(m.cfg.ScanInterval, m.reconcileTick)
}

// doReconcile probes the known partitions for any live address, fetches a
// fresh CLUSTER NODES listing from the first one that answers and applies
// the diffs. If nothing is reachable the tick is a no-op beyond probe cache
// evictions. Must be called with the lock held.
func (m *Manager) doReconcile() {
	for _, partition := range m.uniquePartitions() {
		for _, addr := range partition.AllAddrs() {
			c := m.connect(addr, false)
			if c == nil {
				m.probeFailures.Inc()
				continue
			}
			nodesValue, err := m.fetchNodes(addr, c)
			if err != nil {
				// the cached probe connection may have gone stale; it has
				// been evicted, so dial fresh once before giving up on this
				// address
				if c = m.connect(addr, false); c != nil {
					nodesValue, err = m.fetchNodes(addr, c)
				}
			}
			if c == nil || err != nil {
				log.Warnf("failed to fetch cluster nodes from %s: %v", addr, err)
				m.probeFailures.Inc()
				continue
			}
			log.Debugf("cluster nodes state from %s:\n%s", addr, nodesValue)
			m.updateClusterState(nodesValue)
			return
		}
	}
	log.Warnf("no cluster node reachable, keeping current topology")
}

// updateClusterState applies the three diffs in order: master failovers
// first so slave-down operations target the correct entry, slave sets
// second, slot changes last so migrations observe the post-failover
// topology. Must be called with the lock held.
func (m *Manager) updateClusterState(nodesValue string) {
	newPartitions := BuildPartitions(ParseNodes(nodesValue))
	if len(newPartitions) == 0 {
		// unparseable payload - no update this tick
		return
	}
	m.checkMasterNodesChange(newPartitions)
	m.checkSlaveNodesChange(newPartitions)
	m.checkSlotsChange(newPartitions)
}

// uniquePartitions returns the distinct current partitions in deterministic
// order. lastPartitions holds one value per slot range, so partitions with
// several ranges appear several times in the raw values.
func (m *Manager) uniquePartitions() []*Partition {
	seen := map[*Partition]struct{}{}
	var partitions []*Partition
	for _, p := range m.lastPartitions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool {
		a, b := partitions[i].MasterAddr(), partitions[j].MasterAddr()
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return partitions
}

// findPartition returns the partition owning slotRange, nil if the range
// appears in no partition of the listing.
func findPartition(partitions []*Partition, slotRange sharder.SlotRange) *Partition {
	for _, p := range partitions {
		if p.HasSlotRange(slotRange) {
			return p
		}
	}
	return nil
}

// checkMasterNodesChange detects failovers: a current master reported with
// the FAIL flag whose slot ranges are now owned by a different address. The
// entry is retargeted to the new master and the failed endpoint is reported
// down. Must be called with the lock held.
func (m *Manager) checkMasterNodesChange(newPartitions []*Partition) {
	for _, newPart := range newPartitions {
		for _, currentPart := range m.uniquePartitions() {
			if newPart.MasterAddr() != currentPart.MasterAddr() {
				continue
			}
			if newPart.MasterFail() {
				for _, currentSlotRange := range currentPart.SlotRanges() {
					newMasterPart := findPartition(newPartitions, currentSlotRange)
					if newMasterPart == nil {
						// the range is gone from the listing entirely; the
						// slots diff will remove it
						continue
					}
					if newMasterPart.MasterAddr() == currentPart.MasterAddr() {
						continue
					}
					newAddr := newMasterPart.MasterAddr()
					oldAddr := currentPart.MasterAddr()
					log.Infof("changing master from %s to %s for %v", oldAddr, newAddr, currentSlotRange)

					entry := m.reg.entryByRange(currentSlotRange)
					if entry == nil {
						continue
					}
					if err := entry.ChangeMaster(newAddr.Host, newAddr.Port); err != nil {
						log.Warnf("failed to change master for %v: %v", currentSlotRange, err)
						continue
					}
					entry.SlaveDown(oldAddr.Host, oldAddr.Port, conn.FreezeManager)
					currentPart.SetMasterAddr(newAddr)
					m.failovers.Inc()
				}
			}
			break
		}
	}
}

// checkSlaveNodesChange reconciles each partition's slave set. Must be
// called with the lock held.
func (m *Manager) checkSlaveNodesChange(newPartitions []*Partition) {
	for _, newPart := range newPartitions {
		for _, currentPart := range m.uniquePartitions() {
			if newPart.MasterAddr() != currentPart.MasterAddr() {
				continue
			}
			entry := m.reg.entryByAddr(currentPart.MasterAddr().String())

			for _, addr := range currentPart.SlaveAddrs() {
				if newPart.HasSlaveAddr(addr) {
					continue
				}
				currentPart.RemoveSlaveAddr(addr)
				if entry != nil {
					entry.SlaveDown(addr.Host, addr.Port, conn.FreezeManager)
				}
				log.Infof("slave %s removed for slot ranges %v", addr, currentPart.SlotRanges())
			}

			for _, addr := range newPart.SlaveAddrs() {
				if currentPart.HasSlaveAddr(addr) {
					continue
				}
				currentPart.AddSlaveAddr(addr)
				if entry != nil {
					entry.AddSlave(addr.Host, addr.Port)
					if err := entry.SlaveUp(addr.Host, addr.Port, conn.FreezeManager); err != nil {
						log.Warnf("failed to bring up new slave %s: %v", addr, err)
					}
				}
				log.Infof("slave %s added for slot ranges %v", addr, currentPart.SlotRanges())
			}
			break
		}
	}
}

// checkSlotsChange applies slot migrations between known masters first, then
// removes ranges that vanished from the listing and adds ranges that are
// new. Entries that lost ranges are decommissioned at the end, once the
// whole diff has been applied - after a failover an entry can lose its
// ranges under the failed node id and win them back under the promoted one
// within the same tick. Must be called with the lock held.
func (m *Manager) checkSlotsChange(newPartitions []*Partition) {
	detached := map[*conn.Entry]struct{}{}
	m.checkSlotsMigration(newPartitions, detached)

	newSlots := map[sharder.SlotRange]struct{}{}
	for _, p := range newPartitions {
		for _, r := range p.SlotRanges() {
			newSlots[r] = struct{}{}
		}
	}

	var removedSlots []sharder.SlotRange
	for _, slotRange := range m.reg.slotRanges() {
		if _, ok := newSlots[slotRange]; !ok {
			removedSlots = append(removedSlots, slotRange)
		}
	}
	if len(removedSlots) > 0 {
		log.Infof("%v slot ranges found to remove", removedSlots)
	}
	for _, slotRange := range removedSlots {
		delete(m.lastPartitions, slotRange)
		m.removeSlotRange(slotRange, detached)
	}

	var addedSlots []sharder.SlotRange
	for slotRange := range newSlots {
		if _, ok := m.lastPartitions[slotRange]; !ok {
			addedSlots = append(addedSlots, slotRange)
		}
	}
	sort.Slice(addedSlots, func(i, j int) bool { return addedSlots[i].Start < addedSlots[j].Start })
	if len(addedSlots) > 0 {
		log.Infof("%v slot ranges found to add", addedSlots)
	}
	for _, slotRange := range addedSlots {
		partition := findPartition(newPartitions, slotRange)
		if partition == nil {
			continue
		}
		entry := m.reg.entryByAddr(partition.MasterAddr().String())
		if entry == nil {
			// an entry retargeted by a failover in this tick has lost its
			// ranges and is no longer registered; it still serves the address
			for d := range detached {
				if d.MasterAddr() == partition.MasterAddr().String() {
					entry = d
					break
				}
			}
		}
		if entry != nil {
			m.reg.addEntry(slotRange, entry)
			m.lastPartitions[slotRange] = partition
		} else {
			m.addMasterEntry(partition, false)
		}
	}

	for entry := range detached {
		if !entry.HasSlotRanges() {
			entry.ShutdownMasterAsync()
			m.entriesDestroyed.Inc()
			log.Infof("%s master and slaves for it removed", entry.MasterAddr())
		}
	}
}

// checkSlotsMigration moves slot ranges between partitions that kept their
// node id but changed their range set. Must be called with the lock held.
func (m *Manager) checkSlotsMigration(newPartitions []*Partition, detached map[*conn.Entry]struct{}) {
	for _, currentPartition := range m.uniquePartitions() {
		for _, newPartition := range newPartitions {
			if currentPartition.NodeID() != newPartition.NodeID() {
				continue
			}

			currentRanges := currentPartition.SlotRanges()
			if len(currentRanges) == 0 {
				break
			}
			entry := m.reg.entryByRange(currentRanges[0])
			if entry == nil {
				break
			}

			for _, slotRange := range newPartition.SlotRanges() {
				if currentPartition.HasSlotRange(slotRange) {
					continue
				}
				currentPartition.AddSlotRange(slotRange)
				m.reg.addEntry(slotRange, entry)
				m.lastPartitions[slotRange] = currentPartition
				m.slotsMoved.Inc()
				log.Infof("%v slot range added for %s", slotRange, entry.MasterAddr())
			}

			for _, slotRange := range currentRanges {
				if newPartition.HasSlotRange(slotRange) {
					continue
				}
				delete(m.lastPartitions, slotRange)
				currentPartition.RemoveSlotRange(slotRange)
				m.removeSlotRange(slotRange, detached)
				m.slotsMoved.Inc()
				log.Infof("%v slot range removed for %s", slotRange, entry.MasterAddr())
			}
			break
		}
	}
}

// removeSlotRange detaches slotRange from its entry and records the entry as
// a decommission candidate. Must be called with the lock held.
func (m *Manager) removeSlotRange(slotRange sharder.SlotRange, detached map[*conn.Entry]struct{}) {
	entry := m.reg.removeMaster(slotRange)
	if entry == nil {
		return
	}
	entry.RemoveSlotRange(slotRange)
	detached[entry] = struct{}{}
}

// closeProbeConns must be called with the lock held.
func (m *Manager) closeProbeConns() {
	for addr, pc := range m.nodeConns {
		pc.c.CloseAsync()
		pc.client.Shutdown()
		delete(m.nodeConns, addr)
	}
}

// Shutdown cancels the reconciliation job, tears down every entry and closes
// the cached probe connections. Safe to call more than once.
func (m *Manager) Shutdown() {
	if !m.stopped.CAS(false, true) {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	for _, entry := range m.reg.uniqueEntries() {
		entry.ShutdownAsync()
	}
	m.closeProbeConns()
}
