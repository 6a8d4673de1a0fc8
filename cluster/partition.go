package cluster

import (
	"sort"

	"github.com/gridkv/gridkv-go/sharder"
)

// Partition is the logical group of one master plus its replicating slaves
// and the slot ranges they serve. Slaves collapse into their master's
// partition: the partition key is the master's node id.
type Partition struct {
	nodeID     string
	masterAddr Addr
	slaveAddrs map[Addr]struct{}
	slotRanges map[sharder.SlotRange]struct{}
	masterFail bool
}

func newPartition(nodeID string) *Partition {
	return &Partition{
		nodeID:     nodeID,
		slaveAddrs: map[Addr]struct{}{},
		slotRanges: map[sharder.SlotRange]struct{}{},
	}
}

func (p *Partition) NodeID() string {
	return p.nodeID
}

func (p *Partition) MasterAddr() Addr {
	return p.masterAddr
}

func (p *Partition) SetMasterAddr(addr Addr) {
	p.masterAddr = addr
}

func (p *Partition) MasterFail() bool {
	return p.masterFail
}

func (p *Partition) SetMasterFail(fail bool) {
	p.masterFail = fail
}

func (p *Partition) AddSlaveAddr(addr Addr) {
	p.slaveAddrs[addr] = struct{}{}
}

func (p *Partition) RemoveSlaveAddr(addr Addr) {
	delete(p.slaveAddrs, addr)
}

func (p *Partition) HasSlaveAddr(addr Addr) bool {
	_, ok := p.slaveAddrs[addr]
	return ok
}

// SlaveAddrs returns the slave addresses in deterministic order.
func (p *Partition) SlaveAddrs() []Addr {
	addrs := make([]Addr, 0, len(p.slaveAddrs))
	for addr := range p.slaveAddrs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Host != addrs[j].Host {
			return addrs[i].Host < addrs[j].Host
		}
		return addrs[i].Port < addrs[j].Port
	})
	return addrs
}

// AllAddrs returns the master address followed by the slave addresses. These
// are the endpoints the reconciler may probe for this partition.
func (p *Partition) AllAddrs() []Addr {
	return append([]Addr{p.masterAddr}, p.SlaveAddrs()...)
}

func (p *Partition) AddSlotRange(r sharder.SlotRange) {
	p.slotRanges[r] = struct{}{}
}

func (p *Partition) RemoveSlotRange(r sharder.SlotRange) {
	delete(p.slotRanges, r)
}

func (p *Partition) HasSlotRange(r sharder.SlotRange) bool {
	_, ok := p.slotRanges[r]
	return ok
}

// SlotRanges returns the slot ranges in deterministic order.
func (p *Partition) SlotRanges() []sharder.SlotRange {
	ranges := make([]sharder.SlotRange, 0, len(p.slotRanges))
	for r := range p.slotRanges {
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges
}

// BuildPartitions folds parsed node infos into partitions, one per logical
// master. NOADDR nodes are skipped. A FAIL flag marks the partition failed
// only when carried by the master itself - a failed slave says nothing
// about the health of the node owning the slots.
func BuildPartitions(nodes []NodeInfo) []*Partition {
	byID := map[string]*Partition{}
	var ordered []*Partition
	for i := range nodes {
		node := &nodes[i]
		if node.HasFlag(FlagNoAddr) {
			continue
		}
		isSlave := node.HasFlag(FlagSlave)
		id := node.NodeID
		if isSlave {
			if node.MasterID == "" {
				continue
			}
			id = node.MasterID
		}
		partition, ok := byID[id]
		if !ok {
			partition = newPartition(id)
			byID[id] = partition
			ordered = append(ordered, partition)
		}
		if isSlave {
			partition.AddSlaveAddr(node.Addr)
		} else {
			partition.SetMasterAddr(node.Addr)
			for _, r := range node.SlotRanges {
				partition.AddSlotRange(r)
			}
			if node.HasFlag(FlagFail) {
				partition.SetMasterFail(true)
			}
		}
	}
	return ordered
}
