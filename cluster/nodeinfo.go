// Package cluster implements the GridKV cluster topology manager: it
// discovers the cluster layout from a seed list, maintains the mapping from
// slot ranges to the entries that serve them, and reconciles that mapping
// against the CLUSTER NODES view reported by the cluster itself.
package cluster

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/gridkv/gridkv-go/sharder"
)

// Addr identifies one cluster node endpoint. Two addresses are equal iff
// host and port both match.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddr parses "host:port". A "@busport" suffix, as reported by newer
// cluster versions, is dropped.
func ParseAddr(s string) (Addr, error) {
	if i := strings.IndexByte(s, '@'); i != -1 {
		s = s[:i]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, err
	}
	return Addr{Host: host, Port: port}, nil
}

// Flag is one token from the flags field of a CLUSTER NODES line.
type Flag string

const (
	FlagMaster    Flag = "MASTER"
	FlagSlave     Flag = "SLAVE"
	FlagFail      Flag = "FAIL"
	FlagHandshake Flag = "HANDSHAKE"
	FlagNoAddr    Flag = "NOADDR"
	FlagMyself    Flag = "MYSELF"
)

// canonical flag order, used when rendering
var flagOrder = []Flag{FlagMyself, FlagMaster, FlagSlave, FlagFail, FlagHandshake, FlagNoAddr}

var knownFlags = map[string]Flag{
	"MASTER":    FlagMaster,
	"SLAVE":     FlagSlave,
	"FAIL":      FlagFail,
	"HANDSHAKE": FlagHandshake,
	"NOADDR":    FlagNoAddr,
	"MYSELF":    FlagMyself,
}

// NodeInfo is one parsed CLUSTER NODES line.
type NodeInfo struct {
	NodeID     string
	Addr       Addr
	Flags      map[Flag]struct{}
	MasterID   string // set only for slaves
	SlotRanges []sharder.SlotRange
}

func (n *NodeInfo) HasFlag(f Flag) bool {
	_, ok := n.Flags[f]
	return ok
}

// ParseNodes parses a CLUSTER NODES response. Each line is
//
//	id addr flags master-id ping-sent pong-recv config-epoch link-state [slot ...]
//
// Slot fields are either a single slot, an inclusive start-end range, or a
// bracketed migration marker which this parser ignores. Flags are
// comma-separated, matched case-insensitively with any '?' stripped (so
// "fail?" parses as FAIL); unknown flag tokens are dropped. Malformed lines
// are skipped; a completely unparseable payload yields an empty list, which
// callers treat as "no update".
func ParseNodes(nodesValue string) []NodeInfo {
	var nodes []NodeInfo
	for _, line := range strings.Split(nodesValue, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		node, ok := parseNodeLine(line)
		if !ok {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func parseNodeLine(line string) (NodeInfo, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return NodeInfo{}, false
	}
	node := NodeInfo{
		NodeID: fields[0],
		Flags:  map[Flag]struct{}{},
	}

	for _, flag := range strings.Split(fields[2], ",") {
		token := strings.ToUpper(strings.ReplaceAll(flag, "?", ""))
		if f, ok := knownFlags[token]; ok {
			node.Flags[f] = struct{}{}
		}
	}

	// NOADDR nodes report an unusable address; the partition builder skips
	// them so a bad address field must not fail the line.
	addr, err := ParseAddr(fields[1])
	if err != nil && !node.HasFlag(FlagNoAddr) {
		return NodeInfo{}, false
	}
	node.Addr = addr

	if fields[3] != "-" {
		node.MasterID = fields[3]
	}

	for _, slots := range fields[8:] {
		if strings.HasPrefix(slots, "[") {
			// migration marker, e.g. [5461-<-nodeid] - redirect handling is
			// not the topology manager's job
			continue
		}
		r, err := parseSlotRange(slots)
		if err != nil {
			return NodeInfo{}, false
		}
		node.SlotRanges = append(node.SlotRanges, r)
	}
	return node, true
}

func parseSlotRange(s string) (sharder.SlotRange, error) {
	parts := strings.Split(s, "-")
	switch len(parts) {
	case 1:
		slot, err := strconv.Atoi(parts[0])
		if err != nil {
			return sharder.SlotRange{}, err
		}
		return sharder.SlotRange{Start: slot, End: slot}, nil
	case 2:
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return sharder.SlotRange{}, err
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return sharder.SlotRange{}, err
		}
		return sharder.SlotRange{Start: start, End: end}, nil
	}
	return sharder.SlotRange{}, fmt.Errorf("malformed slot range %q", s)
}

// RenderNodes formats node infos back into the canonical CLUSTER NODES form.
// It is the parser's round-trip counterpart, exercised by the tests.
func RenderNodes(nodes []NodeInfo) string {
	sb := &strings.Builder{}
	for _, node := range nodes {
		sb.WriteString(node.NodeID)
		sb.WriteByte(' ')
		sb.WriteString(node.Addr.String())
		sb.WriteByte(' ')
		var flags []string
		for _, f := range flagOrder {
			if node.HasFlag(f) {
				flags = append(flags, strings.ToLower(string(f)))
			}
		}
		sb.WriteString(strings.Join(flags, ","))
		sb.WriteByte(' ')
		if node.MasterID == "" {
			sb.WriteByte('-')
		} else {
			sb.WriteString(node.MasterID)
		}
		sb.WriteString(" 0 0 0 connected")
		ranges := append([]sharder.SlotRange(nil), node.SlotRanges...)
		sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
		for _, r := range ranges {
			sb.WriteByte(' ')
			if r.Start == r.End {
				sb.WriteString(strconv.Itoa(r.Start))
			} else {
				sb.WriteString(fmt.Sprintf("%d-%d", r.Start, r.End))
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
