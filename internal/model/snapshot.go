package model

import (
	"sort"
	"time"
)

// GuestType distinguishes the two Proxmox guest flavors.
type GuestType string

const (
	GuestQemu GuestType = "qemu"
	GuestLXC  GuestType = "lxc"
)

// UngroupedPool is the implicit group shared by all nodes that are not
// assigned to a named group. Ungrouped nodes migrate freely among each other
// but never into or out of a named group.
const UngroupedPool = ""

// Node is one hypervisor host at snapshot time.
type Node struct {
	Name   string `json:"name"`
	Group  string `json:"group,omitempty"` // UngroupedPool when unassigned
	MaxMem int64  `json:"maxmem"`          // bytes
	Mem    int64  `json:"mem"`             // bytes in use
	MaxCPU int    `json:"maxcpu"`          // core count
	CPU    float64 `json:"cpu"`            // instantaneous load, fraction of MaxCPU (0.0-1.0)

	Excluded bool `json:"excluded,omitempty"`
	Master   bool `json:"master,omitempty"`
}

// RAMPct returns memory usage as a percentage of capacity.
func (n Node) RAMPct() float64 {
	if n.MaxMem == 0 {
		return 0
	}
	return float64(n.Mem) / float64(n.MaxMem) * 100
}

// CPUPct returns instantaneous CPU usage as a percentage.
func (n Node) CPUPct() float64 {
	return n.CPU * 100
}

// FreeMem returns unused memory in bytes.
func (n Node) FreeMem() int64 {
	return n.MaxMem - n.Mem
}

// VM is one running guest at snapshot time.
type VM struct {
	ID   int       `json:"vmid"`
	Name string    `json:"name,omitempty"`
	Node string    `json:"node"`
	Type GuestType `json:"type"`
	Mem  int64     `json:"mem"` // resident bytes, the footprint a migration moves

	// LocalResources marks guests with local disks or passthrough devices
	// that the hypervisor refuses to live-migrate.
	LocalResources bool `json:"local_resources,omitempty"`
	Excluded       bool `json:"excluded,omitempty"`
}

// ClusterSnapshot is a point-in-time view of the cluster, input to one
// balancing cycle. It is built once per cycle and not modified afterwards.
type ClusterSnapshot struct {
	ClusterName string    `json:"cluster_name"`
	CollectedAt time.Time `json:"collected_at"`
	Quorate     bool      `json:"quorate"`
	MasterNode  string    `json:"master_node,omitempty"`

	Nodes []Node `json:"nodes"`
	VMs   []VM   `json:"vms"`
}

// Node returns the named node, or nil when absent.
func (s *ClusterSnapshot) Node(name string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].Name == name {
			return &s.Nodes[i]
		}
	}
	return nil
}

// VMsOn returns the VMs currently placed on the named node.
func (s *ClusterSnapshot) VMsOn(node string) []VM {
	var out []VM
	for _, vm := range s.VMs {
		if vm.Node == node {
			out = append(out, vm)
		}
	}
	return out
}

// Groups returns the distinct migration domains present in the snapshot,
// sorted, with the ungrouped pool first when it exists.
func (s *ClusterSnapshot) Groups() []string {
	seen := make(map[string]bool)
	for _, n := range s.Nodes {
		seen[n.Group] = true
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// NodesInGroup returns the non-excluded nodes belonging to the given group.
func (s *ClusterSnapshot) NodesInGroup(group string) []Node {
	var out []Node
	for _, n := range s.Nodes {
		if n.Group == group && !n.Excluded {
			out = append(out, n)
		}
	}
	return out
}

// ApplyPlacementPolicy annotates nodes and VMs with group membership and
// exclusion flags from configuration. It is part of snapshot construction
// and must be called before the snapshot is handed to the engine.
func (s *ClusterSnapshot) ApplyPlacementPolicy(groups map[string][]string, excludedNodes []string, excludedVMs []int) {
	nodeGroup := make(map[string]string)
	for name, members := range groups {
		for _, m := range members {
			nodeGroup[m] = name
		}
	}
	exNode := make(map[string]bool, len(excludedNodes))
	for _, n := range excludedNodes {
		exNode[n] = true
	}
	exVM := make(map[int]bool, len(excludedVMs))
	for _, id := range excludedVMs {
		exVM[id] = true
	}

	for i := range s.Nodes {
		s.Nodes[i].Group = nodeGroup[s.Nodes[i].Name]
		s.Nodes[i].Excluded = exNode[s.Nodes[i].Name]
	}
	for i := range s.VMs {
		s.VMs[i].Excluded = exVM[s.VMs[i].ID] || exNode[s.VMs[i].Node]
	}
}

// KnownNode reports whether the named node exists in the snapshot.
// Used by configuration validation against a live cluster.
func (s *ClusterSnapshot) KnownNode(name string) bool {
	return s.Node(name) != nil
}
