// Package status keeps the coarse per-device status consumed by dashboards
// and the scheduler: one small file per device holding 0, 1 or 2.
//
// Writers publish atomically (temp file, fsync, rename) so a reader never
// observes a partial value. Readers still tolerate a malformed value with a
// bounded retry, and treat anything missing or unreadable as Unhealthy.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is a device's operational state.
type Status int

const (
	Healthy   Status = 0
	Checking  Status = 1
	Unhealthy Status = 2
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Checking:
		return "Undergoing Health Check"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is one of the three defined states.
func (s Status) Valid() bool {
	return s == Healthy || s == Checking || s == Unhealthy
}

// Parse decodes the on-disk form. Surrounding whitespace is ignored.
func Parse(b []byte) (Status, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return Unhealthy, fmt.Errorf("status: parse %q: %w", b, err)
	}
	s := Status(n)
	if !s.Valid() {
		return Unhealthy, fmt.Errorf("status: value %d out of range", n)
	}
	return s, nil
}

// DeviceID addresses one device by node name and local index.
type DeviceID struct {
	Node  string `json:"node"`
	Index int    `json:"gpu"`
}

func (d DeviceID) String() string {
	return d.Node + "/gpu" + strconv.Itoa(d.Index)
}

// Topology is the expected fleet layout. It is passed explicitly so tests
// and small clusters can use any shape.
type Topology struct {
	Nodes          []string `yaml:"nodes"`
	DevicesPerNode int      `yaml:"devices_per_node"`
}

// Sequential returns a topology of nodes named node0..node<n-1>.
func Sequential(nodes, devicesPerNode int) Topology {
	t := Topology{Nodes: make([]string, nodes), DevicesPerNode: devicesPerNode}
	for i := range t.Nodes {
		t.Nodes[i] = "node" + strconv.Itoa(i)
	}
	return t
}

// Devices lists every device in node order, then index order.
func (t Topology) Devices() []DeviceID {
	out := make([]DeviceID, 0, len(t.Nodes)*t.DevicesPerNode)
	for _, node := range t.Nodes {
		out = append(out, t.NodeDevices(node)...)
	}
	return out
}

// NodeDevices lists the devices of one node.
func (t Topology) NodeDevices(node string) []DeviceID {
	out := make([]DeviceID, t.DevicesPerNode)
	for i := range out {
		out[i] = DeviceID{Node: node, Index: i}
	}
	return out
}

// HasNode reports whether node is part of the topology.
func (t Topology) HasNode(node string) bool {
	for _, n := range t.Nodes {
		if n == node {
			return true
		}
	}
	return false
}
