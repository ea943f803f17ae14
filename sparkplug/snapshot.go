// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package sparkplug

import "sort"

// MetricSnapshot is the externally visible state of one metric.
type MetricSnapshot struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	DataType  string `json:"datatype"`
	Timestamp uint64 `json:"timestamp"`
	Stale     bool   `json:"stale"`
}

// DeviceSnapshot is the externally visible state of one device.
type DeviceSnapshot struct {
	DeviceID string           `json:"device_id"`
	Online   bool             `json:"online"`
	Metrics  []MetricSnapshot `json:"metrics"`
}

// NodeSnapshot is the externally visible state of one edge node.
type NodeSnapshot struct {
	NodeID  string           `json:"node_id"`
	Online  bool             `json:"online"`
	BdSeq   uint64           `json:"bd_seq"`
	Metrics []MetricSnapshot `json:"metrics"`
	Devices []DeviceSnapshot `json:"devices"`
}

// GroupSnapshot is the externally visible state of one group.
type GroupSnapshot struct {
	GroupID string         `json:"group_id"`
	Nodes   []NodeSnapshot `json:"nodes"`
}

// Snapshots deep-copy the actor state so callers never share interior
// maps with the run goroutine. Metric values are scalars or byte
// slices; byte slices are cloned.

func snapshotGroup(id string, g *group) *GroupSnapshot {
	out := &GroupSnapshot{GroupID: id, Nodes: make([]NodeSnapshot, 0, len(g.nodes))}
	for nodeID, n := range g.nodes {
		out.Nodes = append(out.Nodes, *snapshotNode(nodeID, n))
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].NodeID < out.Nodes[j].NodeID })
	return out
}

func snapshotNode(id string, n *node) *NodeSnapshot {
	out := &NodeSnapshot{
		NodeID:  id,
		Online:  n.online,
		BdSeq:   n.bdSeq,
		Metrics: snapshotMetrics(n.metrics),
		Devices: make([]DeviceSnapshot, 0, len(n.devices)),
	}
	for deviceID, d := range n.devices {
		out.Devices = append(out.Devices, *snapshotDevice(deviceID, d))
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].DeviceID < out.Devices[j].DeviceID })
	return out
}

func snapshotDevice(id string, d *device) *DeviceSnapshot {
	return &DeviceSnapshot{
		DeviceID: id,
		Online:   d.online,
		Metrics:  snapshotMetrics(d.metrics),
	}
}

func snapshotMetrics(metrics map[string]*metric) []MetricSnapshot {
	out := make([]MetricSnapshot, 0, len(metrics))
	for name, m := range metrics {
		value := m.value
		if b, ok := value.([]byte); ok {
			value = append([]byte(nil), b...)
		}
		out = append(out, MetricSnapshot{
			Name:      name,
			Value:     value,
			DataType:  m.datatype.String(),
			Timestamp: m.timestamp,
			Stale:     m.stale,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
