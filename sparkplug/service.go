// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package sparkplug implements a Sparkplug B Host Application: it
// consumes spBv1.0/# traffic, maintains the group/node/device/metric
// topology and answers queries and commands from the HTTP API.
package sparkplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/axonmq/axonmq/sparkplug/payload"
	"github.com/axonmq/axonmq/storage"
)

// Policy selects how the host reacts to a protocol irregularity.
type Policy string

const (
	// PolicyIgnore processes the message as if nothing happened.
	PolicyIgnore Policy = "ignore"
	// PolicyRequest discards the message and asks the node to rebirth.
	PolicyRequest Policy = "request"
)

// Options configures the host application.
type Options struct {
	OnSequenceMismatch Policy
	OnMalformedPayload Policy
	InboxSize          int
}

// DefaultOptions returns the default policies.
func DefaultOptions() Options {
	return Options{
		OnSequenceMismatch: PolicyIgnore,
		OnMalformedPayload: PolicyRequest,
		InboxSize:          1024,
	}
}

// Publisher submits host-originated messages into broker dispatch.
type Publisher interface {
	Publish(msg *storage.Message) error
}

// Lookup errors returned by queries and commands.
var (
	ErrUnknownGroup  = errors.New("unknown group")
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownDevice = errors.New("unknown device")
)

const rebirthMetric = "Node Control/Rebirth"

// Service is the Sparkplug host actor. All topology state is owned by
// the run goroutine; external access goes through the inbox.
type Service struct {
	opts      Options
	publisher Publisher
	logger    *slog.Logger

	inbox  chan any
	groups map[string]*group

	stopCh chan struct{}
	done   chan struct{}
}

type group struct {
	nodes map[string]*node
}

type node struct {
	metrics map[string]*metric
	devices map[string]*device
	aliases map[uint64]string
	bdSeq   uint64
	lastSeq uint64
	online  bool
}

type device struct {
	metrics map[string]*metric
	online  bool
}

type metric struct {
	value      any
	datatype   payload.DataType
	timestamp  uint64
	stale      bool
	properties *payload.PropertySet
}

// New creates a host application service. Run must be started before
// messages are submitted.
func New(opts Options, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OnSequenceMismatch == "" {
		opts.OnSequenceMismatch = PolicyIgnore
	}
	if opts.OnMalformedPayload == "" {
		opts.OnMalformedPayload = PolicyRequest
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	return &Service{
		opts:      opts,
		publisher: publisher,
		logger:    logger,
		inbox:     make(chan any, opts.InboxSize),
		groups:    make(map[string]*group),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the actor goroutine.
func (s *Service) Start() {
	go s.run()
}

// Close stops the actor and waits for it to drain.
func (s *Service) Close() {
	close(s.stopCh)
	<-s.done
}

// Submit hands a broker message to the actor. It never blocks; when
// the inbox is full the message is dropped with a warning.
func (s *Service) Submit(msg *storage.Message) {
	select {
	case s.inbox <- msg:
	case <-s.stopCh:
	default:
		s.logger.Warn("sparkplug inbox full, message dropped",
			slog.String("topic", msg.Topic))
	}
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case item := <-s.inbox:
			switch v := item.(type) {
			case *storage.Message:
				s.handleMessage(v)
			case *queryRequest:
				v.resp <- s.handleQuery(v)
			case *commandRequest:
				v.resp <- s.handleCommand(v)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) handleMessage(msg *storage.Message) {
	topic, err := ParseTopic(msg.Topic)
	if err != nil {
		s.logger.Debug("ignoring non-sparkplug message", slog.String("topic", msg.Topic))
		return
	}
	if topic.Type == TypeState || topic.Type == TypeNCmd || topic.Type == TypeDCmd {
		return
	}

	p, err := payload.Unmarshal(msg.Payload)
	if err != nil {
		s.logger.Warn("malformed sparkplug payload",
			slog.String("topic", msg.Topic), slog.Any("error", err))
		if s.opts.OnMalformedPayload == PolicyRequest {
			s.requestRebirth(topic.GroupID, topic.NodeID)
		}
		return
	}

	switch topic.Type {
	case TypeNBirth:
		s.handleNBirth(topic, p)
	case TypeDBirth:
		s.handleDBirth(topic, p)
	case TypeNData:
		s.handleNData(topic, p)
	case TypeDData:
		s.handleDData(topic, p)
	case TypeNDeath:
		s.handleNDeath(topic, p)
	case TypeDDeath:
		s.handleDDeath(topic, p)
	}
}

func (s *Service) handleNBirth(t *Topic, p *payload.Payload) {
	g := s.groups[t.GroupID]
	if g == nil {
		g = &group{nodes: make(map[string]*node)}
		s.groups[t.GroupID] = g
	}

	n := &node{
		metrics: make(map[string]*metric, len(p.Metrics)),
		devices: make(map[string]*device),
		aliases: make(map[uint64]string, len(p.Metrics)),
		online:  true,
	}
	if bd, ok := p.BdSeq(); ok {
		n.bdSeq = bd
	}
	if p.Seq != nil {
		n.lastSeq = *p.Seq
	}
	for i := range p.Metrics {
		m := &p.Metrics[i]
		if m.Name == "" {
			continue
		}
		n.metrics[m.Name] = newMetric(m)
		if m.Alias != nil {
			n.aliases[*m.Alias] = m.Name
		}
	}
	g.nodes[t.NodeID] = n

	s.logger.Info("sparkplug node online",
		slog.String("group", t.GroupID),
		slog.String("node", t.NodeID),
		slog.Int("metrics", len(n.metrics)))
}

func (s *Service) handleDBirth(t *Topic, p *payload.Payload) {
	n := s.node(t.GroupID, t.NodeID)
	if n == nil || !n.online {
		s.requestRebirth(t.GroupID, t.NodeID)
		return
	}
	if !s.checkSeq(t, n, p) {
		return
	}

	d := &device{metrics: make(map[string]*metric, len(p.Metrics)), online: true}
	for i := range p.Metrics {
		m := &p.Metrics[i]
		if m.Name == "" {
			continue
		}
		d.metrics[m.Name] = newMetric(m)
		if m.Alias != nil {
			n.aliases[*m.Alias] = m.Name
		}
	}
	n.devices[t.DeviceID] = d

	s.logger.Info("sparkplug device online",
		slog.String("group", t.GroupID),
		slog.String("node", t.NodeID),
		slog.String("device", t.DeviceID),
		slog.Int("metrics", len(d.metrics)))
}

func (s *Service) handleNData(t *Topic, p *payload.Payload) {
	n := s.node(t.GroupID, t.NodeID)
	if n == nil || !n.online {
		s.requestRebirth(t.GroupID, t.NodeID)
		return
	}
	if !s.checkSeq(t, n, p) {
		return
	}
	s.applyData(t, n, n.metrics, p)
}

func (s *Service) handleDData(t *Topic, p *payload.Payload) {
	n := s.node(t.GroupID, t.NodeID)
	if n == nil || !n.online {
		s.requestRebirth(t.GroupID, t.NodeID)
		return
	}
	d := n.devices[t.DeviceID]
	if d == nil || !d.online {
		s.requestRebirth(t.GroupID, t.NodeID)
		return
	}
	if !s.checkSeq(t, n, p) {
		return
	}
	s.applyData(t, n, d.metrics, p)
}

// applyData updates known metrics in place; an unknown name or alias
// means the birth certificate is out of date and forces a rebirth.
func (s *Service) applyData(t *Topic, n *node, metrics map[string]*metric, p *payload.Payload) {
	for i := range p.Metrics {
		in := &p.Metrics[i]
		name := in.Name
		if name == "" && in.Alias != nil {
			name = n.aliases[*in.Alias]
		}
		m := metrics[name]
		if name == "" || m == nil {
			s.logger.Warn("sparkplug data for unknown metric, requesting rebirth",
				slog.String("group", t.GroupID),
				slog.String("node", t.NodeID),
				slog.String("metric", in.Name))
			s.requestRebirth(t.GroupID, t.NodeID)
			return
		}
		if !in.IsNull {
			m.value = in.Value
		}
		if in.DataType != payload.TypeUnknown {
			m.datatype = in.DataType
		}
		m.timestamp = in.Timestamp
		m.stale = false
	}
}

func (s *Service) handleNDeath(t *Topic, p *payload.Payload) {
	n := s.node(t.GroupID, t.NodeID)
	if n == nil {
		return
	}
	if bd, ok := p.BdSeq(); ok && bd != n.bdSeq {
		s.logger.Warn("sparkplug death with stale bdSeq, ignoring",
			slog.String("group", t.GroupID),
			slog.String("node", t.NodeID),
			slog.Uint64("got", bd),
			slog.Uint64("want", n.bdSeq))
		return
	}

	n.online = false
	markStale(n.metrics)
	for _, d := range n.devices {
		d.online = false
		markStale(d.metrics)
	}

	s.logger.Info("sparkplug node offline",
		slog.String("group", t.GroupID),
		slog.String("node", t.NodeID))
}

func (s *Service) handleDDeath(t *Topic, _ *payload.Payload) {
	n := s.node(t.GroupID, t.NodeID)
	if n == nil {
		return
	}
	d := n.devices[t.DeviceID]
	if d == nil {
		return
	}
	d.online = false
	markStale(d.metrics)

	s.logger.Info("sparkplug device offline",
		slog.String("group", t.GroupID),
		slog.String("node", t.NodeID),
		slog.String("device", t.DeviceID))
}

// checkSeq validates the payload sequence number against the expected
// wrap-around successor and applies the mismatch policy.
func (s *Service) checkSeq(t *Topic, n *node, p *payload.Payload) bool {
	if p.Seq == nil {
		return true
	}
	expected := (n.lastSeq + 1) % 256
	if *p.Seq != expected {
		s.logger.Warn("sparkplug sequence mismatch",
			slog.String("group", t.GroupID),
			slog.String("node", t.NodeID),
			slog.Uint64("got", *p.Seq),
			slog.Uint64("want", expected))
		if s.opts.OnSequenceMismatch == PolicyRequest {
			s.requestRebirth(t.GroupID, t.NodeID)
			return false
		}
	}
	n.lastSeq = *p.Seq
	return true
}

func (s *Service) node(groupID, nodeID string) *node {
	g := s.groups[groupID]
	if g == nil {
		return nil
	}
	return g.nodes[nodeID]
}

func markStale(metrics map[string]*metric) {
	for _, m := range metrics {
		m.stale = true
	}
}

func newMetric(in *payload.Metric) *metric {
	return &metric{
		value:      in.Value,
		datatype:   in.DataType,
		timestamp:  in.Timestamp,
		stale:      false,
		properties: in.Properties,
	}
}

// requestRebirth publishes an NCMD asking the node to resend its birth
// certificates.
func (s *Service) requestRebirth(groupID, nodeID string) {
	now := uint64(time.Now().UnixMilli())
	raw, err := payload.Marshal(&payload.Payload{
		Timestamp: now,
		Metrics: []payload.Metric{{
			Name:      rebirthMetric,
			Timestamp: now,
			DataType:  payload.TypeBoolean,
			Value:     true,
		}},
	})
	if err != nil {
		s.logger.Error("encoding rebirth command", slog.Any("error", err))
		return
	}

	msg := &storage.Message{
		Topic:       CommandTopic(groupID, nodeID, ""),
		Payload:     raw,
		QoS:         0,
		PublishTime: time.Now(),
		Origin:      "internal",
	}
	if err := s.publisher.Publish(msg); err != nil {
		s.logger.Warn("publishing rebirth command",
			slog.String("group", groupID),
			slog.String("node", nodeID),
			slog.Any("error", err))
		return
	}
	s.logger.Info("sparkplug rebirth requested",
		slog.String("group", groupID),
		slog.String("node", nodeID))
}

// CommandMetric is one metric write requested through the command bus.
type CommandMetric struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// CommandResult reports the outcome for one requested metric write.
type CommandResult struct {
	Name string
	Err  error
}

type queryKind int

const (
	queryGroups queryKind = iota
	queryGroup
	queryNodes
	queryNode
	queryDevices
	queryDevice
)

type queryRequest struct {
	kind   queryKind
	group  string
	node   string
	device string
	resp   chan queryResponse
}

type queryResponse struct {
	groups  []string
	group   *GroupSnapshot
	nodes   []NodeSnapshot
	node    *NodeSnapshot
	devices []DeviceSnapshot
	device  *DeviceSnapshot
	err     error
}

type commandRequest struct {
	group   string
	node    string
	device  string
	metrics []CommandMetric
	resp    chan commandResponse
}

type commandResponse struct {
	results []CommandResult
	err     error
}

func (s *Service) query(ctx context.Context, req *queryRequest) (queryResponse, error) {
	req.resp = make(chan queryResponse, 1)
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return queryResponse{}, ctx.Err()
	case <-s.stopCh:
		return queryResponse{}, errors.New("sparkplug service stopped")
	}
	select {
	case resp := <-req.resp:
		return resp, resp.err
	case <-ctx.Done():
		return queryResponse{}, ctx.Err()
	}
}

// Groups lists known group ids.
func (s *Service) Groups(ctx context.Context) ([]string, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryGroups})
	return resp.groups, err
}

// Group returns a deep snapshot of one group.
func (s *Service) Group(ctx context.Context, groupID string) (*GroupSnapshot, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryGroup, group: groupID})
	return resp.group, err
}

// Nodes lists the nodes of a group.
func (s *Service) Nodes(ctx context.Context, groupID string) ([]NodeSnapshot, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryNodes, group: groupID})
	return resp.nodes, err
}

// Node returns a deep snapshot of one node.
func (s *Service) Node(ctx context.Context, groupID, nodeID string) (*NodeSnapshot, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryNode, group: groupID, node: nodeID})
	return resp.node, err
}

// Devices lists the devices of a node.
func (s *Service) Devices(ctx context.Context, groupID, nodeID string) ([]DeviceSnapshot, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryDevices, group: groupID, node: nodeID})
	return resp.devices, err
}

// Device returns a deep snapshot of one device.
func (s *Service) Device(ctx context.Context, groupID, nodeID, deviceID string) (*DeviceSnapshot, error) {
	resp, err := s.query(ctx, &queryRequest{kind: queryDevice, group: groupID, node: nodeID, device: deviceID})
	return resp.device, err
}

// SendCommand translates metric writes into an NCMD or DCMD publish.
// The returned results carry a per-metric error for unknown names or
// unconvertible values; err reports target lookup failures.
func (s *Service) SendCommand(ctx context.Context, groupID, nodeID, deviceID string, metrics []CommandMetric) ([]CommandResult, error) {
	req := &commandRequest{
		group:   groupID,
		node:    nodeID,
		device:  deviceID,
		metrics: metrics,
		resp:    make(chan commandResponse, 1),
	}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopCh:
		return nil, errors.New("sparkplug service stopped")
	}
	select {
	case resp := <-req.resp:
		return resp.results, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) handleQuery(req *queryRequest) queryResponse {
	switch req.kind {
	case queryGroups:
		out := make([]string, 0, len(s.groups))
		for id := range s.groups {
			out = append(out, id)
		}
		return queryResponse{groups: out}
	case queryGroup:
		g := s.groups[req.group]
		if g == nil {
			return queryResponse{err: ErrUnknownGroup}
		}
		return queryResponse{group: snapshotGroup(req.group, g)}
	case queryNodes:
		g := s.groups[req.group]
		if g == nil {
			return queryResponse{err: ErrUnknownGroup}
		}
		out := make([]NodeSnapshot, 0, len(g.nodes))
		for id, n := range g.nodes {
			out = append(out, *snapshotNode(id, n))
		}
		return queryResponse{nodes: out}
	case queryNode:
		n := s.node(req.group, req.node)
		if n == nil {
			return queryResponse{err: ErrUnknownNode}
		}
		return queryResponse{node: snapshotNode(req.node, n)}
	case queryDevices:
		n := s.node(req.group, req.node)
		if n == nil {
			return queryResponse{err: ErrUnknownNode}
		}
		out := make([]DeviceSnapshot, 0, len(n.devices))
		for id, d := range n.devices {
			out = append(out, *snapshotDevice(id, d))
		}
		return queryResponse{devices: out}
	case queryDevice:
		n := s.node(req.group, req.node)
		if n == nil {
			return queryResponse{err: ErrUnknownNode}
		}
		d := n.devices[req.device]
		if d == nil {
			return queryResponse{err: ErrUnknownDevice}
		}
		return queryResponse{device: snapshotDevice(req.device, d)}
	}
	return queryResponse{err: errors.New("unknown query")}
}

func (s *Service) handleCommand(req *commandRequest) commandResponse {
	n := s.node(req.group, req.node)
	if n == nil {
		return commandResponse{err: ErrUnknownNode}
	}
	metrics := n.metrics
	if req.device != "" {
		d := n.devices[req.device]
		if d == nil {
			return commandResponse{err: ErrUnknownDevice}
		}
		metrics = d.metrics
	}

	now := uint64(time.Now().UnixMilli())
	out := payload.Payload{Timestamp: now}
	results := make([]CommandResult, 0, len(req.metrics))
	for _, cm := range req.metrics {
		known := metrics[cm.Name]
		if known == nil {
			results = append(results, CommandResult{Name: cm.Name, Err: fmt.Errorf("unknown metric %q", cm.Name)})
			continue
		}
		value, err := convertValue(cm.Value, known.datatype)
		if err != nil {
			results = append(results, CommandResult{Name: cm.Name, Err: err})
			continue
		}
		out.Metrics = append(out.Metrics, payload.Metric{
			Name:      cm.Name,
			Timestamp: now,
			DataType:  known.datatype,
			Value:     value,
		})
		results = append(results, CommandResult{Name: cm.Name})
	}

	if len(out.Metrics) > 0 {
		raw, err := payload.Marshal(&out)
		if err != nil {
			return commandResponse{err: err}
		}
		msg := &storage.Message{
			Topic:       CommandTopic(req.group, req.node, req.device),
			Payload:     raw,
			QoS:         0,
			PublishTime: time.Now(),
			Origin:      "internal",
		}
		if err := s.publisher.Publish(msg); err != nil {
			return commandResponse{err: err}
		}
	}
	return commandResponse{results: results}
}

// convertValue coerces a JSON-decoded command value into the metric's
// birth datatype.
func convertValue(v any, dt payload.DataType) (any, error) {
	switch dt {
	case payload.TypeInt8, payload.TypeInt16, payload.TypeInt32, payload.TypeInt64:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return int64(f), nil
	case payload.TypeUInt8, payload.TypeUInt16, payload.TypeUInt32, payload.TypeUInt64:
		f, ok := v.(float64)
		if !ok || f < 0 {
			return nil, fmt.Errorf("value %v is not an unsigned number", v)
		}
		return uint64(f), nil
	case payload.TypeFloat:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return float32(f), nil
	case payload.TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", v)
		}
		return f, nil
	case payload.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("value %v is not a boolean", v)
		}
		return b, nil
	case payload.TypeString:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", v)
		}
		return str, nil
	case payload.TypeBytes:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("value %v is not a string", v)
		}
		return []byte(str), nil
	default:
		return nil, fmt.Errorf("metric datatype %s not writable", dt)
	}
}
