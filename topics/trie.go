// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"strings"
	"sync"
)

// Subscription describes one subscription entry stored in the tree.
// ShareGroup is empty for regular subscriptions.
type Subscription struct {
	ClientID          string
	Filter            string
	ShareGroup        string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
	SubscriptionID    int
}

// node is one level of the subscription tree. Single and multi level
// wildcards are kept in dedicated children so matching never scans the
// literal child map for them.
type node struct {
	children map[string]*node
	single   *node // '+'
	multi    *node // '#', terminal
	subs     map[string]*Subscription
	shared   map[string]*shareGroup
}

func newNode() *node {
	return &node{}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && n.single == nil && n.multi == nil &&
		len(n.subs) == 0 && len(n.shared) == 0
}

// Tree is a concurrency-safe subscription trie keyed by topic filter
// levels. Shared subscriptions are grouped per node and group name.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// NewTree creates an empty subscription tree.
func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// Subscribe inserts or replaces a subscription. The filter in sub may
// carry a $share prefix; the inner filter decides tree placement.
// Returns true when the subscription replaced an existing one from the
// same client.
func (t *Tree) Subscribe(sub *Subscription) bool {
	group, filter, shared := ParseShared(sub.Filter)
	if shared {
		sub.ShareGroup = group
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, level := range strings.Split(filter, "/") {
		switch level {
		case "+":
			if n.single == nil {
				n.single = newNode()
			}
			n = n.single
		case "#":
			if n.multi == nil {
				n.multi = newNode()
			}
			n = n.multi
		default:
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child, ok := n.children[level]
			if !ok {
				child = newNode()
				n.children[level] = child
			}
			n = child
		}
	}

	if shared {
		if n.shared == nil {
			n.shared = make(map[string]*shareGroup)
		}
		g, ok := n.shared[group]
		if !ok {
			g = &shareGroup{}
			n.shared[group] = g
		}
		existed := false
		for _, m := range g.members {
			if m.ClientID == sub.ClientID {
				existed = true
				break
			}
		}
		g.add(sub)
		return existed
	}

	if n.subs == nil {
		n.subs = make(map[string]*Subscription)
	}
	_, existed := n.subs[sub.ClientID]
	n.subs[sub.ClientID] = sub
	return existed
}

// Unsubscribe removes the subscription a client holds on the given
// filter, $share prefix included for shared subscriptions. Empty nodes
// are pruned on the way back up. Returns true when a subscription was
// removed.
func (t *Tree) Unsubscribe(clientID, filter string) bool {
	group, inner, shared := ParseShared(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(inner, "/")
	return t.remove(t.root, levels, clientID, group, shared)
}

func (t *Tree) remove(n *node, levels []string, clientID, group string, shared bool) bool {
	if len(levels) == 0 {
		if shared {
			g, ok := n.shared[group]
			if !ok {
				return false
			}
			removed := g.remove(clientID)
			if removed && len(g.members) == 0 {
				delete(n.shared, group)
			}
			return removed
		}
		if _, ok := n.subs[clientID]; !ok {
			return false
		}
		delete(n.subs, clientID)
		return true
	}

	var child *node
	level := levels[0]
	switch level {
	case "+":
		child = n.single
	case "#":
		child = n.multi
	default:
		child = n.children[level]
	}
	if child == nil {
		return false
	}

	removed := t.remove(child, levels[1:], clientID, group, shared)
	if removed && child.empty() {
		switch level {
		case "+":
			n.single = nil
		case "#":
			n.multi = nil
		default:
			delete(n.children, level)
		}
	}
	return removed
}

// Match returns the subscriptions a topic should be delivered to:
// every regular subscriber plus exactly one member per touched shared
// group. The credit callback, when non-nil, lets round-robin selection
// skip shared members that cannot accept more messages.
func (t *Tree) Match(topic string, credit func(clientID string) bool) []*Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(topic, "/")
	var out []*Subscription

	t.match(t.root, levels, strings.HasPrefix(topic, "$"), credit, &out)
	return out
}

func (t *Tree) match(n *node, levels []string, skipWildcard bool, credit func(string) bool, out *[]*Subscription) {
	if len(levels) == 0 {
		n.collect(credit, out)
		// "a/#" also matches "a"
		if n.multi != nil {
			n.multi.collect(credit, out)
		}
		return
	}

	level := levels[0]

	if child, ok := n.children[level]; ok {
		t.match(child, levels[1:], false, credit, out)
	}

	// topics beginning with '$' are not matched by wildcards at the
	// first level
	if skipWildcard {
		return
	}

	if n.single != nil {
		t.match(n.single, levels[1:], false, credit, out)
	}
	if n.multi != nil {
		n.multi.collect(credit, out)
	}
}

func (n *node) collect(credit func(string) bool, out *[]*Subscription) {
	for _, sub := range n.subs {
		*out = append(*out, sub)
	}
	for _, g := range n.shared {
		if m := g.pick(credit); m != nil {
			*out = append(*out, m)
		}
	}
}

// Delivery is the per-session result of coalescing trie matches: the
// highest granted QoS and all subscription identifiers in match order.
type Delivery struct {
	ClientID          string
	QoS               byte
	RetainAsPublished bool
	SubscriptionIDs   []int
}

// Coalesce merges matched subscriptions into one delivery per session.
// Subscriptions marked NoLocal are skipped when the session is the
// publisher.
func Coalesce(matches []*Subscription, publisher string) []Delivery {
	var order []string
	merged := make(map[string]*Delivery)

	for _, sub := range matches {
		if sub.NoLocal && sub.ClientID == publisher {
			continue
		}
		d, ok := merged[sub.ClientID]
		if !ok {
			d = &Delivery{ClientID: sub.ClientID}
			merged[sub.ClientID] = d
			order = append(order, sub.ClientID)
		}
		if sub.QoS > d.QoS {
			d.QoS = sub.QoS
		}
		if sub.RetainAsPublished {
			d.RetainAsPublished = true
		}
		if sub.SubscriptionID > 0 {
			d.SubscriptionIDs = append(d.SubscriptionIDs, sub.SubscriptionID)
		}
	}

	out := make([]Delivery, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}
