// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const sharePrefix = "$share/"

// ParseShared parses a shared subscription filter of the form
// $share/{group}/{filter}. It returns the group name, the inner topic
// filter and whether the filter was shared.
func ParseShared(filter string) (group, topicFilter string, isShared bool) {
	if !strings.HasPrefix(filter, sharePrefix) {
		return "", filter, false
	}

	rest := filter[len(sharePrefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", filter, false
	}

	return parts[0], parts[1], true
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}

// shareGroup is the per-node bucket of shared subscribers for one
// group name. Members keep insertion order so round-robin selection is
// deterministic.
type shareGroup struct {
	members []*Subscription
	next    int
}

func (g *shareGroup) add(sub *Subscription) {
	for i, m := range g.members {
		if m.ClientID == sub.ClientID {
			g.members[i] = sub
			return
		}
	}
	g.members = append(g.members, sub)
}

func (g *shareGroup) remove(clientID string) bool {
	for i, m := range g.members {
		if m.ClientID == clientID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			if g.next >= len(g.members) {
				g.next = 0
			}
			return true
		}
	}
	return false
}

// pick selects one member round-robin, skipping members the credit
// callback rejects. When every member is out of credit the first
// member by insertion order is returned.
func (g *shareGroup) pick(credit func(clientID string) bool) *Subscription {
	if len(g.members) == 0 {
		return nil
	}
	n := len(g.members)
	for i := 0; i < n; i++ {
		idx := (g.next + i) % n
		m := g.members[idx]
		if credit == nil || credit(m.ClientID) {
			g.next = (idx + 1) % n
			return m
		}
	}
	return g.members[0]
}
