// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/axonmq/axonmq/packets"
)

const (
	storeShards   = 16
	sweepInterval = 1 * time.Second
	// receivedSweepAge bounds how long inbound QoS 2 identifiers are
	// remembered without a PUBREL.
	receivedSweepAge = 5 * time.Minute
)

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Store keeps all sessions, sharded by client identifier. It sweeps
// expired sessions and overdue will messages in the background.
type Store struct {
	shards [storeShards]*shard
	logger *slog.Logger

	onExpire func(s *Session)
	onWill   func(s *Session, w *Will)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStore creates a session store and starts its sweep loop.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	st := &Store{
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for i := range st.shards {
		st.shards[i] = &shard{sessions: make(map[string]*Session)}
	}

	st.wg.Add(1)
	go st.sweepLoop()
	return st
}

// OnExpire registers the callback invoked when a detached session
// passes its expiry deadline, before it is removed.
func (st *Store) OnExpire(fn func(*Session)) {
	st.onExpire = fn
}

// OnWill registers the callback invoked when a will message becomes
// due for publication.
func (st *Store) OnWill(fn func(*Session, *Will)) {
	st.onWill = fn
}

func (st *Store) shardFor(clientID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return st.shards[h.Sum32()%storeShards]
}

// Attach binds a connection to the session for clientID, creating or
// resuming it as the clean start flag dictates. It reports whether
// prior session state was resumed. An existing live connection for the
// same client is taken over and closed; a v5 connection first receives
// a DISCONNECT with the session taken over reason code.
func (st *Store) Attach(clientID string, conn Connection, opts Options) (*Session, bool) {
	sh := st.shardFor(clientID)
	sh.mu.Lock()

	existing := sh.sessions[clientID]

	var will *Will
	if existing != nil && existing.IsConnected() {
		will = st.takeover(existing)
	}

	s := existing
	resumed := true
	if opts.CleanStart || existing == nil || existing.State() == StateExpired {
		s = New(clientID, opts)
		s.Connect(conn, opts)
		sh.sessions[clientID] = s
		resumed = false
	} else {
		existing.Connect(conn, opts)
	}
	sh.mu.Unlock()

	// fired outside the shard lock: publication walks the store
	if will != nil && st.onWill != nil {
		st.onWill(existing, will)
	}
	return s, resumed
}

func (st *Store) takeover(s *Session) *Will {
	st.logger.Info("session taken over", "client_id", s.ID)

	if s.Version == packets.V5 {
		d := packets.NewControlPacket(packets.DisconnectType, packets.V5).(*packets.Disconnect)
		d.ReasonCode = packets.CodeSessionTakenOver
		if err := s.WritePacket(d); err != nil {
			st.logger.Debug("takeover disconnect write failed", "client_id", s.ID, "error", err)
		}
	}
	s.Disconnect(false)

	// an undelayed will fires on takeover; a delayed one is cancelled
	// by the incoming connection
	return s.TakeWill(time.Now())
}

// Get returns the session for a client identifier, nil when absent.
func (st *Store) Get(clientID string) *Session {
	sh := st.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[clientID]
}

// Detach removes a session entirely.
func (st *Store) Detach(clientID string) {
	sh := st.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, clientID)
}

// Range calls fn for every session. fn must not block.
func (st *Store) Range(fn func(*Session)) {
	for _, sh := range st.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			fn(s)
		}
		sh.mu.RUnlock()
	}
}

// Count returns the total number of sessions.
func (st *Store) Count() int {
	n := 0
	for _, sh := range st.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// ConnectedCount returns the number of sessions with a live
// connection.
func (st *Store) ConnectedCount() int {
	n := 0
	st.Range(func(s *Session) {
		if s.IsConnected() {
			n++
		}
	})
	return n
}

func (st *Store) sweepLoop() {
	defer st.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep(time.Now())
		case <-st.stopCh:
			return
		}
	}
}

func (st *Store) sweep(now time.Time) {
	type dueWill struct {
		s *Session
		w *Will
	}

	for _, sh := range st.shards {
		var expired []*Session
		var wills []dueWill

		sh.mu.Lock()
		for id, s := range sh.sessions {
			if w := s.TakeWill(now); w != nil {
				wills = append(wills, dueWill{s, w})
			}
			s.Inflight.SweepReceived(receivedSweepAge)

			deadline := s.ExpiryDeadline()
			if !deadline.IsZero() && now.After(deadline) {
				s.markExpired()
				delete(sh.sessions, id)
				expired = append(expired, s)
			}
		}
		sh.mu.Unlock()

		for _, dw := range wills {
			if st.onWill != nil {
				st.onWill(dw.s, dw.w)
			}
		}

		for _, s := range expired {
			st.logger.Info("session expired", "client_id", s.ID)
			if w := s.takeWillForced(); w != nil && st.onWill != nil {
				st.onWill(s, w)
			}
			if st.onExpire != nil {
				st.onExpire(s)
			}
		}
	}
}

// Close stops the sweep loop and disconnects all live sessions.
func (st *Store) Close() error {
	close(st.stopCh)
	st.wg.Wait()

	st.Range(func(s *Session) {
		if s.IsConnected() {
			s.Disconnect(true)
		}
	})
	return nil
}
