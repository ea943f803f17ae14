// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"

	"github.com/axonmq/axonmq/storage"
)

const defaultQueueLimit = 1000

// queue is a bounded FIFO of messages waiting for a detached session
// to reconnect.
type queue struct {
	mu    sync.Mutex
	items []*storage.Message
	limit int
}

func newQueue(limit int) *queue {
	return &queue{limit: limit}
}

func (q *queue) enqueue(msg *storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, msg)
	return nil
}

func (q *queue) dequeue() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}

func (q *queue) drain() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
