// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "sync"

// mailbox is an unbounded FIFO of tasks drained by a single consumer.
type mailbox struct {
	mu     sync.Mutex
	tasks  []task
	notify chan struct{}
	closed bool
}

type task struct {
	run func()
	// keep survives close and still runs before the consumer stops.
	keep bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// post appends fn. It returns false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	return m.push(task{run: fn})
}

// postKept appends fn like post, but fn is not discarded by close.
func (m *mailbox) postKept(fn func()) bool {
	return m.push(task{run: fn, keep: true})
}

func (m *mailbox) push(t task) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()

	m.wake()
	return true
}

// next blocks until a task is available. Once the mailbox is closed it
// returns the remaining kept tasks and then false.
func (m *mailbox) next() (func(), bool) {
	for {
		m.mu.Lock()
		if len(m.tasks) > 0 {
			t := m.tasks[0]
			m.tasks[0] = task{}
			m.tasks = m.tasks[1:]
			m.mu.Unlock()
			return t.run, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.notify
	}
}

// close discards pending tasks that are not kept and wakes the consumer.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.keep {
			kept = append(kept, t)
		}
	}
	clear(m.tasks[len(kept):])
	m.tasks = kept
	m.mu.Unlock()

	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
