// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// queueMessage adds t to the pending-send queue. It returns false, leaving t
// with the caller, if the session is dead.
func (s *Session) queueMessage(t *Ticket, head bool) bool {
	s.msMu.Lock()
	if s.dead.Load() {
		s.msMu.Unlock()
		return false
	}
	t.mu.Lock()
	if t.flags&ticketDirty != 0 {
		t.mu.Unlock()
		s.msMu.Unlock()
		panic(fmt.Sprintf("fuse: ticket %d queued again without a refresh", t.unique))
	}
	t.flags |= ticketDirty
	t.mu.Unlock()
	if head {
		s.msQueue.PushFront(t)
	} else {
		s.msQueue.PushBack(t)
	}
	s.msMu.Unlock()
	s.counters.requests.Add(1)
	s.wakeReader()
	return true
}

// insertMessage queues t for the daemon.
func (s *Session) insertMessage(t *Ticket) bool {
	return s.queueMessage(t, false)
}

// insertMessageHead queues t ahead of every pending request.
func (s *Session) insertMessageHead(t *Ticket) bool {
	return s.queueMessage(t, true)
}

// insertCallback registers h as the reply handler of t and puts t on the
// awaiting-answer queue. It returns false if the session is dead.
func (s *Session) insertCallback(t *Ticket, h Handler) bool {
	s.awMu.Lock()
	// Checked under awMu so that rejectAnswers, which runs after dead is
	// set, cannot miss the ticket.
	if s.dead.Load() {
		s.awMu.Unlock()
		return false
	}
	t.handler = h
	s.awQueue.PushBack(t)
	s.awMu.Unlock()
	return true
}

func (s *Session) wakeReader() {
	select {
	case s.msReady <- struct{}{}:
	default:
	}
}

// nextMessage pops the next request to deliver, blocking until one is queued
// or the session dies. It also returns the ticket's age at the time of the pop.
func (s *Session) nextMessage(ctx context.Context) (*Ticket, uint64, error) {
	for {
		s.msMu.Lock()
		if s.dead.Load() {
			s.msMu.Unlock()
			return nil, 0, linuxerr.ENODEV
		}
		t := s.msQueue.PopFront()
		var age uint64
		if t != nil {
			age = t.age.Load()
		}
		more := !s.msQueue.Empty()
		s.msMu.Unlock()
		if t != nil {
			if more {
				s.wakeReader()
			}
			return t, age, nil
		}
		select {
		case <-s.msReady:
		case <-s.deadCh:
		case <-ctx.Done():
			return nil, 0, linuxerr.EINTR
		}
	}
}

// claimAnswer removes the ticket with the given correlation id from the
// awaiting-answer queue, returning it with its handler and current age.
func (s *Session) claimAnswer(unique uint64) (*Ticket, Handler, uint64, bool) {
	s.awMu.Lock()
	defer s.awMu.Unlock()
	for t := s.awQueue.Front(); t != nil; t = s.awQueue.Next(t) {
		if t.unique == unique {
			s.awQueue.Remove(t)
			h := t.handler
			t.handler = nil
			return t, h, t.age.Load(), true
		}
	}
	return nil, nil, 0, false
}

// complete runs the reply handler for a claimed ticket. A ticket without a
// handler was abandoned by its waiter and is dropped.
func (s *Session) complete(t *Ticket, h Handler, age uint64, hdr linux.FUSEHeaderOut, body []byte) error {
	if h == nil {
		s.dropTicket(t)
		return nil
	}
	return h(t, age, hdr, body)
}

// rejectAnswers completes every ticket on the awaiting-answer queue with
// ENOTCONN.
func (s *Session) rejectAnswers() {
	for {
		s.awMu.Lock()
		t := s.awQueue.PopFront()
		var (
			h   Handler
			age uint64
		)
		if t != nil {
			h = t.handler
			t.handler = nil
			age = t.age.Load()
		}
		s.awMu.Unlock()
		if t == nil {
			return
		}
		hdr := linux.FUSEHeaderOut{
			Len:    linux.FUSEHeaderOutSize,
			Error:  -int32(unix.ENOTCONN),
			Unique: t.unique,
		}
		if err := s.complete(t, h, age, hdr, nil); err != nil {
			s.log.Debugf("rejecting ticket %d: %v", hdr.Unique, err)
		}
	}
}

// wakeReason records why waitAnswer woke up.
type wakeReason int

const (
	wokeAnswer wakeReason = iota
	wokeDead
	wokeTimeout
	wokeCancel
)

// waitAnswer blocks until t is answered, the session dies, the daemon times
// out for good, or ctx is cancelled.
//
// On cancellation the ticket is abandoned: it stays with the awaiting-answer
// queue, EINTR is returned and the caller must not touch it again.
func (t *Ticket) waitAnswer(ctx context.Context) error {
	s := t.s
	t.mu.Lock()
	if t.flags&ticketAnswered != 0 {
		t.mu.Unlock()
		return nil
	}
	if s.dead.Load() {
		t.flags |= ticketAnswered
		t.mu.Unlock()
		return linuxerr.ENOTCONN
	}
	t.mu.Unlock()

	for {
		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if d := s.currentDaemonTimeout(); d > 0 {
			timer = time.NewTimer(d)
			timeout = timer.C
		}
		var why wakeReason
		select {
		case <-t.wake:
			why = wokeAnswer
		case <-s.deadCh:
			why = wokeDead
		case <-timeout:
			why = wokeTimeout
		case <-ctx.Done():
			why = wokeCancel
		}
		if timer != nil {
			timer.Stop()
		}

		t.mu.Lock()
		if t.flags&ticketAnswered != 0 {
			t.mu.Unlock()
			return nil
		}
		if s.dead.Load() {
			t.flags |= ticketAnswered
			t.mu.Unlock()
			return linuxerr.ENOTCONN
		}
		t.mu.Unlock()

		switch why {
		case wokeCancel:
			return s.abandon(t)
		case wokeTimeout:
			if !s.daemonTimedOut(ctx) {
				t.setFlags(ticketAnswered)
				return linuxerr.ENOTCONN
			}
		}
	}
}

// abandon gives up on t after the waiter was interrupted. A best-effort
// FUSE_INTERRUPT is sent, and the ticket is left on the awaiting-answer queue
// without a handler, so that a late reply is consumed and the ticket dropped.
func (s *Session) abandon(t *Ticket) error {
	t.mu.Lock()
	if t.flags&ticketAnswered != 0 {
		t.mu.Unlock()
		return nil
	}
	t.flags |= ticketAnswered | ticketAbandoned
	age := t.age.Load()
	unique := t.unique
	t.mu.Unlock()

	s.counters.interrupts.Add(1)
	s.sendInterrupt(unique)

	s.awMu.Lock()
	if s.awQueue.Contains(t) && t.age.Load() == age {
		t.handler = nil
	}
	s.awMu.Unlock()
	return linuxerr.EINTR
}
