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
	"sync"
	"sync/atomic"

	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
	"gvisor.dev/fusebridge/pkg/ilist"
	"gvisor.dev/fusebridge/pkg/iov"
)

type ticketFlags uint32

const (
	// ticketDirty is set once the ticket has been queued for sending. A
	// dirty ticket must be refreshed before it is queued again.
	ticketDirty ticketFlags = 1 << iota

	// ticketAnswered is set once the waiter must stop waiting.
	ticketAnswered

	// ticketInvalid marks fire-and-forget requests, dropped once sent.
	ticketInvalid

	// ticketKill makes dropTicket destroy the ticket instead of recycling
	// it.
	ticketKill

	// ticketAbandoned is set when the waiter gave up on the answer. The
	// ticket is then owned by the awaiting-answer queue.
	ticketAbandoned
)

// answerTarget says where a reply body is copied.
type answerTarget int

const (
	// answerIOV copies into the ticket's own buffer.
	answerIOV answerTarget = iota

	// answerBuf copies into a caller-supplied buffer.
	answerBuf
)

// Handler consumes a reply for a ticket. age is the ticket's age when the
// reply was matched to it.
type Handler func(t *Ticket, age uint64, hdr linux.FUSEHeaderOut, body []byte) error

// Ticket is one request/response exchange with the daemon. Tickets are
// recycled; every use gets a fresh correlation id and a higher age.
type Ticket struct {
	s *Session

	// unique is the correlation id. It is written by the owner while the
	// ticket is off every queue.
	unique uint64

	// age is bumped every time the ticket is recycled.
	age atomic.Uint64

	// msg holds the request header and fixed body.
	msg *iov.Buffer

	// bulk is sent after msg. It is the caller's data for writes.
	bulk []byte

	// mu protects the fields below and msg while it is being sent.
	mu sync.Mutex

	// +checklocks:mu
	flags ticketFlags

	// +checklocks:mu
	outHeader linux.FUSEHeaderOut

	// +checklocks:mu
	answer *iov.Buffer

	// +checklocks:mu
	target answerTarget

	// +checklocks:mu
	answerBuf []byte

	// answerBufSize is the number of bytes copied to answerBuf.
	// +checklocks:mu
	answerBufSize int

	// pullErr is the error hit while accepting the reply body.
	// +checklocks:mu
	pullErr error

	// handler is protected by Session.awMu.
	handler Handler

	// wake is signalled, without blocking, when the ticket is answered.
	wake chan struct{}

	allEntry  ilist.Entry[Ticket]
	freeEntry ilist.Entry[Ticket]
	msEntry   ilist.Entry[Ticket]
	awEntry   ilist.Entry[Ticket]
}

// Unique returns the ticket's correlation id.
func (t *Ticket) Unique() uint64 {
	return t.unique
}

// Age returns the number of times the ticket was recycled.
func (t *Ticket) Age() uint64 {
	return t.age.Load()
}

// opcode returns the opcode in the request header.
func (t *Ticket) opcode() linux.FUSEOpcode {
	b := t.msg.Bytes()
	if len(b) < linux.FUSEHeaderInSize {
		return 0
	}
	return linux.FUSEOpcode(linux.ByteOrder.Uint32(b[4:]))
}

// requestBody returns the request bytes following the header.
func (t *Ticket) requestBody() []byte {
	b := t.msg.Bytes()
	if len(b) < linux.FUSEHeaderInSize {
		return nil
	}
	return b[linux.FUSEHeaderInSize:]
}

func (t *Ticket) setFlags(f ticketFlags) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

func (t *Ticket) hasFlags(f ticketFlags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags&f == f
}

// wakeOne signals the waiter, if any.
func (t *Ticket) wakeOne() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// refresh resets the ticket for reuse.
func (t *Ticket) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msg.Refresh()
	t.bulk = nil
	t.outHeader = linux.FUSEHeaderOut{}
	t.answer.Refresh()
	t.target = answerIOV
	t.answerBuf = nil
	t.answerBufSize = 0
	t.pullErr = nil
	t.flags = 0
	t.age.Add(1)
	select {
	case <-t.wake:
	default:
	}
}

// destroy releases the ticket's buffers. It is idempotent.
func (t *Ticket) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.msg == nil {
		return
	}
	t.msg.Release()
	t.answer.Release()
	t.msg = nil
	t.answer = nil
}

func (s *Session) allocTicket() *Ticket {
	t := &Ticket{
		s:    s,
		wake: make(chan struct{}, 1),
	}
	t.msg = s.buffers.Allocate(linux.FUSEHeaderInSize)
	t.answer = s.buffers.Allocate(0)
	return t
}

// assignUnique gives t the next correlation id.
func (s *Session) assignUnique(t *Ticket) uint64 {
	s.ticketMu.Lock()
	defer s.ticketMu.Unlock()
	s.ticketer++
	t.unique = s.ticketer
	return s.ticketer
}

// fetchTicket returns a ticket owned by the caller.
//
// Until the handshake completes, every request but the first one blocks.
func (s *Session) fetchTicket(ctx context.Context) (*Ticket, error) {
	s.ticketMu.Lock()
	var t *Ticket
	if s.freeCount == 0 {
		if !s.freeTickets.Empty() {
			panic(fmt.Sprintf("fuse: free list holds %d tickets, count says 0", s.freeTickets.Len()))
		}
		s.ticketMu.Unlock()
		t = s.allocTicket()
		s.ticketMu.Lock()
		s.allTickets.PushBack(t)
	} else {
		t = s.freeTickets.PopFront()
		if t == nil {
			panic(fmt.Sprintf("fuse: free list empty, count says %d", s.freeCount))
		}
		s.freeCount--
	}
	s.ticketer++
	t.unique = s.ticketer
	issued := s.ticketer
	live := s.allTickets.Len()
	s.ticketMu.Unlock()

	if !s.Initialized() && issued > 1 {
		if err := s.waitInitialized(ctx); err != nil {
			s.dropTicket(t)
			return nil, err
		}
	}
	if s.opts.MaxTickets != 0 && live > s.opts.MaxTickets {
		s.log.Warningf("%d live tickets exceed the limit of %d, giving up on the daemon", live, s.opts.MaxTickets)
		s.SetDead()
		s.dropTicket(t)
		return nil, linuxerr.ENOTCONN
	}
	return t, nil
}

// waitInitialized blocks until the handshake completes or the session dies.
func (s *Session) waitInitialized(ctx context.Context) error {
	select {
	case <-s.initCh:
		return nil
	case <-s.deadCh:
		return linuxerr.ENOTCONN
	case <-ctx.Done():
		return linuxerr.EINTR
	}
}

// reuseTicket prepares a ticket the caller already owns for another request.
func (s *Session) reuseTicket(t *Ticket) {
	s.unlinkTicket(t)
	t.refresh()
	s.assignUnique(t)
}

// unlinkTicket takes t off the send and answer queues.
func (s *Session) unlinkTicket(t *Ticket) {
	s.msMu.Lock()
	s.msQueue.Remove(t)
	s.msMu.Unlock()
	s.awMu.Lock()
	s.awQueue.Remove(t)
	t.handler = nil
	s.awMu.Unlock()
}

// dropTicket gives a ticket back to the session. It is recycled onto the
// free list unless the list is full or the ticket was marked for killing.
func (s *Session) dropTicket(t *Ticket) {
	s.unlinkTicket(t)
	killed := t.hasFlags(ticketKill)

	s.ticketMu.Lock()
	limit := s.opts.MaxFreeTickets
	if killed || (limit >= 0 && limit <= s.freeCount) {
		s.allTickets.Remove(t)
		s.destroyedTickets++
		s.ticketMu.Unlock()
		t.destroy()
		return
	}
	s.ticketMu.Unlock()

	t.refresh()

	s.ticketMu.Lock()
	s.freeTickets.PushBack(t)
	s.freeCount++
	s.ticketMu.Unlock()
}

// killTicket destroys a ticket unconditionally.
func (s *Session) killTicket(t *Ticket) {
	s.unlinkTicket(t)
	s.ticketMu.Lock()
	s.allTickets.Remove(t)
	s.destroyedTickets++
	s.ticketMu.Unlock()
	t.destroy()
}
