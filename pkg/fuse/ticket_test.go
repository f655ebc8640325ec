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
	"sync"
	"testing"
	"time"

	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// checkFreeCount verifies that the free counter matches the free list.
func checkFreeCount(t *testing.T, s *Session) {
	t.Helper()
	s.ticketMu.Lock()
	defer s.ticketMu.Unlock()
	if got := s.freeTickets.Len(); got != s.freeCount {
		t.Fatalf("free list holds %d tickets, counter says %d", got, s.freeCount)
	}
}

func TestTicketRecycle(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.setInitialized()
	ctx := testContext(t)

	t1, err := s.fetchTicket(ctx)
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	unique, age := t1.Unique(), t1.Age()
	s.dropTicket(t1)
	checkFreeCount(t, s)

	t2, err := s.fetchTicket(ctx)
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	if t2 != t1 {
		t.Fatalf("fetchTicket did not reuse the free ticket")
	}
	if t2.Unique() <= unique {
		t.Errorf("recycled ticket kept correlation id %d (was %d)", t2.Unique(), unique)
	}
	if t2.Age() != age+1 {
		t.Errorf("recycled ticket age = %d, want %d", t2.Age(), age+1)
	}
	s.dropTicket(t2)
	checkFreeCount(t, s)
	if st := s.Stats(); st.Tickets != 1 || st.FreeTickets != 1 {
		t.Errorf("Stats() = %d tickets, %d free, want 1 and 1", st.Tickets, st.FreeTickets)
	}
}

func TestTicketFreeListLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxFreeTickets = 2
	s := newTestSession(t, opts)
	s.setInitialized()
	ctx := testContext(t)

	var tickets []*Ticket
	for i := 0; i < 5; i++ {
		tk, err := s.fetchTicket(ctx)
		if err != nil {
			t.Fatalf("fetchTicket failed: %v", err)
		}
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		s.dropTicket(tk)
		checkFreeCount(t, s)
	}
	st := s.Stats()
	if st.FreeTickets != 2 || st.Tickets != 2 || st.DestroyedTickets != 3 {
		t.Errorf("Stats() = %+v, want 2 free of 2 tickets and 3 destroyed", st)
	}
	if got := s.buffers.Outstanding(); got != 4 {
		t.Errorf("outstanding buffers = %d, want 4", got)
	}
}

func TestTicketKillIsNotRecycled(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.setInitialized()
	tk, err := s.fetchTicket(testContext(t))
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	tk.setFlags(ticketKill)
	s.dropTicket(tk)
	checkFreeCount(t, s)
	if st := s.Stats(); st.Tickets != 0 || st.FreeTickets != 0 {
		t.Errorf("killed ticket still registered: %+v", st)
	}
}

func TestTicketUniqueConcurrent(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.setInitialized()
	ctx := testContext(t)

	const workers, rounds = 8, 50
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
		dups int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				tk, err := s.fetchTicket(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				if seen[tk.Unique()] {
					dups++
				}
				seen[tk.Unique()] = true
				mu.Unlock()
				s.dropTicket(tk)
			}
		}()
	}
	wg.Wait()
	if dups != 0 {
		t.Errorf("%d duplicate correlation ids", dups)
	}
	if len(seen) != workers*rounds {
		t.Errorf("got %d correlation ids, want %d", len(seen), workers*rounds)
	}
	checkFreeCount(t, s)
}

func TestTicketInitGate(t *testing.T) {
	s := newTestSession(t, testOptions())
	ctx := testContext(t)

	// The first ticket is the handshake and passes the gate.
	first, err := s.fetchTicket(ctx)
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	defer s.dropTicket(first)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := s.fetchTicket(short); err != linuxerr.EINTR {
		t.Fatalf("fetchTicket before init = %v, want EINTR", err)
	}
	if s.Dead() {
		t.Fatalf("cancelled gate wait killed the session")
	}

	got := make(chan error, 1)
	go func() {
		tk, err := s.fetchTicket(ctx)
		if err == nil {
			s.dropTicket(tk)
		}
		got <- err
	}()
	s.setInitialized()
	if err := <-got; err != nil {
		t.Fatalf("fetchTicket after init = %v, want nil", err)
	}
	checkFreeCount(t, s)
}

func TestTicketInitGateDead(t *testing.T) {
	s := newTestSession(t, testOptions())
	ctx := testContext(t)
	first, err := s.fetchTicket(ctx)
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	defer s.dropTicket(first)

	got := make(chan error, 1)
	go func() {
		_, err := s.fetchTicket(ctx)
		got <- err
	}()
	s.SetDead()
	if err := <-got; err != linuxerr.ENOTCONN {
		t.Fatalf("fetchTicket on dead session = %v, want ENOTCONN", err)
	}
}

func TestTicketMaxTickets(t *testing.T) {
	opts := testOptions()
	opts.MaxTickets = 2
	s := newTestSession(t, opts)
	s.setInitialized()
	ctx := testContext(t)

	var held []*Ticket
	for i := 0; i < 2; i++ {
		tk, err := s.fetchTicket(ctx)
		if err != nil {
			t.Fatalf("fetchTicket %d failed: %v", i, err)
		}
		held = append(held, tk)
	}
	if _, err := s.fetchTicket(ctx); err != linuxerr.ENOTCONN {
		t.Fatalf("fetchTicket over the limit = %v, want ENOTCONN", err)
	}
	if !s.Dead() {
		t.Errorf("session alive after exceeding the ticket limit")
	}
	for _, tk := range held {
		s.dropTicket(tk)
	}
}

func TestQueueDirtyTicketPanics(t *testing.T) {
	s := newTestSession(t, testOptions())
	s.setInitialized()
	tk, err := s.fetchTicket(testContext(t))
	if err != nil {
		t.Fatalf("fetchTicket failed: %v", err)
	}
	if !s.insertMessage(tk) {
		t.Fatalf("insertMessage failed")
	}
	s.msMu.Lock()
	s.msQueue.Remove(tk)
	s.msMu.Unlock()
	defer func() {
		if recover() == nil {
			t.Errorf("queueing a dirty ticket did not panic")
		}
	}()
	s.insertMessage(tk)
}
