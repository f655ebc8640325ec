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

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// dispatcher builds requests for one operation. It keeps its ticket between
// requests, so a multi-request operation recycles a single ticket.
//
// The zero value is not usable; see newDispatcher.
type dispatcher struct {
	s *Session
	t *Ticket

	// inSize is the size of the request body following the header.
	inSize int

	// in is the request body, valid after make.
	in []byte

	// answer is the reply body, valid after a successful wait.
	answer []byte
}

func newDispatcher(s *Session, inSize int) dispatcher {
	return dispatcher{s: s, inSize: inSize}
}

// make prepares a request. The body is left zeroed in d.in for the caller to
// fill.
func (d *dispatcher) make(ctx context.Context, op linux.FUSEOpcode, nodeID uint64) error {
	return d.prepare(ctx, op, nodeID, false)
}

// makeCanFail is like make but fails with ENOMEM instead of panicking when the
// request buffer cannot grow.
func (d *dispatcher) makeCanFail(ctx context.Context, op linux.FUSEOpcode, nodeID uint64) error {
	return d.prepare(ctx, op, nodeID, true)
}

func (d *dispatcher) prepare(ctx context.Context, op linux.FUSEOpcode, nodeID uint64, canFail bool) error {
	if d.t != nil {
		d.s.reuseTicket(d.t)
	} else {
		t, err := d.s.fetchTicket(ctx)
		if err != nil {
			return err
		}
		d.t = t
	}
	d.answer = nil

	size := linux.FUSEHeaderInSize + d.inSize
	if canFail {
		if err := d.t.msg.TryResize(size); err != nil {
			d.s.killTicket(d.t)
			d.t = nil
			return err
		}
	} else {
		d.t.msg.Resize(size)
	}

	buf := d.t.msg.Bytes()
	creds := CredentialsFromContext(ctx)
	hdr := linux.FUSEHeaderIn{
		Len:    uint32(size),
		Opcode: op,
		Unique: d.t.unique,
		NodeID: nodeID,
		UID:    creds.UID,
		GID:    creds.GID,
		PID:    creds.PID,
	}
	hdr.MarshalBytes(buf[:linux.FUSEHeaderInSize])
	d.in = buf[linux.FUSEHeaderInSize:]
	return nil
}

// setBulk sends data after the request body and accounts for it in the
// header length.
func (d *dispatcher) setBulk(data []byte) {
	d.t.bulk = data
	b := d.t.msg.Bytes()
	linux.ByteOrder.PutUint32(b[0:], uint32(len(b)+len(data)))
}

// setAnswerBuffer makes the reply body land in dst instead of the ticket.
func (d *dispatcher) setAnswerBuffer(dst []byte) {
	d.t.mu.Lock()
	d.t.target = answerBuf
	d.t.answerBuf = dst
	d.t.mu.Unlock()
}

// answerBufSize returns the number of bytes copied by setAnswerBuffer's
// target.
func (d *dispatcher) answerBufSize() int {
	d.t.mu.Lock()
	defer d.t.mu.Unlock()
	return d.t.answerBufSize
}

// wait sends the request and blocks for the reply. On success the reply
// body is in d.answer. A daemon error is returned as its errno.
func (d *dispatcher) wait(ctx context.Context) error {
	s, t := d.s, d.t
	if !s.insertCallback(t, standardHandler) {
		d.release()
		return linuxerr.ENOTCONN
	}
	// If the session died in between, waitAnswer reports it.
	s.insertMessage(t)

	if err := t.waitAnswer(ctx); err != nil {
		if err == linuxerr.EINTR {
			// The awaiting-answer queue owns the ticket now.
			d.t = nil
			return err
		}
		d.release()
		return err
	}

	t.mu.Lock()
	pullErr := t.pullErr
	hdr := t.outHeader
	t.mu.Unlock()
	if pullErr != nil {
		d.release()
		return linuxerr.EIO
	}
	if hdr.Error != 0 {
		d.release()
		return errorFromWire(hdr.Error)
	}
	d.answer = t.answer.Bytes()
	return nil
}

// release gives the ticket back. It is safe to call more than once.
func (d *dispatcher) release() {
	if d.t != nil {
		d.s.dropTicket(d.t)
		d.t = nil
	}
	d.in = nil
	d.answer = nil
}

// sendNoReply queues a fire-and-forget request. The ticket is dropped once
// delivered.
func (d *dispatcher) sendNoReply() {
	t := d.t
	d.t = nil
	t.setFlags(ticketInvalid)
	if !d.s.insertMessage(t) {
		d.s.dropTicket(t)
	}
}

// sendAsync queues a request whose reply is handled by h. The ticket belongs
// to h from now on.
func (d *dispatcher) sendAsync(h Handler) error {
	t := d.t
	d.t = nil
	if !d.s.insertCallback(t, h) {
		d.s.dropTicket(t)
		return linuxerr.ENOTCONN
	}
	if !d.s.insertMessage(t) {
		// The session died after the callback was registered, so
		// rejectAnswers runs h.
		return linuxerr.ENOTCONN
	}
	return nil
}

// errorFromWire converts the error field of a reply header.
func errorFromWire(e int32) error {
	if e < 0 {
		e = -e
	}
	return linuxerr.ErrorFromUnix(unix.Errno(e))
}
