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
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// Device is the daemon's end of a session. The daemon reads requests from it
// and writes replies to it, one message per call.
type Device struct {
	s *Session
}

// Device returns the session's device.
func (s *Session) Device() *Device {
	return &Device{s: s}
}

// Read copies the next request into dst, blocking until there is one. A dst
// too small for the request is a fatal daemon bug: the session is declared
// dead and ENODEV returned.
func (d *Device) Read(ctx context.Context, dst []byte) (int, error) {
	for {
		t, age, err := d.s.nextMessage(ctx)
		if err != nil {
			return 0, err
		}
		n, ok, err := d.deliver(t, age, dst)
		if ok || err != nil {
			return n, err
		}
		// The owner gave the ticket back after it left the queue, which
		// only happens once the session is dead.
		if d.s.Dead() {
			return 0, linuxerr.ENODEV
		}
	}
}

// deliver copies the request t carried when it was popped at age into dst.
// ok is false if the ticket has been dropped or recycled since.
func (d *Device) deliver(t *Ticket, age uint64, dst []byte) (n int, ok bool, err error) {
	s := d.s
	t.mu.Lock()
	if t.msg == nil || t.age.Load() != age {
		t.mu.Unlock()
		return 0, false, nil
	}
	msg := t.msg.Bytes()
	need := len(msg) + len(t.bulk)
	if len(dst) < need {
		t.mu.Unlock()
		s.log.Warningf("daemon read buffer of %d bytes cannot hold a %d byte request", len(dst), need)
		s.SetDead()
		d.sent(t)
		return 0, true, linuxerr.ENODEV
	}
	n = copy(dst, msg)
	n += copy(dst[n:], t.bulk)
	t.mu.Unlock()

	d.sent(t)
	return n, true, nil
}

// sent drops fire-and-forget tickets once they have left the queue.
func (d *Device) sent(t *Ticket) {
	if t.hasFlags(ticketInvalid) {
		d.s.dropTicket(t)
	}
}

// Write consumes one reply. Replies that match no outstanding request are
// discarded without error.
func (d *Device) Write(msg []byte) (int, error) {
	s := d.s
	if len(msg) < linux.FUSEHeaderOutSize {
		return 0, linuxerr.EINVAL
	}
	var hdr linux.FUSEHeaderOut
	hdr.UnmarshalBytes(msg)
	body := msg[linux.FUSEHeaderOutSize:]
	if err := auditReplyHeader(&hdr, len(body)); err != nil {
		s.ratelog.Warningf("malformed reply header: len %d, error %d, message size %d", hdr.Len, hdr.Error, len(msg))
		return 0, err
	}
	if s.dead.Load() {
		return 0, linuxerr.ENODEV
	}

	s.counters.replies.Add(1)
	t, h, age, ok := s.claimAnswer(hdr.Unique)
	if !ok {
		s.counters.unmatched.Add(1)
		s.ratelog.Warningf("discarding reply %d, no request is waiting for it", hdr.Unique)
		return len(msg), nil
	}
	s.noteResponsive()

	if err := s.complete(t, h, age, hdr, body); err != nil {
		var desync *DesyncError
		if errors.As(err, &desync) {
			s.log.Warningf("%v", err)
			s.SetDead()
		}
		return 0, err
	}
	return len(msg), nil
}

// Serve moves messages between the session and a daemon speaking the
// length-prefixed stream protocol on rw, until either side fails or the
// session dies. The session is declared dead when Serve returns.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.pumpRequests(ctx, rw)
	})
	g.Go(func() error {
		return d.pumpReplies(rw)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-d.s.Done():
		}
		// Unblock the reply pump.
		if c, ok := rw.(io.Closer); ok {
			c.Close()
		}
		return nil
	})
	err := g.Wait()
	d.s.SetDead()
	if isShutdownError(err) {
		return nil
	}
	return err
}

// isShutdownError returns true for the errors the pumps see when the other
// side goes away.
func isShutdownError(err error) bool {
	return err == linuxerr.ENODEV ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func (d *Device) pumpRequests(ctx context.Context, w io.Writer) error {
	buf := make([]byte, linux.FUSEHeaderInSize+linux.FUSEWriteInSize+max(d.s.IOSize(), 8192))
	for {
		n, err := d.Read(ctx, buf)
		if err != nil {
			if err == linuxerr.EINTR {
				return ctx.Err()
			}
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
	}
}

// maxReplyBody is the largest reply body the stream transport accepts.
func (s *Session) maxReplyBody() int {
	return s.IOSize() + 4096
}

func (d *Device) pumpReplies(r io.Reader) error {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return err
		}
		size := int(linux.ByteOrder.Uint32(lenBuf[:]))
		if size < linux.FUSEHeaderOutSize || size > linux.FUSEHeaderOutSize+d.s.maxReplyBody() {
			d.s.log.Warningf("daemon sent a %d byte reply, dropping the connection", size)
			return linuxerr.EINVAL
		}
		msg := make([]byte, size)
		copy(msg, lenBuf[:])
		if _, err := io.ReadFull(r, msg[4:]); err != nil {
			return err
		}
		if _, err := d.Write(msg); err != nil {
			var desync *DesyncError
			if errors.As(err, &desync) || d.s.Dead() {
				return err
			}
			// Malformed replies fail only the reply.
			d.s.ratelog.Warningf("reply rejected: %v", err)
		}
	}
}
