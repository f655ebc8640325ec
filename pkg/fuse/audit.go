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
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// sizeKind is how the reply body of an opcode is checked.
type sizeKind int

const (
	// sizeExact requires exactly size bytes.
	sizeExact sizeKind = iota

	// sizeNone requires an empty body.
	sizeNone

	// sizeUpToRequested bounds the body by the size field of a
	// FUSEReadIn request.
	sizeUpToRequested

	// sizeUpToPage bounds the body by the page size.
	sizeUpToPage

	// sizeXattr is FUSEGetxattrOut for a size probe, otherwise bounded by
	// the size field of the FUSEGetxattrIn request.
	sizeXattr

	// sizeStatfs is FUSEStatfsOut, or its compat size before 7.4.
	sizeStatfs

	// sizeInit is FUSEInitOut or its compat size.
	sizeInit

	// sizeUnchecked accepts anything.
	sizeUnchecked
)

type bodyRule struct {
	kind sizeKind
	size int
}

// bodyRules describes the reply body of every opcode that has a reply.
// Opcodes missing from the table never get one; a reply for them means the
// daemon and the kernel disagree about the protocol.
var bodyRules = map[linux.FUSEOpcode]bodyRule{
	linux.FUSE_LOOKUP:      {sizeExact, linux.FUSEEntryOutSize},
	linux.FUSE_GETATTR:     {sizeExact, linux.FUSEAttrOutSize},
	linux.FUSE_SETATTR:     {sizeExact, linux.FUSEAttrOutSize},
	linux.FUSE_GETXTIMES:   {sizeExact, linux.FUSEGetxtimesOutSize},
	linux.FUSE_READLINK:    {kind: sizeUpToPage},
	linux.FUSE_SYMLINK:     {sizeExact, linux.FUSEEntryOutSize},
	linux.FUSE_MKNOD:       {sizeExact, linux.FUSEEntryOutSize},
	linux.FUSE_MKDIR:       {sizeExact, linux.FUSEEntryOutSize},
	linux.FUSE_LINK:        {sizeExact, linux.FUSEEntryOutSize},
	linux.FUSE_UNLINK:      {kind: sizeNone},
	linux.FUSE_RMDIR:       {kind: sizeNone},
	linux.FUSE_RENAME:      {kind: sizeNone},
	linux.FUSE_OPEN:        {sizeExact, linux.FUSEOpenOutSize},
	linux.FUSE_OPENDIR:     {sizeExact, linux.FUSEOpenOutSize},
	linux.FUSE_READ:        {kind: sizeUpToRequested},
	linux.FUSE_READDIR:     {kind: sizeUpToRequested},
	linux.FUSE_WRITE:       {sizeExact, linux.FUSEWriteOutSize},
	linux.FUSE_STATFS:      {kind: sizeStatfs},
	linux.FUSE_RELEASE:     {kind: sizeNone},
	linux.FUSE_FSYNC:       {kind: sizeNone},
	linux.FUSE_FLUSH:       {kind: sizeNone},
	linux.FUSE_RELEASEDIR:  {kind: sizeNone},
	linux.FUSE_FSYNCDIR:    {kind: sizeNone},
	linux.FUSE_ACCESS:      {kind: sizeNone},
	linux.FUSE_DESTROY:     {kind: sizeNone},
	linux.FUSE_EXCHANGE:    {kind: sizeNone},
	linux.FUSE_SETVOLNAME:  {kind: sizeNone},
	linux.FUSE_SETXATTR:    {kind: sizeNone},
	linux.FUSE_REMOVEXATTR: {kind: sizeNone},
	linux.FUSE_GETXATTR:    {kind: sizeXattr},
	linux.FUSE_LISTXATTR:   {kind: sizeXattr},
	linux.FUSE_INIT:        {kind: sizeInit},
	linux.FUSE_CREATE:      {sizeExact, linux.FUSEEntryOutSize + linux.FUSEOpenOutSize},
	linux.FUSE_BMAP:        {sizeExact, linux.FUSEBmapOutSize},
	linux.FUSE_INTERRUPT:   {kind: sizeUnchecked},
}

// DesyncError reports a reply the kernel cannot make sense of at all. The
// session is declared dead when one is seen.
type DesyncError struct {
	Opcode linux.FUSEOpcode
	Unique uint64
}

// Error implements error.Error.
func (e *DesyncError) Error() string {
	return fmt.Sprintf("fuse: reply %d for %v, which has no reply layout", e.Unique, e.Opcode)
}

// auditBody checks a reply body of blen bytes against the request in t.
func (s *Session) auditBody(t *Ticket, blen int) error {
	if s.dead.Load() {
		return linuxerr.ENOTCONN
	}
	op := t.opcode()
	rule, ok := bodyRules[op]
	if !ok {
		return &DesyncError{Opcode: op, Unique: t.unique}
	}
	ok = false
	switch rule.kind {
	case sizeExact:
		ok = blen == rule.size
	case sizeNone:
		ok = blen == 0
	case sizeUpToRequested:
		var in linux.FUSEReadIn
		if body := t.requestBody(); len(body) >= linux.FUSEReadInSize {
			in.UnmarshalBytes(body)
		}
		ok = blen <= int(in.Size)
	case sizeUpToPage:
		ok = blen <= unix.Getpagesize()
	case sizeXattr:
		var in linux.FUSEGetxattrIn
		if body := t.requestBody(); len(body) >= linux.FUSEGetxattrInSize {
			in.UnmarshalBytes(body)
		}
		if in.Size == 0 {
			ok = blen == linux.FUSEGetxattrOutSize
		} else {
			ok = blen <= int(in.Size)
		}
	case sizeStatfs:
		if s.abiAtLeast(7, 4) {
			ok = blen == linux.FUSEStatfsOutSize
		} else {
			ok = blen == linux.FUSECompatStatfsSize
		}
	case sizeInit:
		ok = blen == linux.FUSEInitOutSize || blen == linux.FUSECompatInitOutSize
	case sizeUnchecked:
		ok = true
	}
	if !ok {
		s.log.Debugf("reply %d for %v has a %d byte body", t.unique, op, blen)
		return linuxerr.EINVAL
	}
	return nil
}

// auditReplyHeader checks a reply header against the message it came in.
func auditReplyHeader(hdr *linux.FUSEHeaderOut, blen int) error {
	if int(hdr.Len) != linux.FUSEHeaderOutSize+blen {
		return linuxerr.EINVAL
	}
	if hdr.Error != 0 && blen != 0 {
		return linuxerr.EINVAL
	}
	if hdr.Error > 0 || hdr.Error <= -4096 {
		return linuxerr.EINVAL
	}
	return nil
}

// pullLocked audits and stores the reply body.
//
// Preconditions: t.mu is locked.
func (t *Ticket) pullLocked(hdr linux.FUSEHeaderOut, body []byte) error {
	if hdr.Error != 0 {
		return nil
	}
	if err := t.s.auditBody(t, len(body)); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	switch t.target {
	case answerBuf:
		if len(body) > len(t.answerBuf) {
			return linuxerr.EINVAL
		}
		t.answerBufSize = copy(t.answerBuf, body)
	default:
		// The size comes from the daemon, so growing must not panic.
		if err := t.answer.TryResize(len(body)); err != nil {
			t.flags |= ticketKill
			return err
		}
		copy(t.answer.Bytes(), body)
	}
	return nil
}

// standardHandler completes a ticket someone is waiting on.
func standardHandler(t *Ticket, age uint64, hdr linux.FUSEHeaderOut, body []byte) error {
	s := t.s
	t.mu.Lock()
	if t.age.Load() != age {
		t.mu.Unlock()
		s.ratelog.Debugf("stale reply %d discarded", hdr.Unique)
		return nil
	}
	if t.flags&ticketAbandoned != 0 {
		t.mu.Unlock()
		s.dropTicket(t)
		return nil
	}
	if t.flags&ticketAnswered != 0 {
		t.mu.Unlock()
		s.ratelog.Debugf("reply %d for an already answered ticket", hdr.Unique)
		return nil
	}
	t.outHeader = hdr
	err := t.pullLocked(hdr, body)
	t.pullErr = err
	t.flags |= ticketAnswered
	t.mu.Unlock()
	t.wakeOne()
	return err
}
