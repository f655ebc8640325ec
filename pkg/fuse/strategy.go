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

	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// strategyHandle finds a filehandle for bulk I/O on n. An existing
// read-only (or write-only) handle is preferred, then a read-write one.
// Otherwise a new handle is opened and marked as belonging to the bulk path.
func (s *Session) strategyHandle(ctx context.Context, n *Node, write bool) (uint64, error) {
	want := FileHandleReadOnly
	if write {
		want = FileHandleWriteOnly
	}
	if fh, ok := n.validHandle(want); ok {
		return fh, nil
	}
	if fh, ok := n.validHandle(FileHandleReadWrite); ok {
		return fh, nil
	}
	if write {
		want = FileHandleReadWrite
	}
	return s.openHandle(ctx, n, want, fileHandleStrategy)
}

// strategyNode checks that n supports bulk I/O and returns its type.
func strategyNode(n *Node) (FileType, error) {
	switch vtype := n.Type(); vtype {
	case VREG, VDIR:
		return vtype, nil
	default:
		return vtype, linuxerr.ENOTSUP
	}
}

// StrategyRead fills dst from n at offset off. The read is clipped to the
// cached file size; data missing from a short reply reads as zeroes. The
// reply is copied straight into dst.
func (s *Session) StrategyRead(ctx context.Context, n *Node, off uint64, dst []byte) (int, error) {
	vtype, err := strategyNode(n)
	if err != nil {
		return 0, err
	}
	if s.Dead() {
		return 0, linuxerr.EIO
	}
	if len(dst) == 0 {
		return 0, nil
	}
	size := n.Size()
	if off >= size {
		return 0, nil
	}
	if remain := size - off; uint64(len(dst)) > remain {
		dst = dst[:remain]
	}
	fh, err := s.strategyHandle(ctx, n, false)
	if err != nil {
		s.log.Debugf("no read handle for node %d: %v", n.ID, err)
		return 0, linuxerr.EIO
	}

	op := linux.FUSE_READ
	if vtype == VDIR {
		op = linux.FUSE_READDIR
	}
	d := newDispatcher(s, linux.FUSEReadInSize)
	defer d.release()

	done := 0
	for done < len(dst) {
		chunk := min(len(dst)-done, s.IOSize())
		if err := d.make(ctx, op, n.ID); err != nil {
			return done, err
		}
		in := linux.FUSEReadIn{
			Fh:     fh,
			Offset: off + uint64(done),
			Size:   uint32(chunk),
		}
		in.MarshalBytes(d.in)
		d.setAnswerBuffer(dst[done : done+chunk])
		if err := d.wait(ctx); err != nil {
			return done, err
		}
		got := d.answerBufSize()
		done += got
		if got < chunk {
			// End of data: the rest is a hole.
			clear(dst[done:])
			done = len(dst)
		}
	}
	return done, nil
}

// StrategyWrite writes src to n at offset off. Writes are split at the
// smaller of the I/O size and the daemon's max_write; a chunk the daemon
// accepts only partly is resent from where it stopped.
func (s *Session) StrategyWrite(ctx context.Context, n *Node, off uint64, src []byte) (int, error) {
	if _, err := strategyNode(n); err != nil {
		return 0, err
	}
	if s.Dead() {
		return 0, linuxerr.EIO
	}
	if len(src) == 0 {
		return 0, nil
	}
	fh, err := s.strategyHandle(ctx, n, true)
	if err != nil {
		s.log.Debugf("no write handle for node %d: %v", n.ID, err)
		return 0, linuxerr.EIO
	}

	limit := s.IOSize()
	if mw := int(s.MaxWrite()); mw > 0 && mw < limit {
		limit = mw
	}
	d := newDispatcher(s, linux.FUSEWriteInSize)
	defer d.release()

	done := 0
	defer func() {
		if done > 0 {
			n.extendSize(off + uint64(done))
		}
		n.InvalidateAttr()
	}()
	for done < len(src) {
		chunk := min(len(src)-done, limit)
		if err := d.make(ctx, linux.FUSE_WRITE, n.ID); err != nil {
			return done, err
		}
		in := linux.FUSEWriteIn{
			Fh:     fh,
			Offset: off + uint64(done),
			Size:   uint32(chunk),
		}
		in.MarshalBytes(d.in)
		d.setBulk(src[done : done+chunk])
		if err := d.wait(ctx); err != nil {
			return done, err
		}
		var out linux.FUSEWriteOut
		out.UnmarshalBytes(d.answer)
		accepted := int(out.Size)
		if accepted > chunk {
			return done, linuxerr.EINVAL
		}
		if accepted == 0 {
			return done, linuxerr.EIO
		}
		done += accepted
	}
	return done, nil
}
