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
)

// Fsync asks the daemon to flush the node through filehandle fh. It does not
// wait for the reply. Once the daemon answers ENOSYS, later calls return
// immediately.
func (s *Session) Fsync(ctx context.Context, n *Node, fh uint64) error {
	op := linux.FUSE_FSYNC
	if n.Type() == VDIR {
		op = linux.FUSE_FSYNCDIR
	}
	if !s.isImplemented(op) {
		return nil
	}
	d := newDispatcher(s, linux.FUSEFsyncInSize)
	if err := d.make(ctx, op, n.ID); err != nil {
		return err
	}
	in := linux.FUSEFsyncIn{Fh: fh, FsyncFlags: linux.FUSE_FSYNC_FDATASYNC}
	in.MarshalBytes(d.in)
	return d.sendAsync(s.fsyncCallback)
}

func (s *Session) fsyncCallback(t *Ticket, _ uint64, hdr linux.FUSEHeaderOut, _ []byte) error {
	if hdr.Error == -int32(unix.ENOSYS) {
		switch op := t.opcode(); op {
		case linux.FUSE_FSYNC, linux.FUSE_FSYNCDIR:
			s.setNotImplemented(op)
		default:
			s.log.Warningf("unexpected %v in fsync handling", op)
		}
	}
	s.dropTicket(t)
	return nil
}
