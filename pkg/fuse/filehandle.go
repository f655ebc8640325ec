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

// FileHandleType selects one of the per-node filehandle slots.
type FileHandleType int

// Filehandle types.
const (
	FileHandleReadOnly FileHandleType = iota
	FileHandleWriteOnly
	FileHandleReadWrite

	fileHandleTypes
)

func (ft FileHandleType) String() string {
	switch ft {
	case FileHandleReadOnly:
		return "rdonly"
	case FileHandleWriteOnly:
		return "wronly"
	case FileHandleReadWrite:
		return "rdwr"
	default:
		return "invalid"
	}
}

// openFlags returns the open(2) flags sent for a filehandle type.
func (ft FileHandleType) openFlags() uint32 {
	switch ft {
	case FileHandleWriteOnly:
		return unix.O_WRONLY
	case FileHandleReadWrite:
		return unix.O_RDWR
	default:
		return unix.O_RDONLY
	}
}

type fileHandleFlags uint32

const (
	fileHandleValid fileHandleFlags = 1 << iota

	// fileHandleMapped is set while the handle backs a memory mapping.
	fileHandleMapped

	// fileHandleStrategy is set on handles opened by the bulk data path
	// rather than by an explicit open.
	fileHandleStrategy
)

// FileHandle is a daemon-assigned open instance of a node.
type FileHandle struct {
	// Fh is the daemon's handle id.
	Fh uint64

	// OpenFlags are the flags the daemon returned from open.
	OpenFlags uint32

	flags fileHandleFlags
}

// Valid returns true if the handle is open.
func (fh *FileHandle) Valid() bool {
	return fh.flags&fileHandleValid != 0
}

// Handle returns a copy of the node's filehandle of the given type.
func (n *Node) Handle(ft FileHandleType) FileHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handles[ft]
}

// validHandle returns the handle id of type ft, if it is open.
func (n *Node) validHandle(ft FileHandleType) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fh := &n.handles[ft]
	return fh.Fh, fh.Valid()
}

// SetMapped marks the handle of type ft as backing a mapping, or not.
func (n *Node) SetMapped(ft FileHandleType, mapped bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if mapped {
		n.handles[ft].flags |= fileHandleMapped
	} else {
		n.handles[ft].flags &^= fileHandleMapped
	}
}

// Open returns the node's filehandle of type ft, opening it on the daemon
// if needed. Directories can only be opened read-only.
func (s *Session) Open(ctx context.Context, n *Node, ft FileHandleType) (uint64, error) {
	return s.openHandle(ctx, n, ft, 0)
}

func (s *Session) openHandle(ctx context.Context, n *Node, ft FileHandleType, extra fileHandleFlags) (uint64, error) {
	if ft < 0 || ft >= fileHandleTypes {
		return 0, linuxerr.EINVAL
	}
	if fh, ok := n.validHandle(ft); ok {
		return fh, nil
	}
	op := linux.FUSE_OPEN
	if n.Type() == VDIR {
		if ft != FileHandleReadOnly {
			return 0, linuxerr.EISDIR
		}
		op = linux.FUSE_OPENDIR
	}
	if ft != FileHandleReadOnly && s.opts.Flags&MountReadOnly != 0 {
		return 0, linuxerr.EROFS
	}

	d := newDispatcher(s, linux.FUSEOpenInSize)
	if err := d.make(ctx, op, n.ID); err != nil {
		return 0, err
	}
	in := linux.FUSEOpenIn{Flags: ft.openFlags()}
	in.MarshalBytes(d.in)
	if err := d.wait(ctx); err != nil {
		d.release()
		if err == linuxerr.ENOENT {
			s.disappear(n, true)
		}
		return 0, err
	}
	var out linux.FUSEOpenOut
	out.UnmarshalBytes(d.answer)
	d.release()

	n.mu.Lock()
	slot := &n.handles[ft]
	if slot.Valid() {
		// Lost a race with another open; keep the first handle.
		fh := slot.Fh
		n.mu.Unlock()
		s.sendRelease(ctx, n, op, out.Fh, ft.openFlags())
		return fh, nil
	}
	*slot = FileHandle{
		Fh:        out.Fh,
		OpenFlags: out.OpenFlag,
		flags:     fileHandleValid | extra,
	}
	n.mu.Unlock()
	return out.Fh, nil
}

// Release closes the node's filehandle of type ft. Releasing a handle that
// is not open does nothing.
func (s *Session) Release(ctx context.Context, n *Node, ft FileHandleType) error {
	if ft < 0 || ft >= fileHandleTypes {
		return linuxerr.EINVAL
	}
	n.mu.Lock()
	slot := &n.handles[ft]
	if !slot.Valid() {
		n.mu.Unlock()
		return nil
	}
	fh := slot.Fh
	*slot = FileHandle{}
	isDir := n.vtype == VDIR
	n.mu.Unlock()

	op := linux.FUSE_RELEASE
	if isDir {
		op = linux.FUSE_RELEASEDIR
	}
	return s.sendRelease(ctx, n, op, fh, ft.openFlags())
}

// releaseAll closes every open filehandle of n, ignoring errors.
func (s *Session) releaseAll(ctx context.Context, n *Node) {
	for ft := FileHandleReadOnly; ft < fileHandleTypes; ft++ {
		if err := s.Release(ctx, n, ft); err != nil {
			s.log.Debugf("releasing %v handle of node %d: %v", ft, n.ID, err)
		}
	}
}

func (s *Session) sendRelease(ctx context.Context, n *Node, op linux.FUSEOpcode, fh uint64, flags uint32) error {
	if op == linux.FUSE_OPEN {
		op = linux.FUSE_RELEASE
	} else if op == linux.FUSE_OPENDIR {
		op = linux.FUSE_RELEASEDIR
	}
	d := newDispatcher(s, linux.FUSEReleaseInSize)
	if err := d.make(ctx, op, n.ID); err != nil {
		return err
	}
	defer d.release()
	in := linux.FUSEReleaseIn{Fh: fh, Flags: flags}
	in.MarshalBytes(d.in)
	return d.wait(ctx)
}
