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

// encodeNames writes fixed followed by every name NUL-terminated into dst.
// dst must be namesSize(fixed, names...) bytes long.
func encodeNames(dst, fixed []byte, names ...string) {
	n := copy(dst, fixed)
	for _, name := range names {
		n += copy(dst[n:], name)
		dst[n] = 0
		n++
	}
}

func namesSize(fixed []byte, names ...string) int {
	size := len(fixed)
	for _, name := range names {
		size += len(name) + 1
	}
	return size
}

// checkNames fails with ENAMETOOLONG if any of names is not a valid path
// component length.
func checkNames(names ...string) error {
	for _, name := range names {
		if len(name) > linux.MAXNAMLEN {
			return linuxerr.ENAMETOOLONG
		}
	}
	return nil
}

// checkEntry validates a node descriptor returned for a new entry of type
// vtype.
func checkEntry(out *linux.FUSEEntryOut, vtype FileType) error {
	if FileTypeFromMode(out.Attr.Mode) != vtype {
		return linuxerr.EINVAL
	}
	if out.NodeID == 0 || out.NodeID == linux.FUSE_ROOT_ID {
		return linuxerr.EINVAL
	}
	return nil
}

// materializeEntry returns the node for out. A different node already known
// under the same id is stale: it is revoked and replaced.
func (s *Session) materializeEntry(out *linux.FUSEEntryOut) (*Node, bool) {
	if n, ok := s.nodes.materialize(out); ok {
		return n, true
	}
	if stale := s.nodes.Get(out.NodeID); stale != nil && stale.ID != linux.FUSE_ROOT_ID {
		s.disappear(stale, true)
	}
	return s.nodes.materialize(out)
}

// newEntry creates a directory entry in dir. fixed is the opcode's request
// body, followed on the wire by the new name and any extra names.
func (s *Session) newEntry(ctx context.Context, dir *Node, op linux.FUSEOpcode, vtype FileType, fixed []byte, name string, extra ...string) (*Node, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	if s.hideName(name) {
		return nil, linuxerr.EACCES
	}
	names := append([]string{name}, extra...)
	d := newDispatcher(s, namesSize(fixed, names...))
	if err := d.make(ctx, op, dir.ID); err != nil {
		return nil, err
	}
	encodeNames(d.in, fixed, names...)
	err := d.wait(ctx)
	defer dir.InvalidateAttr()
	if err != nil {
		d.release()
		return nil, err
	}
	var out linux.FUSEEntryOut
	out.UnmarshalBytes(d.answer)
	d.release()

	if err := checkEntry(&out, vtype); err != nil {
		s.log.Debugf("%v in node %d returned a bad entry (node %d, mode %#o)", op, dir.ID, out.NodeID, out.Attr.Mode)
		if out.NodeID != 0 {
			s.Forget(ctx, out.NodeID, 1)
		}
		return nil, err
	}
	n, ok := s.materializeEntry(&out)
	if !ok {
		s.Forget(ctx, out.NodeID, 1)
		return nil, linuxerr.EIO
	}
	return n, nil
}

// Mkdir creates a directory.
func (s *Session) Mkdir(ctx context.Context, dir *Node, name string, mode uint32) (*Node, error) {
	in := linux.FUSEMkdirIn{Mode: mode}
	fixed := make([]byte, linux.FUSEMkdirInSize)
	in.MarshalBytes(fixed)
	return s.newEntry(ctx, dir, linux.FUSE_MKDIR, VDIR, fixed, name)
}

// Mknod creates a file of the type encoded in mode.
func (s *Session) Mknod(ctx context.Context, dir *Node, name string, mode, rdev uint32) (*Node, error) {
	vtype := FileTypeFromMode(mode)
	if vtype == VNON || vtype == VDIR || vtype == VLNK {
		return nil, linuxerr.EINVAL
	}
	in := linux.FUSEMknodIn{Mode: mode, Rdev: rdev}
	fixed := make([]byte, linux.FUSEMknodInSize)
	in.MarshalBytes(fixed)
	return s.newEntry(ctx, dir, linux.FUSE_MKNOD, vtype, fixed, name)
}

// Symlink creates a symbolic link to target.
func (s *Session) Symlink(ctx context.Context, dir *Node, name, target string) (*Node, error) {
	if len(target) >= linux.PATH_MAX {
		return nil, linuxerr.ENAMETOOLONG
	}
	return s.newEntry(ctx, dir, linux.FUSE_SYMLINK, VLNK, nil, name, target)
}

// Link creates a hard link to target.
func (s *Session) Link(ctx context.Context, dir *Node, name string, target *Node) (*Node, error) {
	in := linux.FUSELinkIn{Oldnodeid: target.ID}
	fixed := make([]byte, linux.FUSELinkInSize)
	in.MarshalBytes(fixed)
	n, err := s.newEntry(ctx, dir, linux.FUSE_LINK, target.Type(), fixed, name)
	target.InvalidateAttr()
	return n, err
}

// Lookup resolves name in dir. Every successful lookup must eventually be
// forgotten; see Reclaim.
func (s *Session) Lookup(ctx context.Context, dir *Node, name string) (*Node, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	if s.hideName(name) {
		return nil, linuxerr.ENOENT
	}
	d := newDispatcher(s, namesSize(nil, name))
	if err := d.make(ctx, linux.FUSE_LOOKUP, dir.ID); err != nil {
		return nil, err
	}
	defer d.release()
	encodeNames(d.in, nil, name)
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	var out linux.FUSEEntryOut
	out.UnmarshalBytes(d.answer)
	if out.NodeID == 0 {
		// Negative entry.
		return nil, linuxerr.ENOENT
	}
	n, ok := s.materializeEntry(&out)
	if !ok {
		s.Forget(ctx, out.NodeID, 1)
		return nil, linuxerr.EIO
	}
	return n, nil
}

// remove unlinks name, which is n, from dir.
func (s *Session) remove(ctx context.Context, dir, n *Node, name string, op linux.FUSEOpcode) error {
	if err := checkNames(name); err != nil {
		return err
	}
	nlink := n.Nlink()
	d := newDispatcher(s, namesSize(nil, name))
	if err := d.make(ctx, op, dir.ID); err != nil {
		return err
	}
	encodeNames(d.in, nil, name)
	err := d.wait(ctx)
	d.release()

	dir.InvalidateAttr()
	n.InvalidateAttr()
	if err == nil && nlink > 1 {
		// Other links to the same file have a stale link count.
		s.nodes.Each(func(m *Node) bool {
			if m.Type() == VREG && m.Nlink() == nlink {
				m.InvalidateAttr()
			}
			return true
		})
	}
	return err
}

// Unlink removes the file name, which is n, from dir.
func (s *Session) Unlink(ctx context.Context, dir, n *Node, name string) error {
	return s.remove(ctx, dir, n, name, linux.FUSE_UNLINK)
}

// Rmdir removes the directory name, which is n, from dir.
func (s *Session) Rmdir(ctx context.Context, dir, n *Node, name string) error {
	return s.remove(ctx, dir, n, name, linux.FUSE_RMDIR)
}

// Rename moves fromName in fromDir to toName in toDir.
func (s *Session) Rename(ctx context.Context, fromDir *Node, fromName string, toDir *Node, toName string) error {
	if err := checkNames(fromName, toName); err != nil {
		return err
	}
	in := linux.FUSERenameIn{Newdir: toDir.ID}
	fixed := make([]byte, linux.FUSERenameInSize)
	in.MarshalBytes(fixed)
	d := newDispatcher(s, namesSize(fixed, fromName, toName))
	if err := d.make(ctx, linux.FUSE_RENAME, fromDir.ID); err != nil {
		return err
	}
	encodeNames(d.in, fixed, fromName, toName)
	err := d.wait(ctx)
	d.release()
	if err == nil {
		fromDir.InvalidateAttr()
		if toDir != fromDir {
			toDir.InvalidateAttr()
		}
	}
	return err
}

// Exchange atomically swaps the contents of two files.
func (s *Session) Exchange(ctx context.Context, dir1 *Node, name1 string, dir2 *Node, name2 string, options uint64) error {
	if err := checkNames(name1, name2); err != nil {
		return err
	}
	in := linux.FUSEExchangeIn{Olddir: dir1.ID, Newdir: dir2.ID, Options: options}
	fixed := make([]byte, linux.FUSEExchangeInSize)
	in.MarshalBytes(fixed)
	d := newDispatcher(s, namesSize(fixed, name1, name2))
	if err := d.make(ctx, linux.FUSE_EXCHANGE, dir1.ID); err != nil {
		return err
	}
	encodeNames(d.in, fixed, name1, name2)
	err := d.wait(ctx)
	d.release()
	dir1.InvalidateAttr()
	dir2.InvalidateAttr()
	return err
}
