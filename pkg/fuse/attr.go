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

// Getattr returns the attributes of n, from the cache while they are valid.
func (s *Session) Getattr(ctx context.Context, n *Node) (linux.FUSEAttr, error) {
	if attr, ok := n.Attr(); ok {
		return attr, nil
	}
	d := newDispatcher(s, 0)
	if err := d.make(ctx, linux.FUSE_GETATTR, n.ID); err != nil {
		return linux.FUSEAttr{}, err
	}
	defer d.release()
	if err := d.wait(ctx); err != nil {
		if err == linuxerr.ENOENT {
			s.disappear(n, true)
		}
		return linux.FUSEAttr{}, err
	}
	var out linux.FUSEAttrOut
	out.UnmarshalBytes(d.answer)
	if vtype := FileTypeFromMode(out.Attr.Mode); vtype != n.Type() {
		s.log.Infof("node %d changed type from %v to %v", n.ID, n.Type(), vtype)
		s.disappear(n, true)
		return linux.FUSEAttr{}, linuxerr.EIO
	}
	n.cacheAttr(out.Attr, validity(out.AttrValid, out.AttrValidNsec))
	return out.Attr, nil
}

// Getxtimes returns the backup and creation times of n.
func (s *Session) Getxtimes(ctx context.Context, n *Node) (linux.FUSEGetxtimesOut, error) {
	var out linux.FUSEGetxtimesOut
	if !s.isImplemented(linux.FUSE_GETXTIMES) {
		return out, linuxerr.ENOTSUP
	}
	d := newDispatcher(s, 0)
	if err := d.make(ctx, linux.FUSE_GETXTIMES, n.ID); err != nil {
		return out, err
	}
	defer d.release()
	if err := d.wait(ctx); err != nil {
		if err == linuxerr.ENOSYS {
			s.setNotImplemented(linux.FUSE_GETXTIMES)
			return out, linuxerr.ENOTSUP
		}
		return out, err
	}
	out.UnmarshalBytes(d.answer)
	return out, nil
}

// Statfs returns file system statistics. Daemons older than 7.4 send a
// shorter reply; the missing fields read as zero.
func (s *Session) Statfs(ctx context.Context) (linux.FUSEStatfsOut, error) {
	var out linux.FUSEStatfsOut
	d := newDispatcher(s, 0)
	if err := d.make(ctx, linux.FUSE_STATFS, linux.FUSE_ROOT_ID); err != nil {
		return out, err
	}
	defer d.release()
	if err := d.wait(ctx); err != nil {
		return out, err
	}
	full := make([]byte, linux.FUSEStatfsOutSize)
	copy(full, d.answer)
	out.UnmarshalBytes(full)
	if out.Bsize == 0 {
		out.Bsize = s.opts.BlockSize
	}
	return out, nil
}

// Readlink returns the target of a symbolic link.
func (s *Session) Readlink(ctx context.Context, n *Node) (string, error) {
	if n.Type() != VLNK {
		return "", linuxerr.EINVAL
	}
	d := newDispatcher(s, 0)
	if err := d.make(ctx, linux.FUSE_READLINK, n.ID); err != nil {
		return "", err
	}
	defer d.release()
	if err := d.wait(ctx); err != nil {
		return "", err
	}
	if len(d.answer) == 0 {
		return "", linuxerr.EIO
	}
	return string(d.answer), nil
}

// Getxattr reads the extended attribute name of n. With size zero it only
// returns the attribute's size.
func (s *Session) Getxattr(ctx context.Context, n *Node, name string, size uint32) ([]byte, uint32, error) {
	if name == "" {
		return nil, 0, linuxerr.EINVAL
	}
	if err := checkNames(name); err != nil {
		return nil, 0, err
	}
	return s.xattr(ctx, n, linux.FUSE_GETXATTR, name, size)
}

// Listxattr lists the extended attribute names of n, NUL-separated. With
// size zero it only returns the size of the list.
func (s *Session) Listxattr(ctx context.Context, n *Node, size uint32) ([]byte, uint32, error) {
	return s.xattr(ctx, n, linux.FUSE_LISTXATTR, "", size)
}

func (s *Session) xattr(ctx context.Context, n *Node, op linux.FUSEOpcode, name string, size uint32) ([]byte, uint32, error) {
	if !s.isImplemented(op) {
		return nil, 0, linuxerr.ENOTSUP
	}
	// The daemon cannot send more than the transport carries. A larger
	// attribute fails with ERANGE, as for any short buffer.
	size = min(size, uint32(s.maxReplyBody()))
	in := linux.FUSEGetxattrIn{Size: size}
	fixed := make([]byte, linux.FUSEGetxattrInSize)
	in.MarshalBytes(fixed)
	var d dispatcher
	if name != "" {
		d = newDispatcher(s, namesSize(fixed, name))
	} else {
		d = newDispatcher(s, len(fixed))
	}
	if err := d.make(ctx, op, n.ID); err != nil {
		return nil, 0, err
	}
	defer d.release()
	if name != "" {
		encodeNames(d.in, fixed, name)
	} else {
		copy(d.in, fixed)
	}
	if err := d.wait(ctx); err != nil {
		if err == linuxerr.ENOSYS {
			s.setNotImplemented(op)
			return nil, 0, linuxerr.ENOTSUP
		}
		return nil, 0, err
	}
	if size == 0 {
		var out linux.FUSEGetxattrOut
		out.UnmarshalBytes(d.answer)
		return nil, out.Size, nil
	}
	data := append([]byte(nil), d.answer...)
	return data, uint32(len(data)), nil
}

// Removexattr removes the extended attribute name of n.
func (s *Session) Removexattr(ctx context.Context, n *Node, name string) error {
	if !s.isImplemented(linux.FUSE_REMOVEXATTR) {
		return linuxerr.ENOTSUP
	}
	if err := checkNames(name); err != nil {
		return err
	}
	d := newDispatcher(s, namesSize(nil, name))
	if err := d.make(ctx, linux.FUSE_REMOVEXATTR, n.ID); err != nil {
		return err
	}
	defer d.release()
	encodeNames(d.in, nil, name)
	err := d.wait(ctx)
	if err == linuxerr.ENOSYS {
		s.setNotImplemented(linux.FUSE_REMOVEXATTR)
		return linuxerr.ENOTSUP
	}
	if err == nil {
		n.InvalidateAttr()
	}
	return err
}
