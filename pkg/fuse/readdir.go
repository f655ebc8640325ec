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
	"strings"

	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// hostDirentHeader is the fixed part of a host directory entry: fileno u32,
// reclen u16, type u8, namlen u8.
const hostDirentHeader = 8

// HostDirentSize returns the size of a host directory entry for a name of
// namlen bytes. The name is NUL-terminated and padded to 4 bytes.
func HostDirentSize(namlen int) int {
	return hostDirentHeader + ((namlen + 1 + 3) &^ 3)
}

// errShortDirent stops a directory read: the daemon's buffer is used up or
// the caller's buffer is full. It is not reported to the caller.
var errShortDirent = errors.New("fuse: short directory entry")

// DirCursor is the position of a directory read. Offset is the daemon's
// cookie for the next entry.
type DirCursor struct {
	Offset uint64
}

// HostDirent is a decoded host directory entry.
type HostDirent struct {
	Fileno uint32
	Type   uint8
	Name   string
}

// ParseHostDirents decodes the entries written by Readdir.
func ParseHostDirents(buf []byte) ([]HostDirent, error) {
	var ents []HostDirent
	for len(buf) > 0 {
		if len(buf) < hostDirentHeader {
			return ents, linuxerr.EINVAL
		}
		reclen := int(linux.ByteOrder.Uint16(buf[4:]))
		namlen := int(buf[7])
		if reclen < HostDirentSize(namlen) || reclen > len(buf) {
			return ents, linuxerr.EINVAL
		}
		ents = append(ents, HostDirent{
			Fileno: linux.ByteOrder.Uint32(buf[0:]),
			Type:   buf[6],
			Name:   string(buf[hostDirentHeader : hostDirentHeader+namlen]),
		})
		buf = buf[reclen:]
	}
	return ents, nil
}

// isAppleDouble returns true for names hidden by MountNoAppleDouble.
func isAppleDouble(name string) bool {
	return strings.HasPrefix(name, "._") || name == ".DS_Store"
}

// hideName returns true if name must not be shown on this mount.
func (s *Session) hideName(name string) bool {
	return s.opts.Flags&MountNoAppleDouble != 0 && isAppleDouble(name)
}

// transcodeDirents converts the wire entries in src into host entries in
// dst, advancing cursor past every converted entry. It returns the number of
// bytes written.
//
// A nil error means a later entry was truncated and another request should
// be made. errShortDirent means the read is over for now.
func (s *Session) transcodeDirents(dst, src []byte, cursor *DirCursor) (int, error) {
	written := 0
	for count := 1; ; count++ {
		if len(src) < linux.FUSE_NAME_OFFSET {
			return written, errShortDirent
		}
		var meta linux.FUSEDirentMeta
		meta.UnmarshalBytes(src)
		wireSize := linux.FUSEDirentSize(int(meta.NameLen))
		if len(src) < wireSize {
			if count == 1 {
				return written, errShortDirent
			}
			return written, nil
		}
		if meta.NameLen == 0 {
			return written, linuxerr.EINVAL
		}
		if meta.NameLen > linux.MAXNAMLEN {
			return written, linuxerr.EIO
		}
		namlen := int(meta.NameLen)
		size := HostDirentSize(namlen)
		if size > len(dst)-written {
			return written, errShortDirent
		}

		name := src[linux.FUSE_NAME_OFFSET : linux.FUSE_NAME_OFFSET+namlen]
		rec := dst[written : written+size]
		fileno := uint32(meta.Ino)
		typ := direntType(meta.Type)
		if s.hideName(string(name)) {
			fileno = 0
			typ = linux.DT_WHT
		}
		linux.ByteOrder.PutUint32(rec[0:], fileno)
		linux.ByteOrder.PutUint16(rec[4:], uint16(size))
		rec[6] = typ
		rec[7] = uint8(namlen)
		n := copy(rec[hostDirentHeader:], name)
		clear(rec[hostDirentHeader+n:])

		written += size
		src = src[wireSize:]
		cursor.Offset = meta.Off
	}
}

// Readdir reads entries of dir through filehandle fh into dst, starting at
// cursor, and returns the number of bytes written. Zero bytes and a nil error
// mean the end of the directory.
func (s *Session) Readdir(ctx context.Context, dir *Node, fh uint64, cursor *DirCursor, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	d := newDispatcher(s, linux.FUSEReadInSize)
	defer d.release()

	written := 0
	for written < len(dst) {
		if err := d.make(ctx, linux.FUSE_READDIR, dir.ID); err != nil {
			return written, err
		}
		in := linux.FUSEReadIn{
			Fh:     fh,
			Offset: cursor.Offset,
			Size:   uint32(min(len(dst)-written, s.IOSize())),
		}
		in.MarshalBytes(d.in)
		if err := d.wait(ctx); err != nil {
			return written, err
		}
		n, err := s.transcodeDirents(dst[written:], d.answer, cursor)
		written += n
		if err == errShortDirent {
			break
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
