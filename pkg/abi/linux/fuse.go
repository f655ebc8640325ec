// Copyright 2020 The gVisor Authors.
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

package linux

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of the FUSE wire protocol.
var ByteOrder = binary.LittleEndian

// Marshallable is a fixed-size FUSE wire structure.
type Marshallable interface {
	// SizeBytes returns the encoded size.
	SizeBytes() int

	// MarshalBytes encodes into dst, which must be at least SizeBytes long.
	MarshalBytes(dst []byte)

	// UnmarshalBytes decodes from src, which must be at least SizeBytes
	// long.
	UnmarshalBytes(src []byte)
}

// FUSEOpcode identifies a FUSE operation.
type FUSEOpcode uint32

// FUSE_ROOT_ID is the id of root inode.
const FUSE_ROOT_ID = 1

// Opcodes for FUSE operations. Analogous to the opcodes in include/linux/fuse.h.
const (
	FUSE_LOOKUP      FUSEOpcode = 1
	FUSE_FORGET      FUSEOpcode = 2
	FUSE_GETATTR     FUSEOpcode = 3
	FUSE_SETATTR     FUSEOpcode = 4
	FUSE_READLINK    FUSEOpcode = 5
	FUSE_SYMLINK     FUSEOpcode = 6
	FUSE_MKNOD       FUSEOpcode = 8
	FUSE_MKDIR       FUSEOpcode = 9
	FUSE_UNLINK      FUSEOpcode = 10
	FUSE_RMDIR       FUSEOpcode = 11
	FUSE_RENAME      FUSEOpcode = 12
	FUSE_LINK        FUSEOpcode = 13
	FUSE_OPEN        FUSEOpcode = 14
	FUSE_READ        FUSEOpcode = 15
	FUSE_WRITE       FUSEOpcode = 16
	FUSE_STATFS      FUSEOpcode = 17
	FUSE_RELEASE     FUSEOpcode = 18
	FUSE_FSYNC       FUSEOpcode = 20
	FUSE_SETXATTR    FUSEOpcode = 21
	FUSE_GETXATTR    FUSEOpcode = 22
	FUSE_LISTXATTR   FUSEOpcode = 23
	FUSE_REMOVEXATTR FUSEOpcode = 24
	FUSE_FLUSH       FUSEOpcode = 25
	FUSE_INIT        FUSEOpcode = 26
	FUSE_OPENDIR     FUSEOpcode = 27
	FUSE_READDIR     FUSEOpcode = 28
	FUSE_RELEASEDIR  FUSEOpcode = 29
	FUSE_FSYNCDIR    FUSEOpcode = 30
	FUSE_GETLK       FUSEOpcode = 31
	FUSE_SETLK       FUSEOpcode = 32
	FUSE_SETLKW      FUSEOpcode = 33
	FUSE_ACCESS      FUSEOpcode = 34
	FUSE_CREATE      FUSEOpcode = 35
	FUSE_INTERRUPT   FUSEOpcode = 36
	FUSE_BMAP        FUSEOpcode = 37
	FUSE_DESTROY     FUSEOpcode = 38

	// Darwin extensions.
	FUSE_SETVOLNAME  FUSEOpcode = 61
	FUSE_GETXTIMES   FUSEOpcode = 62
	FUSE_EXCHANGE    FUSEOpcode = 63
)

var opcodeNames = map[FUSEOpcode]string{
	FUSE_LOOKUP:      "FUSE_LOOKUP",
	FUSE_FORGET:      "FUSE_FORGET",
	FUSE_GETATTR:     "FUSE_GETATTR",
	FUSE_SETATTR:     "FUSE_SETATTR",
	FUSE_READLINK:    "FUSE_READLINK",
	FUSE_SYMLINK:     "FUSE_SYMLINK",
	FUSE_MKNOD:       "FUSE_MKNOD",
	FUSE_MKDIR:       "FUSE_MKDIR",
	FUSE_UNLINK:      "FUSE_UNLINK",
	FUSE_RMDIR:       "FUSE_RMDIR",
	FUSE_RENAME:      "FUSE_RENAME",
	FUSE_LINK:        "FUSE_LINK",
	FUSE_OPEN:        "FUSE_OPEN",
	FUSE_READ:        "FUSE_READ",
	FUSE_WRITE:       "FUSE_WRITE",
	FUSE_STATFS:      "FUSE_STATFS",
	FUSE_RELEASE:     "FUSE_RELEASE",
	FUSE_FSYNC:       "FUSE_FSYNC",
	FUSE_SETXATTR:    "FUSE_SETXATTR",
	FUSE_GETXATTR:    "FUSE_GETXATTR",
	FUSE_LISTXATTR:   "FUSE_LISTXATTR",
	FUSE_REMOVEXATTR: "FUSE_REMOVEXATTR",
	FUSE_FLUSH:       "FUSE_FLUSH",
	FUSE_INIT:        "FUSE_INIT",
	FUSE_OPENDIR:     "FUSE_OPENDIR",
	FUSE_READDIR:     "FUSE_READDIR",
	FUSE_RELEASEDIR:  "FUSE_RELEASEDIR",
	FUSE_FSYNCDIR:    "FUSE_FSYNCDIR",
	FUSE_GETLK:       "FUSE_GETLK",
	FUSE_SETLK:       "FUSE_SETLK",
	FUSE_SETLKW:      "FUSE_SETLKW",
	FUSE_ACCESS:      "FUSE_ACCESS",
	FUSE_CREATE:      "FUSE_CREATE",
	FUSE_INTERRUPT:   "FUSE_INTERRUPT",
	FUSE_BMAP:        "FUSE_BMAP",
	FUSE_DESTROY:     "FUSE_DESTROY",
	FUSE_SETVOLNAME:  "FUSE_SETVOLNAME",
	FUSE_GETXTIMES:   "FUSE_GETXTIMES",
	FUSE_EXCHANGE:    "FUSE_EXCHANGE",
}

// String implements fmt.Stringer.String.
func (op FUSEOpcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("FUSEOpcode(%d)", uint32(op))
}

// Protocol version spoken by the kernel side.
const (
	FUSE_KERNEL_VERSION       = 7
	FUSE_KERNEL_MINOR_VERSION = 8
)

// FUSE_FSYNC_FDATASYNC asks for a data-only sync.
const FUSE_FSYNC_FDATASYNC = 1

// Wire sizes of the fixed-layout structures.
const (
	FUSEHeaderInSize     = 40
	FUSEHeaderOutSize    = 16
	FUSEAttrSize         = 96
	FUSEEntryOutSize     = 136
	FUSEAttrOutSize      = 112
	FUSEGetxtimesOutSize = 24
	FUSEOpenInSize       = 8
	FUSEOpenOutSize      = 16
	FUSEReadInSize       = 24
	FUSEWriteInSize      = 24
	FUSEWriteOutSize     = 8
	FUSEReleaseInSize    = 24
	FUSEFlushInSize      = 24
	FUSEFsyncInSize      = 16
	FUSEAccessInSize     = 8
	FUSEForgetInSize     = 8
	FUSEInterruptInSize  = 8
	FUSERenameInSize     = 8
	FUSELinkInSize       = 8
	FUSEMknodInSize      = 8
	FUSEMkdirInSize      = 8
	FUSEInitInSize       = 16
	FUSEInitOutSize      = 24
	FUSEStatfsOutSize    = 80
	FUSEGetxattrInSize   = 8
	FUSEGetxattrOutSize  = 8
	FUSEExchangeInSize   = 24
	FUSEBmapOutSize      = 8

	// FUSECompatInitOutSize is the FUSE_INIT reply of daemons older than 7.5.
	FUSECompatInitOutSize = 8

	// FUSECompatStatfsSize is the FUSE_STATFS reply of daemons older than
	// 7.4.
	FUSECompatStatfsSize = 48
)

// FUSE_NAME_OFFSET is the offset of the name in a wire directory entry.
const FUSE_NAME_OFFSET = 24

// FUSE_DIRENT_ALIGN is the alignment of wire directory entries.
const FUSE_DIRENT_ALIGN = 8

// FUSEDirentAlign rounds x up to the wire directory entry alignment.
func FUSEDirentAlign(x int) int {
	return (x + FUSE_DIRENT_ALIGN - 1) &^ (FUSE_DIRENT_ALIGN - 1)
}

// FUSEDirentSize is the aligned wire size of an entry with a name of namelen
// bytes.
func FUSEDirentSize(namelen int) int {
	return FUSEDirentAlign(FUSE_NAME_OFFSET + namelen)
}

// File types in mode bits.
const (
	S_IFMT   = 0170000
	S_IFIFO  = 0010000
	S_IFCHR  = 0020000
	S_IFDIR  = 0040000
	S_IFBLK  = 0060000
	S_IFREG  = 0100000
	S_IFLNK  = 0120000
	S_IFSOCK = 0140000
	S_IFWHT  = 0160000
)

// Directory entry types of the host record.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
	DT_WHT     = 14
)

// MAXNAMLEN is the longest name a host directory entry can carry.
const MAXNAMLEN = 255

// PATH_MAX is the size of the longest path, including its NUL terminator.
const PATH_MAX = 4096

// Access check bits for FUSE_ACCESS.
const (
	F_OK = 0
	X_OK = 1
	W_OK = 2
	R_OK = 4
)

// FUSEHeaderIn is the header read by the daemon with each request.
type FUSEHeaderIn struct {
	// Len specifies the total length of the data, including this header.
	Len uint32

	// Opcode specifies the kind of operation of the request.
	Opcode FUSEOpcode

	// Unique specifies the unique identifier for this request.
	Unique uint64

	// NodeID is the ID of the filesystem object being operated on.
	NodeID uint64

	// UID is the UID of the requesting process.
	UID uint32

	// GID is the GID of the requesting process.
	GID uint32

	// PID is the PID of the requesting process.
	PID uint32
	_   uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEHeaderIn) SizeBytes() int {
	return 40
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEHeaderIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Len)
	ByteOrder.PutUint32(dst[4:], uint32(r.Opcode))
	ByteOrder.PutUint64(dst[8:], r.Unique)
	ByteOrder.PutUint64(dst[16:], r.NodeID)
	ByteOrder.PutUint32(dst[24:], r.UID)
	ByteOrder.PutUint32(dst[28:], r.GID)
	ByteOrder.PutUint32(dst[32:], r.PID)
	clear(dst[36:40])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEHeaderIn) UnmarshalBytes(src []byte) {
	r.Len = ByteOrder.Uint32(src[0:])
	r.Opcode = FUSEOpcode(ByteOrder.Uint32(src[4:]))
	r.Unique = ByteOrder.Uint64(src[8:])
	r.NodeID = ByteOrder.Uint64(src[16:])
	r.UID = ByteOrder.Uint32(src[24:])
	r.GID = ByteOrder.Uint32(src[28:])
	r.PID = ByteOrder.Uint32(src[32:])
}

// FUSEHeaderOut is the header written by the daemon when it processes a
// request and wants to send a reply.
type FUSEHeaderOut struct {
	// Len specifies the total length of the data, including this header.
	Len uint32

	// Error specifies the error that occurred (0 if none). It is a
	// negated errno on the wire.
	Error int32

	// Unique specifies the unique identifier of the corresponding request.
	Unique uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEHeaderOut) SizeBytes() int {
	return 16
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEHeaderOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Len)
	ByteOrder.PutUint32(dst[4:], uint32(r.Error))
	ByteOrder.PutUint64(dst[8:], r.Unique)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEHeaderOut) UnmarshalBytes(src []byte) {
	r.Len = ByteOrder.Uint32(src[0:])
	r.Error = int32(ByteOrder.Uint32(src[4:]))
	r.Unique = ByteOrder.Uint64(src[8:])
}

// FUSEAttr is the file attributes returned by the daemon. It carries the
// Darwin creation time and file flags.
type FUSEAttr struct {
	Ino        uint64
	Size       uint64
	Blocks     uint64
	Atime      uint64
	Mtime      uint64
	Ctime      uint64
	Crtime     uint64
	AtimeNsec  uint32
	MtimeNsec  uint32
	CtimeNsec  uint32
	CrtimeNsec uint32
	Mode       uint32
	Nlink      uint32
	UID        uint32
	GID        uint32
	Rdev       uint32
	Flags      uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEAttr) SizeBytes() int {
	return 96
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEAttr) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Ino)
	ByteOrder.PutUint64(dst[8:], r.Size)
	ByteOrder.PutUint64(dst[16:], r.Blocks)
	ByteOrder.PutUint64(dst[24:], r.Atime)
	ByteOrder.PutUint64(dst[32:], r.Mtime)
	ByteOrder.PutUint64(dst[40:], r.Ctime)
	ByteOrder.PutUint64(dst[48:], r.Crtime)
	ByteOrder.PutUint32(dst[56:], r.AtimeNsec)
	ByteOrder.PutUint32(dst[60:], r.MtimeNsec)
	ByteOrder.PutUint32(dst[64:], r.CtimeNsec)
	ByteOrder.PutUint32(dst[68:], r.CrtimeNsec)
	ByteOrder.PutUint32(dst[72:], r.Mode)
	ByteOrder.PutUint32(dst[76:], r.Nlink)
	ByteOrder.PutUint32(dst[80:], r.UID)
	ByteOrder.PutUint32(dst[84:], r.GID)
	ByteOrder.PutUint32(dst[88:], r.Rdev)
	ByteOrder.PutUint32(dst[92:], r.Flags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEAttr) UnmarshalBytes(src []byte) {
	r.Ino = ByteOrder.Uint64(src[0:])
	r.Size = ByteOrder.Uint64(src[8:])
	r.Blocks = ByteOrder.Uint64(src[16:])
	r.Atime = ByteOrder.Uint64(src[24:])
	r.Mtime = ByteOrder.Uint64(src[32:])
	r.Ctime = ByteOrder.Uint64(src[40:])
	r.Crtime = ByteOrder.Uint64(src[48:])
	r.AtimeNsec = ByteOrder.Uint32(src[56:])
	r.MtimeNsec = ByteOrder.Uint32(src[60:])
	r.CtimeNsec = ByteOrder.Uint32(src[64:])
	r.CrtimeNsec = ByteOrder.Uint32(src[68:])
	r.Mode = ByteOrder.Uint32(src[72:])
	r.Nlink = ByteOrder.Uint32(src[76:])
	r.UID = ByteOrder.Uint32(src[80:])
	r.GID = ByteOrder.Uint32(src[84:])
	r.Rdev = ByteOrder.Uint32(src[88:])
	r.Flags = ByteOrder.Uint32(src[92:])
}

// FUSEEntryOut is the reply sent by the daemon for requests that create or
// look up a node.
type FUSEEntryOut struct {
	// NodeID is the ID of the node, unique for the lifetime of the
	// filesystem unless paired with a different Generation.
	NodeID     uint64
	Generation uint64

	// EntryValid and AttrValid are cache timeouts in seconds.
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           FUSEAttr
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEEntryOut) SizeBytes() int {
	return 136
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEEntryOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.NodeID)
	ByteOrder.PutUint64(dst[8:], r.Generation)
	ByteOrder.PutUint64(dst[16:], r.EntryValid)
	ByteOrder.PutUint64(dst[24:], r.AttrValid)
	ByteOrder.PutUint32(dst[32:], r.EntryValidNsec)
	ByteOrder.PutUint32(dst[36:], r.AttrValidNsec)
	r.Attr.MarshalBytes(dst[40:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEEntryOut) UnmarshalBytes(src []byte) {
	r.NodeID = ByteOrder.Uint64(src[0:])
	r.Generation = ByteOrder.Uint64(src[8:])
	r.EntryValid = ByteOrder.Uint64(src[16:])
	r.AttrValid = ByteOrder.Uint64(src[24:])
	r.EntryValidNsec = ByteOrder.Uint32(src[32:])
	r.AttrValidNsec = ByteOrder.Uint32(src[36:])
	r.Attr.UnmarshalBytes(src[40:])
}

// FUSEAttrOut is the reply sent by the daemon for FUSE_GETATTR and
// FUSE_SETATTR.
type FUSEAttrOut struct {
	// AttrValid and AttrValidNsec describe the cache timeout.
	AttrValid     uint64
	AttrValidNsec uint32
	_             uint32
	Attr          FUSEAttr
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEAttrOut) SizeBytes() int {
	return 112
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEAttrOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.AttrValid)
	ByteOrder.PutUint32(dst[8:], r.AttrValidNsec)
	clear(dst[12:16])
	r.Attr.MarshalBytes(dst[16:])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEAttrOut) UnmarshalBytes(src []byte) {
	r.AttrValid = ByteOrder.Uint64(src[0:])
	r.AttrValidNsec = ByteOrder.Uint32(src[8:])
	r.Attr.UnmarshalBytes(src[16:])
}

// FUSEGetxtimesOut is the reply to FUSE_GETXTIMES.
type FUSEGetxtimesOut struct {
	Bkuptime     uint64
	Crtime       uint64
	BkuptimeNsec uint32
	CrtimeNsec   uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEGetxtimesOut) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEGetxtimesOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Bkuptime)
	ByteOrder.PutUint64(dst[8:], r.Crtime)
	ByteOrder.PutUint32(dst[16:], r.BkuptimeNsec)
	ByteOrder.PutUint32(dst[20:], r.CrtimeNsec)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEGetxtimesOut) UnmarshalBytes(src []byte) {
	r.Bkuptime = ByteOrder.Uint64(src[0:])
	r.Crtime = ByteOrder.Uint64(src[8:])
	r.BkuptimeNsec = ByteOrder.Uint32(src[16:])
	r.CrtimeNsec = ByteOrder.Uint32(src[20:])
}

// FUSEOpenIn is the request sent by the kernel to the daemon for
// FUSE_OPEN and FUSE_OPENDIR.
type FUSEOpenIn struct {
	// Flags of this open request.
	Flags uint32
	Mode  uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEOpenIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEOpenIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Flags)
	ByteOrder.PutUint32(dst[4:], r.Mode)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEOpenIn) UnmarshalBytes(src []byte) {
	r.Flags = ByteOrder.Uint32(src[0:])
	r.Mode = ByteOrder.Uint32(src[4:])
}

// FUSEOpenOut is the reply sent by the daemon to the kernel for FUSE_OPEN
// and FUSE_OPENDIR.
type FUSEOpenOut struct {
	// Fh is the file handle of the opened file.
	Fh uint64

	// OpenFlag for the opened file.
	OpenFlag uint32
	_        uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEOpenOut) SizeBytes() int {
	return 16
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEOpenOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	ByteOrder.PutUint32(dst[8:], r.OpenFlag)
	clear(dst[12:16])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEOpenOut) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.OpenFlag = ByteOrder.Uint32(src[8:])
}

// FUSEReadIn is the request for FUSE_READ and FUSE_READDIR.
type FUSEReadIn struct {
	// Fh is the file handle in userspace.
	Fh uint64

	// Offset is the read offset.
	Offset uint64

	// Size is the number of bytes to read.
	Size uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEReadIn) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEReadIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	ByteOrder.PutUint64(dst[8:], r.Offset)
	ByteOrder.PutUint32(dst[16:], r.Size)
	clear(dst[20:24])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEReadIn) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.Offset = ByteOrder.Uint64(src[8:])
	r.Size = ByteOrder.Uint32(src[16:])
}

// FUSEWriteIn is the header of a FUSE_WRITE request. The data follows it.
type FUSEWriteIn struct {
	// Fh specifies the file handle that is being written to.
	Fh uint64

	// Offset is the offset of the write.
	Offset uint64

	// Size is the size of data being written.
	Size uint32

	// WriteFlags is the flags used during the write.
	WriteFlags uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEWriteIn) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEWriteIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	ByteOrder.PutUint64(dst[8:], r.Offset)
	ByteOrder.PutUint32(dst[16:], r.Size)
	ByteOrder.PutUint32(dst[20:], r.WriteFlags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEWriteIn) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.Offset = ByteOrder.Uint64(src[8:])
	r.Size = ByteOrder.Uint32(src[16:])
	r.WriteFlags = ByteOrder.Uint32(src[20:])
}

// FUSEWriteOut is the reply to FUSE_WRITE.
type FUSEWriteOut struct {
	// Size is the number of bytes the daemon accepted.
	Size uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEWriteOut) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEWriteOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Size)
	clear(dst[4:8])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEWriteOut) UnmarshalBytes(src []byte) {
	r.Size = ByteOrder.Uint32(src[0:])
}

// FUSEReleaseIn is the request for FUSE_RELEASE and FUSE_RELEASEDIR.
type FUSEReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEReleaseIn) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEReleaseIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	ByteOrder.PutUint32(dst[8:], r.Flags)
	ByteOrder.PutUint32(dst[12:], r.ReleaseFlags)
	ByteOrder.PutUint64(dst[16:], r.LockOwner)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEReleaseIn) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.Flags = ByteOrder.Uint32(src[8:])
	r.ReleaseFlags = ByteOrder.Uint32(src[12:])
	r.LockOwner = ByteOrder.Uint64(src[16:])
}

// FUSEFlushIn is the request for FUSE_FLUSH.
type FUSEFlushIn struct {
	Fh        uint64
	_         uint32
	_         uint32
	LockOwner uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEFlushIn) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEFlushIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	clear(dst[8:12])
	clear(dst[12:16])
	ByteOrder.PutUint64(dst[16:], r.LockOwner)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEFlushIn) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.LockOwner = ByteOrder.Uint64(src[16:])
}

// FUSEFsyncIn is the request for FUSE_FSYNC and FUSE_FSYNCDIR.
type FUSEFsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	_          uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEFsyncIn) SizeBytes() int {
	return 16
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEFsyncIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Fh)
	ByteOrder.PutUint32(dst[8:], r.FsyncFlags)
	clear(dst[12:16])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEFsyncIn) UnmarshalBytes(src []byte) {
	r.Fh = ByteOrder.Uint64(src[0:])
	r.FsyncFlags = ByteOrder.Uint32(src[8:])
}

// FUSEAccessIn is the request for FUSE_ACCESS.
type FUSEAccessIn struct {
	// Mask is a combination of R_OK, W_OK and X_OK, or F_OK.
	Mask uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEAccessIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEAccessIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Mask)
	clear(dst[4:8])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEAccessIn) UnmarshalBytes(src []byte) {
	r.Mask = ByteOrder.Uint32(src[0:])
}

// FUSEForgetIn is the body of FUSE_FORGET. It has no reply.
type FUSEForgetIn struct {
	// Nlookup is the number of lookups being dropped.
	Nlookup uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEForgetIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEForgetIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Nlookup)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEForgetIn) UnmarshalBytes(src []byte) {
	r.Nlookup = ByteOrder.Uint64(src[0:])
}

// FUSEInterruptIn is the body of FUSE_INTERRUPT. It has no reply.
type FUSEInterruptIn struct {
	// Unique is the request being interrupted.
	Unique uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEInterruptIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEInterruptIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Unique)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEInterruptIn) UnmarshalBytes(src []byte) {
	r.Unique = ByteOrder.Uint64(src[0:])
}

// FUSERenameIn is the fixed part of FUSE_RENAME, followed by the old and new
// names.
type FUSERenameIn struct {
	Newdir uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSERenameIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSERenameIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Newdir)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSERenameIn) UnmarshalBytes(src []byte) {
	r.Newdir = ByteOrder.Uint64(src[0:])
}

// FUSELinkIn is the fixed part of FUSE_LINK, followed by the new name.
type FUSELinkIn struct {
	Oldnodeid uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSELinkIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSELinkIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Oldnodeid)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSELinkIn) UnmarshalBytes(src []byte) {
	r.Oldnodeid = ByteOrder.Uint64(src[0:])
}

// FUSEMknodIn is the fixed part of FUSE_MKNOD, followed by the name.
type FUSEMknodIn struct {
	Mode uint32
	Rdev uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEMknodIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEMknodIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Mode)
	ByteOrder.PutUint32(dst[4:], r.Rdev)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEMknodIn) UnmarshalBytes(src []byte) {
	r.Mode = ByteOrder.Uint32(src[0:])
	r.Rdev = ByteOrder.Uint32(src[4:])
}

// FUSEMkdirIn is the fixed part of FUSE_MKDIR, followed by the name.
type FUSEMkdirIn struct {
	Mode uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEMkdirIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEMkdirIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Mode)
	clear(dst[4:8])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEMkdirIn) UnmarshalBytes(src []byte) {
	r.Mode = ByteOrder.Uint32(src[0:])
}

// FUSEInitIn is the request sent by the kernel to the daemon to initialize
// the connection.
type FUSEInitIn struct {
	// Major version supported by kernel.
	Major uint32

	// Minor version supported by the kernel.
	Minor uint32

	// MaxReadahead is the maximum number of bytes to read-ahead.
	MaxReadahead uint32

	// Flags of this init request.
	Flags uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEInitIn) SizeBytes() int {
	return 16
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEInitIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Major)
	ByteOrder.PutUint32(dst[4:], r.Minor)
	ByteOrder.PutUint32(dst[8:], r.MaxReadahead)
	ByteOrder.PutUint32(dst[12:], r.Flags)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEInitIn) UnmarshalBytes(src []byte) {
	r.Major = ByteOrder.Uint32(src[0:])
	r.Minor = ByteOrder.Uint32(src[4:])
	r.MaxReadahead = ByteOrder.Uint32(src[8:])
	r.Flags = ByteOrder.Uint32(src[12:])
}

// FUSEInitOut is the reply sent by the daemon to the kernel for FUSE_INIT.
// Daemons speaking a protocol older than 7.5 only send the first eight bytes.
type FUSEInitOut struct {
	// Major version supported by daemon.
	Major uint32

	// Minor version supported by daemon.
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
	_            uint32

	// MaxWrite is the maximum size of a write buffer.
	MaxWrite uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEInitOut) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEInitOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Major)
	ByteOrder.PutUint32(dst[4:], r.Minor)
	ByteOrder.PutUint32(dst[8:], r.MaxReadahead)
	ByteOrder.PutUint32(dst[12:], r.Flags)
	clear(dst[16:20])
	ByteOrder.PutUint32(dst[20:], r.MaxWrite)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEInitOut) UnmarshalBytes(src []byte) {
	r.Major = ByteOrder.Uint32(src[0:])
	r.Minor = ByteOrder.Uint32(src[4:])
	r.MaxReadahead = ByteOrder.Uint32(src[8:])
	r.Flags = ByteOrder.Uint32(src[12:])
	r.MaxWrite = ByteOrder.Uint32(src[20:])
}

// FUSEStatfsOut is the reply to FUSE_STATFS. Daemons below 7.4 send only
// the first FUSECompatStatfsSize bytes.
type FUSEStatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	_       uint32
	_       [6]uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEStatfsOut) SizeBytes() int {
	return 80
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEStatfsOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Blocks)
	ByteOrder.PutUint64(dst[8:], r.Bfree)
	ByteOrder.PutUint64(dst[16:], r.Bavail)
	ByteOrder.PutUint64(dst[24:], r.Files)
	ByteOrder.PutUint64(dst[32:], r.Ffree)
	ByteOrder.PutUint32(dst[40:], r.Bsize)
	ByteOrder.PutUint32(dst[44:], r.Namelen)
	ByteOrder.PutUint32(dst[48:], r.Frsize)
	clear(dst[52:56])
	clear(dst[56:80])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEStatfsOut) UnmarshalBytes(src []byte) {
	r.Blocks = ByteOrder.Uint64(src[0:])
	r.Bfree = ByteOrder.Uint64(src[8:])
	r.Bavail = ByteOrder.Uint64(src[16:])
	r.Files = ByteOrder.Uint64(src[24:])
	r.Ffree = ByteOrder.Uint64(src[32:])
	r.Bsize = ByteOrder.Uint32(src[40:])
	r.Namelen = ByteOrder.Uint32(src[44:])
	r.Frsize = ByteOrder.Uint32(src[48:])
}

// FUSEGetxattrIn is the fixed part of FUSE_GETXATTR and FUSE_LISTXATTR.
type FUSEGetxattrIn struct {
	// Size is the caller's buffer size, or 0 to probe.
	Size uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEGetxattrIn) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEGetxattrIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Size)
	clear(dst[4:8])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEGetxattrIn) UnmarshalBytes(src []byte) {
	r.Size = ByteOrder.Uint32(src[0:])
}

// FUSEGetxattrOut is the reply to a size probe.
type FUSEGetxattrOut struct {
	Size uint32
	_    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEGetxattrOut) SizeBytes() int {
	return 8
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEGetxattrOut) MarshalBytes(dst []byte) {
	ByteOrder.PutUint32(dst[0:], r.Size)
	clear(dst[4:8])
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEGetxattrOut) UnmarshalBytes(src []byte) {
	r.Size = ByteOrder.Uint32(src[0:])
}

// FUSEExchangeIn is the fixed part of FUSE_EXCHANGE, followed by two names.
type FUSEExchangeIn struct {
	Olddir  uint64
	Newdir  uint64
	Options uint64
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEExchangeIn) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEExchangeIn) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Olddir)
	ByteOrder.PutUint64(dst[8:], r.Newdir)
	ByteOrder.PutUint64(dst[16:], r.Options)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEExchangeIn) UnmarshalBytes(src []byte) {
	r.Olddir = ByteOrder.Uint64(src[0:])
	r.Newdir = ByteOrder.Uint64(src[8:])
	r.Options = ByteOrder.Uint64(src[16:])
}

// FUSEDirentMeta is the fixed part of a directory entry returned by
// FUSE_READDIR, followed by the name and padding to 8 bytes.
type FUSEDirentMeta struct {
	Ino uint64

	// Off is the cookie for the next entry.
	Off     uint64
	NameLen uint32
	Type    uint32
}

// SizeBytes implements Marshallable.SizeBytes.
func (*FUSEDirentMeta) SizeBytes() int {
	return 24
}

// MarshalBytes implements Marshallable.MarshalBytes.
func (r *FUSEDirentMeta) MarshalBytes(dst []byte) {
	ByteOrder.PutUint64(dst[0:], r.Ino)
	ByteOrder.PutUint64(dst[8:], r.Off)
	ByteOrder.PutUint32(dst[16:], r.NameLen)
	ByteOrder.PutUint32(dst[20:], r.Type)
}

// UnmarshalBytes implements Marshallable.UnmarshalBytes.
func (r *FUSEDirentMeta) UnmarshalBytes(src []byte) {
	r.Ino = ByteOrder.Uint64(src[0:])
	r.Off = ByteOrder.Uint64(src[8:])
	r.NameLen = ByteOrder.Uint32(src[16:])
	r.Type = ByteOrder.Uint32(src[20:])
}

// AppendFUSEDirent appends one wire directory entry, padded to
// FUSE_DIRENT_ALIGN, to dst.
func AppendFUSEDirent(dst []byte, ino, off uint64, typ uint32, name string) []byte {
	meta := FUSEDirentMeta{
		Ino:     ino,
		Off:     off,
		NameLen: uint32(len(name)),
		Type:    typ,
	}
	start := len(dst)
	dst = append(dst, make([]byte, FUSEDirentSize(len(name)))...)
	meta.MarshalBytes(dst[start:])
	copy(dst[start+FUSE_NAME_OFFSET:], name)
	return dst
}
