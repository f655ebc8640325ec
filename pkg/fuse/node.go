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
	"sync"
	"time"

	"github.com/google/btree"
	"gvisor.dev/fusebridge/pkg/abi/linux"
)

// FileType is the type of a node.
type FileType int

// File types.
const (
	VNON FileType = iota
	VREG
	VDIR
	VBLK
	VCHR
	VLNK
	VSOCK
	VFIFO
)

func (ft FileType) String() string {
	switch ft {
	case VREG:
		return "regular"
	case VDIR:
		return "directory"
	case VBLK:
		return "block-device"
	case VCHR:
		return "char-device"
	case VLNK:
		return "symlink"
	case VSOCK:
		return "socket"
	case VFIFO:
		return "fifo"
	default:
		return "none"
	}
}

// FileTypeFromMode returns the type encoded in mode.
func FileTypeFromMode(mode uint32) FileType {
	switch mode & linux.S_IFMT {
	case linux.S_IFREG:
		return VREG
	case linux.S_IFDIR:
		return VDIR
	case linux.S_IFBLK:
		return VBLK
	case linux.S_IFCHR:
		return VCHR
	case linux.S_IFLNK:
		return VLNK
	case linux.S_IFSOCK:
		return VSOCK
	case linux.S_IFIFO:
		return VFIFO
	default:
		return VNON
	}
}

// direntType returns the host directory entry type for a wire type, which
// carries the S_IFMT bits shifted right by 12.
func direntType(wireType uint32) uint8 {
	return uint8(wireType & 0xf)
}

// Node is the kernel's view of a daemon file system object.
type Node struct {
	// ID is the daemon-assigned node id. It is immutable.
	ID uint64

	// mu protects the fields below.
	mu sync.Mutex

	// +checklocks:mu
	vtype FileType

	// +checklocks:mu
	generation uint64

	// +checklocks:mu
	attr linux.FUSEAttr

	// attrExpiry is when the cached attributes go stale. The zero time
	// means they are invalid.
	// +checklocks:mu
	attrExpiry time.Time

	// size is the cached file size used to clip I/O.
	// +checklocks:mu
	size uint64

	// nlookup counts the lookups the daemon has to be told to forget.
	// +checklocks:mu
	nlookup uint64

	// +checklocks:mu
	revoked bool

	// +checklocks:mu
	handles [fileHandleTypes]FileHandle
}

func newNode(id uint64, vtype FileType) *Node {
	return &Node{ID: id, vtype: vtype}
}

// Type returns the node's type.
func (n *Node) Type() FileType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vtype
}

// Attr returns the cached attributes and whether they are still valid.
func (n *Node) Attr() (linux.FUSEAttr, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attr, !n.attrExpiry.IsZero() && time.Now().Before(n.attrExpiry)
}

// AttrValid returns true if the cached attributes can be used.
func (n *Node) AttrValid() bool {
	_, ok := n.Attr()
	return ok
}

// Size returns the cached file size.
func (n *Node) Size() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.size
}

// SetSize overrides the cached file size.
func (n *Node) SetSize(size uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.size = size
}

// extendSize grows the cached size to at least size.
func (n *Node) extendSize(size uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size > n.size {
		n.size = size
	}
}

// Nlink returns the cached link count.
func (n *Node) Nlink() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attr.Nlink
}

// Lookups returns the number of lookups not yet forgotten.
func (n *Node) Lookups() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nlookup
}

// Revoked returns true once the node disappeared on the daemon side.
func (n *Node) Revoked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.revoked
}

// cacheAttr stores attributes valid for the given duration.
func (n *Node) cacheAttr(attr linux.FUSEAttr, valid time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attr = attr
	n.size = attr.Size
	if valid > 0 {
		n.attrExpiry = time.Now().Add(valid)
	} else {
		n.attrExpiry = time.Time{}
	}
}

// InvalidateAttr forces the next attribute access to ask the daemon.
func (n *Node) InvalidateAttr() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrExpiry = time.Time{}
}

func validity(sec uint64, nsec uint32) time.Duration {
	return time.Duration(sec)*time.Second + time.Duration(nsec)
}

// NodeTable indexes a session's nodes by id.
type NodeTable struct {
	mu sync.RWMutex

	// +checklocks:mu
	tree *btree.BTreeG[*Node]
}

// NewNodeTable returns an empty table.
func NewNodeTable() *NodeTable {
	return &NodeTable{
		tree: btree.NewG[*Node](16, func(a, b *Node) bool { return a.ID < b.ID }),
	}
}

// Get returns the node with the given id, or nil.
func (nt *NodeTable) Get(id uint64) *Node {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	n, _ := nt.tree.Get(&Node{ID: id})
	return n
}

// Len returns the number of nodes.
func (nt *NodeTable) Len() int {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return nt.tree.Len()
}

func (nt *NodeTable) insert(n *Node) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.tree.ReplaceOrInsert(n)
}

// Remove deletes and returns the node with the given id.
func (nt *NodeTable) Remove(id uint64) *Node {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	n, _ := nt.tree.Delete(&Node{ID: id})
	return n
}

// Each calls fn for every node in id order until fn returns false. fn runs
// without the table lock held.
func (nt *NodeTable) Each(fn func(*Node) bool) {
	nt.mu.RLock()
	nodes := make([]*Node, 0, nt.tree.Len())
	nt.tree.Ascend(func(n *Node) bool {
		nodes = append(nodes, n)
		return true
	})
	nt.mu.RUnlock()
	for _, n := range nodes {
		if !fn(n) {
			return
		}
	}
}

// materialize returns the node described by an entry reply, creating it if
// needed, and counts the lookup. It fails if a node with the same id but a
// different type or generation exists.
func (nt *NodeTable) materialize(out *linux.FUSEEntryOut) (*Node, bool) {
	vtype := FileTypeFromMode(out.Attr.Mode)
	nt.mu.Lock()
	n, ok := nt.tree.Get(&Node{ID: out.NodeID})
	if !ok {
		n = newNode(out.NodeID, vtype)
		nt.tree.ReplaceOrInsert(n)
	}
	nt.mu.Unlock()

	n.mu.Lock()
	if ok && (n.vtype != vtype || n.generation != out.Generation || n.revoked) {
		n.mu.Unlock()
		return nil, false
	}
	n.generation = out.Generation
	n.nlookup++
	n.mu.Unlock()
	n.cacheAttr(out.Attr, validity(out.AttrValid, out.AttrValidNsec))
	return n, true
}

// disappear handles a node the daemon no longer knows about: it is taken
// out of the table and, if revoke is set, marked revoked and handed to the
// revoke hook.
func (s *Session) disappear(n *Node, revoke bool) {
	n.InvalidateAttr()
	if n.ID == linux.FUSE_ROOT_ID {
		return
	}
	s.nodes.Remove(n.ID)
	if !revoke {
		return
	}
	n.mu.Lock()
	already := n.revoked
	n.revoked = true
	n.mu.Unlock()
	if !already && s.opts.OnRevoke != nil {
		s.opts.OnRevoke(n)
	}
}
