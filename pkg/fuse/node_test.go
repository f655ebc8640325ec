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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

func TestFileTypeFromMode(t *testing.T) {
	for _, tc := range []struct {
		mode uint32
		want FileType
	}{
		{linux.S_IFREG | 0644, VREG},
		{linux.S_IFDIR | 0755, VDIR},
		{linux.S_IFLNK | 0777, VLNK},
		{linux.S_IFCHR, VCHR},
		{linux.S_IFBLK, VBLK},
		{linux.S_IFIFO, VFIFO},
		{linux.S_IFSOCK, VSOCK},
		{0644, VNON},
	} {
		if got := FileTypeFromMode(tc.mode); got != tc.want {
			t.Errorf("FileTypeFromMode(%#o) = %v, want %v", tc.mode, got, tc.want)
		}
	}
}

func TestNodeTableOrder(t *testing.T) {
	nt := NewNodeTable()
	for _, id := range []uint64{42, 7, 19, 3} {
		nt.insert(newNode(id, VREG))
	}
	var ids []uint64
	nt.Each(func(n *Node) bool {
		ids = append(ids, n.ID)
		return n.ID < 19
	})
	if diff := cmp.Diff([]uint64{3, 7, 19}, ids); diff != "" {
		t.Errorf("Each order mismatch (-want +got):\n%s", diff)
	}
	if n := nt.Remove(7); n == nil || n.ID != 7 {
		t.Errorf("Remove(7) = %v", n)
	}
	if nt.Get(7) != nil || nt.Len() != 3 {
		t.Errorf("node 7 still present after Remove")
	}
}

func TestMaterialize(t *testing.T) {
	nt := NewNodeTable()
	out := entryOut(5, linux.S_IFREG|0644)
	out.Generation = 1
	n, ok := nt.materialize(out)
	if !ok || n.Lookups() != 1 {
		t.Fatalf("materialize = %v, %t", n, ok)
	}
	if again, ok := nt.materialize(out); !ok || again != n || n.Lookups() != 2 {
		t.Errorf("second materialize returned a different node or did not count")
	}

	other := *out
	other.Generation = 2
	if _, ok := nt.materialize(&other); ok {
		t.Errorf("materialize accepted a new generation")
	}
	other = *out
	other.Attr.Mode = linux.S_IFDIR | 0755
	if _, ok := nt.materialize(&other); ok {
		t.Errorf("materialize accepted a new type")
	}
	if n.Lookups() != 2 {
		t.Errorf("failed materialize counted a lookup")
	}
}

func TestAttrExpiry(t *testing.T) {
	n := newNode(5, VREG)
	if n.AttrValid() {
		t.Fatalf("fresh node has valid attributes")
	}
	n.cacheAttr(linux.FUSEAttr{Mode: linux.S_IFREG, Size: 100}, 20*time.Millisecond)
	if _, ok := n.Attr(); !ok || n.Size() != 100 {
		t.Fatalf("cached attributes not valid")
	}
	waitFor(t, "attribute expiry", func() bool { return !n.AttrValid() })
	if n.Size() != 100 {
		t.Errorf("size lost with the attributes")
	}
	if got := validity(1, 500000000); got != 1500*time.Millisecond {
		t.Errorf("validity(1, 5e8) = %v", got)
	}
}

func TestGetattr(t *testing.T) {
	var revoked []uint64
	opts := testOptions()
	opts.OnRevoke = func(n *Node) { revoked = append(revoked, n.ID) }
	s, fd := newInitializedSession(t, opts)
	fd.serve(func(req request) *response {
		switch req.hdr.NodeID {
		case 5:
			return answer(&linux.FUSEAttrOut{AttrValid: 60, Attr: linux.FUSEAttr{Ino: 5, Mode: linux.S_IFREG | 0644, Size: 77}})
		case 6:
			return answer(&linux.FUSEAttrOut{Attr: linux.FUSEAttr{Ino: 6, Mode: linux.S_IFDIR | 0755}})
		default:
			return answerErr(unix.ENOENT)
		}
	})
	ctx := testContext(t)

	file := addNode(s, 5, linux.S_IFREG|0644, 0)
	for i := 0; i < 2; i++ {
		attr, err := s.Getattr(ctx, file)
		if err != nil || attr.Size != 77 {
			t.Fatalf("Getattr = %+v, %v", attr, err)
		}
	}
	if got := fd.count(linux.FUSE_GETATTR); got != 1 {
		t.Errorf("sent %d FUSE_GETATTR, want 1 while cached", got)
	}

	changed := addNode(s, 6, linux.S_IFREG|0644, 0)
	if _, err := s.Getattr(ctx, changed); err != linuxerr.EIO {
		t.Errorf("Getattr of a node that changed type = %v, want EIO", err)
	}
	gone := addNode(s, 7, linux.S_IFREG|0644, 0)
	if _, err := s.Getattr(ctx, gone); err != linuxerr.ENOENT {
		t.Errorf("Getattr of a vanished node = %v, want ENOENT", err)
	}
	if diff := cmp.Diff([]uint64{6, 7}, revoked); diff != "" {
		t.Errorf("revoked mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenRelease(t *testing.T) {
	s, fd := newInitializedSession(t, testOptions())
	var next uint64 = 100
	fd.serve(func(req request) *response {
		switch req.hdr.Opcode {
		case linux.FUSE_OPEN, linux.FUSE_OPENDIR:
			next++
			return answer(&linux.FUSEOpenOut{Fh: next})
		default:
			return answerBytes(nil)
		}
	})
	ctx := testContext(t)
	file := addNode(s, 5, linux.S_IFREG|0644, 0)

	fh, err := s.Open(ctx, file, FileHandleWriteOnly)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if again, err := s.Open(ctx, file, FileHandleWriteOnly); err != nil || again != fh {
		t.Errorf("second Open = %d, %v, want %d", again, err, fh)
	}
	if got := fd.count(linux.FUSE_OPEN); got != 1 {
		t.Errorf("sent %d FUSE_OPEN, want 1", got)
	}
	var in linux.FUSEOpenIn
	in.UnmarshalBytes(fd.seen()[0].body)
	if in.Flags != unix.O_WRONLY {
		t.Errorf("FUSE_OPEN flags = %#x, want O_WRONLY", in.Flags)
	}

	if _, err := s.Open(ctx, s.Root(), FileHandleReadWrite); err != linuxerr.EISDIR {
		t.Errorf("Open of a directory for writing = %v, want EISDIR", err)
	}
	if _, err := s.Open(ctx, s.Root(), FileHandleReadOnly); err != nil {
		t.Errorf("Open of a directory failed: %v", err)
	}
	if got := fd.count(linux.FUSE_OPENDIR); got != 1 {
		t.Errorf("sent %d FUSE_OPENDIR, want 1", got)
	}

	if err := s.Release(ctx, file, FileHandleWriteOnly); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := s.Release(ctx, file, FileHandleWriteOnly); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if got := fd.count(linux.FUSE_RELEASE); got != 1 {
		t.Errorf("sent %d FUSE_RELEASE, want 1", got)
	}
	if h := file.Handle(FileHandleWriteOnly); h.Valid() {
		t.Errorf("handle still valid after Release")
	}
}

func TestOpenReadOnlyMount(t *testing.T) {
	opts := testOptions()
	opts.Flags = MountReadOnly
	s := newTestSession(t, opts)
	s.setInitialized()
	file := addNode(s, 5, linux.S_IFREG|0644, 0)
	if _, err := s.Open(testContext(t), file, FileHandleReadWrite); err != linuxerr.EROFS {
		t.Errorf("Open for writing on a read-only mount = %v, want EROFS", err)
	}
}

func TestReclaim(t *testing.T) {
	s, fd := newInitializedSession(t, testOptions())
	fd.serve(func(req request) *response {
		return answerBytes(nil)
	})
	n, ok := s.nodes.materialize(entryOut(5, linux.S_IFREG|0644))
	if !ok {
		t.Fatalf("materialize failed")
	}
	s.nodes.materialize(entryOut(5, linux.S_IFREG|0644))
	n.handles[FileHandleReadOnly] = FileHandle{Fh: 12, flags: fileHandleValid}

	s.Reclaim(testContext(t), n)
	waitFor(t, "FUSE_FORGET", func() bool { return fd.count(linux.FUSE_FORGET) == 1 })
	if got := fd.count(linux.FUSE_RELEASE); got != 1 {
		t.Errorf("sent %d FUSE_RELEASE, want 1", got)
	}
	if diff := cmp.Diff(map[uint64]uint64{5: 2}, forgets(fd)); diff != "" {
		t.Errorf("forgets mismatch (-want +got):\n%s", diff)
	}
	if s.Nodes().Get(5) != nil || n.Lookups() != 0 {
		t.Errorf("reclaimed node still referenced")
	}

	// The root is never reclaimed.
	s.Reclaim(testContext(t), s.Root())
	if s.Nodes().Get(linux.FUSE_ROOT_ID) == nil {
		t.Errorf("root reclaimed")
	}
}
