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
	"bytes"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/fusebridge/pkg/abi/linux"
	"gvisor.dev/fusebridge/pkg/errors/linuxerr"
)

// fileDaemon serves one regular file held in memory.
type fileDaemon struct {
	mu   sync.Mutex
	data []byte

	// short, if non-zero, caps every read and write reply.
	short int
}

func (f *fileDaemon) handle(req request) *response {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch req.hdr.Opcode {
	case linux.FUSE_OPEN:
		return answer(&linux.FUSEOpenOut{Fh: 9})
	case linux.FUSE_READ:
		var in linux.FUSEReadIn
		in.UnmarshalBytes(req.body)
		end := min(int(in.Offset)+int(in.Size), len(f.data))
		if f.short != 0 {
			end = min(end, int(in.Offset)+f.short)
		}
		if int(in.Offset) >= end {
			return answerBytes(nil)
		}
		return answerBytes(append([]byte(nil), f.data[in.Offset:end]...))
	case linux.FUSE_WRITE:
		var in linux.FUSEWriteIn
		in.UnmarshalBytes(req.body)
		payload := req.body[linux.FUSEWriteInSize:]
		if len(payload) != int(in.Size) {
			return answerErr(unix.EPROTO)
		}
		n := len(payload)
		if f.short != 0 {
			n = min(n, f.short)
		}
		if end := int(in.Offset) + n; end > len(f.data) {
			f.data = append(f.data, make([]byte, end-len(f.data))...)
		}
		copy(f.data[in.Offset:], payload[:n])
		return answer(&linux.FUSEWriteOut{Size: uint32(n)})
	default:
		return answerErr(unix.ENOSYS)
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func strategyOptions() Options {
	opts := testOptions()
	opts.IOSize = 4096
	return opts
}

type readSpan struct {
	Fh     uint64
	Offset uint64
	Size   uint32
}

func readRequests(fd *fakeDaemon) []readSpan {
	var spans []readSpan
	for _, req := range fd.seen() {
		if req.hdr.Opcode == linux.FUSE_READ {
			var in linux.FUSEReadIn
			in.UnmarshalBytes(req.body)
			spans = append(spans, readSpan{Fh: in.Fh, Offset: in.Offset, Size: in.Size})
		}
	}
	return spans
}

func TestStrategyReadChunks(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	file := &fileDaemon{data: pattern(10000)}
	fd.serve(file.handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 10000)

	dst := make([]byte, 10000)
	got, err := s.StrategyRead(testContext(t), n, 0, dst)
	if err != nil || got != 10000 {
		t.Fatalf("StrategyRead = %d, %v, want 10000, nil", got, err)
	}
	if !bytes.Equal(dst, file.data) {
		t.Errorf("read data mismatch")
	}
	want := []readSpan{
		{Fh: 9, Offset: 0, Size: 4096},
		{Fh: 9, Offset: 4096, Size: 4096},
		{Fh: 9, Offset: 8192, Size: 1808},
	}
	if diff := cmp.Diff(want, readRequests(fd)); diff != "" {
		t.Errorf("READ requests mismatch (-want +got):\n%s", diff)
	}
	if fd.count(linux.FUSE_OPEN) != 1 {
		t.Errorf("sent %d FUSE_OPEN, want 1", fd.count(linux.FUSE_OPEN))
	}
	if fh := n.Handle(FileHandleReadOnly); !fh.Valid() || fh.flags&fileHandleStrategy == 0 {
		t.Errorf("read handle %+v is not a valid strategy handle", fh)
	}
}

func TestStrategyReadClipped(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	file := &fileDaemon{data: pattern(10000)}
	fd.serve(file.handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 3000)

	ctx := testContext(t)
	before := s.Stats().Requests
	if got, err := s.StrategyRead(ctx, n, 3000, make([]byte, 100)); got != 0 || err != nil {
		t.Fatalf("StrategyRead at EOF = %d, %v, want 0, nil", got, err)
	}
	if got, err := s.StrategyRead(ctx, n, 5000, make([]byte, 100)); got != 0 || err != nil {
		t.Fatalf("StrategyRead past EOF = %d, %v, want 0, nil", got, err)
	}
	if after := s.Stats().Requests; after != before {
		t.Fatalf("reads at EOF sent %d requests", after-before)
	}

	dst := make([]byte, 1000)
	got, err := s.StrategyRead(ctx, n, 2500, dst)
	if err != nil || got != 500 {
		t.Fatalf("StrategyRead = %d, %v, want 500, nil", got, err)
	}
	reads := readRequests(fd)
	if len(reads) != 1 || reads[0].Size != 500 || reads[0].Offset != 2500 {
		t.Errorf("READ requests = %+v, want one of 500 bytes at 2500", reads)
	}
	if !bytes.Equal(dst[:500], file.data[2500:3000]) {
		t.Errorf("read data mismatch")
	}
}

func TestStrategyReadShortZeroFills(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	file := &fileDaemon{data: pattern(10000), short: 100}
	fd.serve(file.handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 10000)

	dst := bytes.Repeat([]byte{0xff}, 1000)
	got, err := s.StrategyRead(testContext(t), n, 0, dst)
	if err != nil || got != 1000 {
		t.Fatalf("StrategyRead = %d, %v, want 1000, nil", got, err)
	}
	if !bytes.Equal(dst[:100], file.data[:100]) {
		t.Errorf("read data mismatch")
	}
	if !bytes.Equal(dst[100:], make([]byte, 900)) {
		t.Errorf("tail after a short reply is not zeroed")
	}
	if len(readRequests(fd)) != 1 {
		t.Errorf("sent %d READ requests after a short reply, want 1", len(readRequests(fd)))
	}
}

func TestStrategyReadUsesReadWriteHandle(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	file := &fileDaemon{data: pattern(100)}
	fd.serve(file.handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 100)
	n.handles[FileHandleReadWrite] = FileHandle{Fh: 3, flags: fileHandleValid}

	if _, err := s.StrategyRead(testContext(t), n, 0, make([]byte, 100)); err != nil {
		t.Fatalf("StrategyRead failed: %v", err)
	}
	if fd.count(linux.FUSE_OPEN) != 0 {
		t.Errorf("opened a new handle although a read-write one exists")
	}
	if reads := readRequests(fd); len(reads) != 1 || reads[0].Fh != 3 {
		t.Errorf("READ requests = %+v, want one on handle 3", reads)
	}
}

func TestStrategyWriteShortAccept(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	file := &fileDaemon{short: 1000}
	fd.serve(file.handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 0)

	src := pattern(2500)
	got, err := s.StrategyWrite(testContext(t), n, 0, src)
	if err != nil || got != 2500 {
		t.Fatalf("StrategyWrite = %d, %v, want 2500, nil", got, err)
	}
	var offsets []uint64
	for _, req := range fd.seen() {
		if req.hdr.Opcode == linux.FUSE_WRITE {
			var in linux.FUSEWriteIn
			in.UnmarshalBytes(req.body)
			offsets = append(offsets, in.Offset)
		}
	}
	if diff := cmp.Diff([]uint64{0, 1000, 2000}, offsets); diff != "" {
		t.Errorf("WRITE offsets mismatch (-want +got):\n%s", diff)
	}
	file.mu.Lock()
	defer file.mu.Unlock()
	if !bytes.Equal(file.data, src) {
		t.Errorf("written data mismatch")
	}
	if n.Size() != 2500 {
		t.Errorf("cached size = %d, want 2500", n.Size())
	}
	if n.AttrValid() {
		t.Errorf("attributes still valid after a write")
	}
	if fh := n.Handle(FileHandleReadWrite); !fh.Valid() {
		t.Errorf("write did not open a read-write handle")
	}
}

func TestStrategyWriteChunks(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	fd.serve((&fileDaemon{}).handle)
	n := addNode(s, 5, linux.S_IFREG|0644, 0)
	if _, err := s.StrategyWrite(testContext(t), n, 0, pattern(10000)); err != nil {
		t.Fatalf("StrategyWrite failed: %v", err)
	}
	var sizes []uint32
	for _, req := range fd.seen() {
		if req.hdr.Opcode == linux.FUSE_WRITE {
			var in linux.FUSEWriteIn
			in.UnmarshalBytes(req.body)
			sizes = append(sizes, in.Size)
		}
	}
	if diff := cmp.Diff([]uint32{4096, 4096, 1808}, sizes); diff != "" {
		t.Errorf("WRITE sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestStrategyWriteBadAccept(t *testing.T) {
	for _, tc := range []struct {
		name   string
		accept uint32
		want   error
	}{
		{"too-many", 200, linuxerr.EINVAL},
		{"none", 0, linuxerr.EIO},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, fd := newInitializedSession(t, strategyOptions())
			fd.serve(func(req request) *response {
				if req.hdr.Opcode == linux.FUSE_OPEN {
					return answer(&linux.FUSEOpenOut{Fh: 9})
				}
				return answer(&linux.FUSEWriteOut{Size: tc.accept})
			})
			n := addNode(s, 5, linux.S_IFREG|0644, 0)
			if _, err := s.StrategyWrite(testContext(t), n, 0, pattern(100)); err != tc.want {
				t.Errorf("StrategyWrite = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStrategyErrors(t *testing.T) {
	s, fd := newInitializedSession(t, strategyOptions())
	fd.serve(func(req request) *response {
		return answerErr(unix.EACCES)
	})
	ctx := testContext(t)

	link := addNode(s, 6, linux.S_IFLNK|0777, 10)
	if _, err := s.StrategyRead(ctx, link, 0, make([]byte, 10)); err != linuxerr.ENOTSUP {
		t.Errorf("StrategyRead on a symlink = %v, want ENOTSUP", err)
	}

	// A failed open is reported as an I/O error.
	n := addNode(s, 5, linux.S_IFREG|0644, 100)
	if _, err := s.StrategyRead(ctx, n, 0, make([]byte, 10)); err != linuxerr.EIO {
		t.Errorf("StrategyRead without a handle = %v, want EIO", err)
	}

	s.SetDead()
	if _, err := s.StrategyWrite(ctx, n, 0, make([]byte, 10)); err != linuxerr.EIO {
		t.Errorf("StrategyWrite on a dead session = %v, want EIO", err)
	}
}
